// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/heirloom-wallet/heirloomd/bitcoin"
	"github.com/heirloom-wallet/heirloomd/bitcoin/bitcoind"
	"github.com/heirloom-wallet/heirloomd/bitcoin/poller"
	"github.com/heirloom-wallet/heirloomd/coindb"
	"github.com/heirloom-wallet/heirloomd/descriptor"
)

const appName = "heirloomd"

// version is set at build time with -ldflags.
var version = "0.2.0-pre"

func goVersion() string {
	return runtime.Version()
}

func chainParams(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	case "signet":
		return &chaincfg.SigNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	}
	return nil
}

func mainCore() int {
	cfg, err := configure()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	lm, closeLogger, err := initLogging(cfg.logPath(), cfg.DebugLevel, cfg.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLogger()
	log := lm.NewLogger("HLD")

	params := chainParams(cfg.Network)

	descs := make([]descriptor.Descriptor, 0, len(cfg.Descriptors))
	for _, raw := range cfg.Descriptors {
		desc, err := descriptor.New(raw)
		if err != nil {
			log.Errorf("Invalid descriptor %q: %v", raw, err)
			return 1
		}
		descs = append(descs, desc)
	}

	btcCfg, err := bitcoind.LoadConfigFromPath(cfg.BitcoindConf, cfg.Network)
	if err != nil {
		log.Errorf("Error loading bitcoind config from %s: %v", cfg.BitcoindConf, err)
		return 1
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		HTTPPostMode: true,
		DisableTLS:   true,
		Host:         btcCfg.RPCBind + "/wallet/" + cfg.RPCWallet,
		User:         btcCfg.RPCUser,
		Pass:         btcCfg.RPCPass,
	}, nil)
	if err != nil {
		log.Errorf("Error creating bitcoind RPC client: %v", err)
		return 1
	}
	defer client.Shutdown()

	bd, err := bitcoind.New(client, params.GenesisHash, lm.NewLogger("BTC"))
	if err != nil {
		log.Errorf("Error connecting to bitcoind: %v", err)
		return 1
	}
	bit := bitcoin.NewSynced(bd)

	db, err := coindb.Open(cfg.coinDBPath(), lm.NewLogger("DB"))
	if err != nil {
		log.Errorf("Error opening coin database: %v", err)
		return 1
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("%s version %s starting on %s.", appName, version, cfg.Network)
	p := poller.New(bit, db, descs, cfg.PollInterval, lm.NewLogger("POLL"))
	p.Run(ctx)

	log.Infof("Shutting down.")
	return 0
}

func main() {
	os.Exit(mainCore())
}

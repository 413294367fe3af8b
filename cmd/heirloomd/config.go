// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/heirloom-wallet/heirloomd/bitcoin/bitcoind"
)

const (
	defaultConfigFilename = "heirloomd.conf"
	defaultLogFilename    = "heirloomd.log"
	defaultCoinDBFilename = "coins.db"
	defaultPollInterval   = 30 * time.Second
)

var (
	appDir            = btcutil.AppDataDir("heirloomd", false)
	defaultConfigPath = filepath.Join(appDir, defaultConfigFilename)
)

// config defines the configuration options for heirloomd.
type config struct {
	ShowVersion  bool          `short:"V" long:"version" description:"Display version information and exit"`
	Config       string        `short:"C" long:"config" description:"Path to configuration file"`
	DataDir      string        `short:"b" long:"datadir" description:"Directory to store wallet data"`
	Network      string        `long:"network" description:"Bitcoin network: mainnet, testnet, signet or regtest"`
	BitcoindConf string        `long:"bitcoindconf" description:"Path to a bitcoind configuration file to read RPC credentials from"`
	RPCWallet    string        `long:"rpcwallet" description:"Name of the bitcoind watchonly wallet"`
	Descriptors  []string      `long:"descriptor" description:"Wallet descriptor to watch. May be repeated."`
	PollInterval time.Duration `long:"pollinterval" description:"How often to poll the Bitcoin backend"`
	DebugLevel   string        `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	Stdout       bool          `long:"stdout" description:"Also log to stdout"`
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// configure parses command line options and the config file if present,
// applying defaults for anything left unset.
func configure() (*config, error) {
	// Default config
	cfg := &config{
		Config:       defaultConfigPath,
		DataDir:      appDir,
		Network:      "mainnet",
		BitcoindConf: bitcoind.SystemConfigPath(),
		RPCWallet:    "heirloomd",
		PollInterval: defaultPollInterval,
		DebugLevel:   "info",
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	_, err := preParser.Parse()
	if err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go %s)\n", appName, version, goVersion())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(cfg, flags.Default)
	if preCfg.Config != defaultConfigPath || fileExists(preCfg.Config) {
		err = flags.NewIniParser(parser).ParseFile(preCfg.Config)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, err
	}

	switch cfg.Network {
	case "mainnet", "testnet", "signet", "regtest":
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	if len(cfg.Descriptors) == 0 {
		return nil, fmt.Errorf("at least one --descriptor is required")
	}

	return cfg, nil
}

// logPath is where the rotating log files for this data directory live.
func (cfg *config) logPath() string {
	return filepath.Join(cfg.DataDir, cfg.Network, defaultLogFilename)
}

// coinDBPath is where the coin database for this data directory lives.
func (cfg *config) coinDBPath() string {
	return filepath.Join(cfg.DataDir, cfg.Network, defaultCoinDBFilename)
}

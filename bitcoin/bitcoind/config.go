// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bitcoind

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/ini.v1"
)

// NetPorts are the default bitcoind RPC ports for the different networks.
type NetPorts struct {
	Mainnet string
	Testnet string
	Signet  string
	Regtest string
}

// RPCPorts are the default BTC ports.
var RPCPorts = NetPorts{
	Mainnet: "8332",
	Testnet: "18332",
	Signet:  "38332",
	Regtest: "18443",
}

const defaultHost = "localhost"

// Config holds the parameters needed to initialize an RPC connection to the
// bitcoind wallet. When constructed with LoadConfigFromPath the following is
// true:
//   - Default values are used for RPCBind and/or the port if not set.
//   - A port in RPCBind takes precedence over RPCPort.
//   - If set, RPCConnect overrides the host from RPCBind, as that is how the
//     user has bitcoin-cli configured.
//
// In short, RPCBind ends up containing both the host and the port to connect
// to.
type Config struct {
	RPCUser    string `ini:"rpcuser"`
	RPCPass    string `ini:"rpcpassword"`
	RPCBind    string `ini:"rpcbind"`
	RPCPort    int    `ini:"rpcport"`
	RPCConnect string `ini:"rpcconnect"`
}

// LoadConfigFromPath loads the RPC connection settings from a bitcoind-style
// configuration file. Settings found in any section of the file are
// considered, as bitcoin.conf files commonly hold network-specific sections.
func LoadConfigFromPath(cfgPath, network string) (*Config, error) {
	cfgFile, err := ini.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	settings := make(map[string]string)
	for _, section := range cfgFile.Sections() {
		for _, key := range section.Keys() {
			settings[key.Name()] = key.String()
		}
	}

	cfg := &Config{
		RPCUser:    settings["rpcuser"],
		RPCPass:    settings["rpcpassword"],
		RPCBind:    settings["rpcbind"],
		RPCConnect: settings["rpcconnect"],
	}
	if portStr, ok := settings["rpcport"]; ok {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid rpcport setting %q", portStr)
		}
		cfg.RPCPort = port
	}
	return checkConfig(cfg, network)
}

func checkConfig(cfg *Config, network string) (*Config, error) {
	if cfg.RPCUser == "" {
		return nil, fmt.Errorf("no rpcuser set in config file")
	}
	if cfg.RPCPass == "" {
		return nil, fmt.Errorf("no rpcpassword set in config file")
	}

	host := defaultHost
	var port string
	switch network {
	case "mainnet":
		port = RPCPorts.Mainnet
	case "testnet":
		port = RPCPorts.Testnet
	case "signet":
		port = RPCPorts.Signet
	case "regtest":
		port = RPCPorts.Regtest
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}

	// RPCPort overrides the network default.
	if cfg.RPCPort != 0 {
		port = strconv.Itoa(cfg.RPCPort)
	}

	// If RPCBind includes a port, it takes precedence over RPCPort.
	if cfg.RPCBind != "" {
		h, p, err := net.SplitHostPort(cfg.RPCBind)
		if err != nil {
			// Errors for e.g. "localhost", but not "localhost:" or ":1234".
			host = cfg.RPCBind
		} else {
			if h != "" {
				host = h
			}
			if p != "" {
				port = p
			}
		}
	}

	// If RPCConnect is set, that's how the user has bitcoin-cli configured,
	// so use it instead of rpcbind's host or the default.
	if cfg.RPCConnect != "" {
		host = cfg.RPCConnect
	}

	cfg.RPCBind = net.JoinHostPort(host, port)
	return cfg, nil
}

// SystemConfigPath returns the default bitcoind configuration file path.
func SystemConfigPath() string {
	return filepath.Join(btcutil.AppDataDir("bitcoin", false), "bitcoin.conf")
}

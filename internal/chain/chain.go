// Package chain defines the Bitcoin networks the server can operate against.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Networks lists all supported networks.
var Networks = []Network{Mainnet, Testnet, Signet, Regtest}

// ParseNetwork converts a string into a Network.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet, Signet, Regtest:
		return Network(s), nil
	case "":
		return Mainnet, nil
	default:
		return "", fmt.Errorf("unknown network: %q", s)
	}
}

// Params returns the btcd chain parameters for a network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// Valid reports whether the network is one of the supported values.
func (n Network) Valid() bool {
	switch n {
	case Mainnet, Testnet, Signet, Regtest:
		return true
	}
	return false
}

func (n Network) String() string {
	return string(n)
}

package bitcoin

import (
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkConfig holds per-network parameters for address checks and links.
type NetworkConfig struct {
	Name        string
	Params      *chaincfg.Params
	ExplorerURL string
}

// GetNetworkConfig returns configuration for the specified network.
func GetNetworkConfig(network string) *NetworkConfig {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "mainnet", "":
		return &NetworkConfig{
			Name:        "Bitcoin Mainnet",
			Params:      &chaincfg.MainNetParams,
			ExplorerURL: "https://mempool.space",
		}
	case "testnet", "testnet3":
		return &NetworkConfig{
			Name:        "Bitcoin Testnet",
			Params:      &chaincfg.TestNet3Params,
			ExplorerURL: "https://mempool.space/testnet",
		}
	case "signet":
		return &NetworkConfig{
			Name:        "Bitcoin Signet",
			Params:      &chaincfg.SigNetParams,
			ExplorerURL: "https://mempool.space/signet",
		}
	case "regtest":
		return &NetworkConfig{
			Name:   "Bitcoin Regtest",
			Params: &chaincfg.RegressionNetParams,
		}
	default:
		slog.Warn("unknown bitcoin network, defaulting to mainnet", "network", network)
		return GetNetworkConfig("mainnet")
	}
}

// TxURL links a transaction on the network's explorer, or "" when the
// network has no public explorer.
func (n *NetworkConfig) TxURL(txid string) string {
	if n == nil || n.ExplorerURL == "" || txid == "" {
		return ""
	}
	return n.ExplorerURL + "/tx/" + txid
}

package registry

import (
	"fmt"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
)

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Network is an immutable catalog entry. There is exactly one entry per chain id.
type Network struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ChainID        int64          `json:"chain_id"`
	CAIP2          string         `json:"caip2"`
	NativeCurrency NativeCurrency `json:"native_currency"`
	RPCURLs        []string       `json:"rpc_urls"`
	ExplorerURLs   []string       `json:"explorer_urls"`
	Testnet        bool           `json:"testnet"`
	Aliases        []string       `json:"aliases,omitempty"`
}

var ether = NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}

var networks = []Network{
	{
		ID: "ethereum", Name: "Ethereum", ChainID: 1, NativeCurrency: ether,
		RPCURLs:      []string{"https://eth.llamarpc.com", "https://ethereum-rpc.publicnode.com"},
		ExplorerURLs: []string{"https://etherscan.io"},
		Aliases:      []string{"mainnet", "eth"},
	},
	{
		ID: "sepolia", Name: "Sepolia", ChainID: 11155111, NativeCurrency: NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:      []string{"https://ethereum-sepolia-rpc.publicnode.com"},
		ExplorerURLs: []string{"https://sepolia.etherscan.io"},
		Testnet:      true,
		Aliases:      []string{"ethereum-sepolia"},
	},
	{
		ID: "base", Name: "Base", ChainID: 8453, NativeCurrency: ether,
		RPCURLs:      []string{"https://mainnet.base.org"},
		ExplorerURLs: []string{"https://basescan.org"},
	},
	{
		ID: "base-sepolia", Name: "Base Sepolia", ChainID: 84532, NativeCurrency: NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:      []string{"https://sepolia.base.org"},
		ExplorerURLs: []string{"https://sepolia.basescan.org"},
		Testnet:      true,
	},
	{
		ID: "optimism", Name: "Optimism", ChainID: 10, NativeCurrency: ether,
		RPCURLs:      []string{"https://mainnet.optimism.io"},
		ExplorerURLs: []string{"https://optimistic.etherscan.io"},
		Aliases:      []string{"op"},
	},
	{
		ID: "arbitrum", Name: "Arbitrum One", ChainID: 42161, NativeCurrency: ether,
		RPCURLs:      []string{"https://arb1.arbitrum.io/rpc"},
		ExplorerURLs: []string{"https://arbiscan.io"},
		Aliases:      []string{"arbitrum-one"},
	},
	{
		ID: "polygon", Name: "Polygon", ChainID: 137, NativeCurrency: NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
		RPCURLs:      []string{"https://polygon-rpc.com"},
		ExplorerURLs: []string{"https://polygonscan.com"},
		Aliases:      []string{"matic"},
	},
	{
		ID: "polygon-amoy", Name: "Polygon Amoy", ChainID: 80002, NativeCurrency: NativeCurrency{Name: "POL", Symbol: "POL", Decimals: 18},
		RPCURLs:      []string{"https://rpc-amoy.polygon.technology"},
		ExplorerURLs: []string{"https://amoy.polygonscan.com"},
		Testnet:      true,
	},
	{
		ID: "avalanche", Name: "Avalanche C-Chain", ChainID: 43114, NativeCurrency: NativeCurrency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18},
		RPCURLs:      []string{"https://api.avax.network/ext/bc/C/rpc"},
		ExplorerURLs: []string{"https://snowtrace.io"},
		Aliases:      []string{"avax"},
	},
	{
		ID: "avalanche-fuji", Name: "Avalanche Fuji", ChainID: 43113, NativeCurrency: NativeCurrency{Name: "Avalanche", Symbol: "AVAX", Decimals: 18},
		RPCURLs:      []string{"https://api.avax-test.network/ext/bc/C/rpc"},
		ExplorerURLs: []string{"https://testnet.snowtrace.io"},
		Testnet:      true,
		Aliases:      []string{"fuji"},
	},
	{
		ID: "sei", Name: "Sei", ChainID: 1329, NativeCurrency: NativeCurrency{Name: "Sei", Symbol: "SEI", Decimals: 18},
		RPCURLs:      []string{"https://evm-rpc.sei-apis.com"},
		ExplorerURLs: []string{"https://seitrace.com"},
		Aliases:      []string{"pacific-1"},
	},
	{
		ID: "sei-testnet", Name: "Sei Testnet", ChainID: 1328, NativeCurrency: NativeCurrency{Name: "Sei", Symbol: "SEI", Decimals: 18},
		RPCURLs:      []string{"https://evm-rpc-testnet.sei-apis.com"},
		ExplorerURLs: []string{"https://seitrace.com/?chain=atlantic-2"},
		Testnet:      true,
		Aliases:      []string{"atlantic-2"},
	},
}

var networkByChainID, networkByName = indexNetworks()

func indexNetworks() (map[int64]Network, map[string]Network) {
	byChainID := map[int64]Network{}
	byName := map[string]Network{}
	for i := range networks {
		networks[i].CAIP2 = id.CAIP2(networks[i].ChainID)
		n := networks[i]
		if _, dup := byChainID[n.ChainID]; dup {
			panic(fmt.Sprintf("duplicate network chain id %d", n.ChainID))
		}
		byChainID[n.ChainID] = n
		byName[n.ID] = n
		for _, alias := range n.Aliases {
			byName[alias] = n
		}
	}
	return byChainID, byName
}

func NetworkByChainID(chainID int64) (Network, bool) {
	n, ok := networkByChainID[chainID]
	return n, ok
}

func NetworkByID(slug string) (Network, bool) {
	n, ok := networkByName[strings.ToLower(strings.TrimSpace(slug))]
	return n, ok
}

// ParseNetwork resolves a slug, alias, CAIP-2 reference or numeric chain id.
func ParseNetwork(input string) (Network, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Network{}, clierr.New(clierr.CodeUsage, "network is required")
	}
	if n, ok := NetworkByID(raw); ok {
		return n, nil
	}
	if chainID, ok := id.ParseChainID(raw); ok {
		if n, ok := NetworkByChainID(chainID); ok {
			return n, nil
		}
		return Network{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported network: chain id %d", chainID))
	}
	return Network{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported network: %s", input))
}

// Networks returns the catalog ordered mainnets first, then by chain id.
func Networks() []Network {
	out := make([]Network, len(networks))
	copy(out, networks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Testnet != out[j].Testnet {
			return !out[i].Testnet
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out
}

func FilterNetworks(testnet bool) []Network {
	out := []Network{}
	for _, n := range Networks() {
		if n.Testnet == testnet {
			out = append(out, n)
		}
	}
	return out
}

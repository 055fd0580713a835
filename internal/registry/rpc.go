package registry

import (
	"fmt"
	"strings"
)

func DefaultRPCURL(chainID int64) (string, bool) {
	n, ok := networkByChainID[chainID]
	if !ok || len(n.RPCURLs) == 0 {
		return "", false
	}
	return n.RPCURLs[0], true
}

// ResolveRPCURLs returns the override (when set) followed by the catalog
// endpoints, so callers can fall back through the list in order.
func ResolveRPCURLs(override string, chainID int64) ([]string, error) {
	out := []string{}
	if v := strings.TrimSpace(override); v != "" {
		out = append(out, v)
	}
	if n, ok := networkByChainID[chainID]; ok {
		for _, u := range n.RPCURLs {
			if u != strings.TrimSpace(override) {
				out = append(out, u)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no default rpc configured for chain id %d; provide --rpc-url", chainID)
	}
	return out, nil
}

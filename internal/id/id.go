package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/erc20:0x[0-9a-fA-F]{40}$`)
)

// CAIP2 returns the eip155 chain reference for an EVM chain id.
func CAIP2(chainID int64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// ParseChainID accepts a CAIP-2 reference ("eip155:1328") or a bare numeric id.
// Named networks are resolved by the registry, not here.
func ParseChainID(input string) (int64, bool) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return 0, false
	}
	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	id, err := strconv.ParseInt(norm, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ParseHexChainID decodes an EIP-1193 style "0x..." chain id.
func ParseHexChainID(input string) (int64, error) {
	raw := strings.ToLower(strings.TrimSpace(input))
	if !strings.HasPrefix(raw, "0x") {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid hex chain id: %s", input))
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(raw, "0x"), 16, 64)
	if err != nil || id <= 0 {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid hex chain id: %s", input))
	}
	return id, nil
}

func HexChainID(chainID int64) string {
	return "0x" + strconv.FormatInt(chainID, 16)
}

// NormalizeAddress lower-cases an EVM address after validating its shape.
func NormalizeAddress(input string) (string, error) {
	raw := strings.TrimSpace(input)
	if !evmAddressPattern.MatchString(raw) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid address: %s", input))
	}
	return strings.ToLower(raw), nil
}

// AbbreviateAddress shortens an address to its first and last four hex digits.
func AbbreviateAddress(address string) string {
	raw := strings.TrimSpace(address)
	if len(raw) <= 12 {
		return raw
	}
	return raw[:6] + "…" + raw[len(raw)-4:]
}

// AssetID returns the CAIP-19 identifier of an ERC-20 asset.
func AssetID(chainID int64, address string) string {
	return fmt.Sprintf("%s/erc20:%s", CAIP2(chainID), strings.ToLower(strings.TrimSpace(address)))
}

func ParseAssetID(input string) (int64, string, error) {
	raw := strings.TrimSpace(input)
	if !eip155AssetPattern.MatchString(strings.ToLower(raw)) {
		return 0, "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
	}
	parts := strings.SplitN(strings.ToLower(raw), "/", 2)
	chainID, ok := ParseChainID(parts[0])
	if !ok {
		return 0, "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
	}
	return chainID, strings.TrimPrefix(parts[1], "erc20:"), nil
}

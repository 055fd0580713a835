package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseAmount parses a non-negative decimal amount like "0.5".
func ParseAmount(input string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(input)
	if !decimalPattern.MatchString(raw) {
		return decimal.Zero, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount must be in decimal form like 1.23, got %q", input))
	}
	return decimal.NewFromString(raw)
}

// ToBaseUnits scales a decimal amount into integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if amount.IsNegative() {
		return nil, clierr.New(clierr.CodeUsage, "amount must be non-negative")
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts integer base units back into a decimal amount.
func FromBaseUnits(baseUnits *big.Int, decimals int) decimal.Decimal {
	if baseUnits == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(baseUnits, int32(-decimals))
}

// ParseBaseUnits parses a base-10 integer string such as an x402 maxAmountRequired.
func ParseBaseUnits(input string) (*big.Int, error) {
	raw := strings.TrimSpace(input)
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("base-unit amount must be a non-negative integer string, got %q", input))
	}
	return n, nil
}

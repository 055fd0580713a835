package registry

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/id"
)

const (
	stablecoinPrecision = 2
	defaultPrecision    = 4
)

var defaultCompactThreshold = decimal.NewFromInt(1000)

var compactUnits = []struct {
	suffix string
	scale  decimal.Decimal
}{
	{"T", decimal.New(1, 12)},
	{"B", decimal.New(1, 9)},
	{"M", decimal.New(1, 6)},
	{"K", decimal.New(1, 3)},
}

type FormatOptions struct {
	// Precision overrides the token default (2 for stablecoins, 4 otherwise).
	Precision *int
	Compact   bool
	// CompactThreshold defaults to 1,000.
	CompactThreshold *decimal.Decimal
	WithSymbol       bool
}

// FormatAmount renders a human amount for the token at (chainID, address).
// Unknown tokens fall back to the raw number and an abbreviated address.
func FormatAmount(amount decimal.Decimal, chainID int64, address string, opts FormatOptions) string {
	token, ok := LookupToken(chainID, address)
	if !ok {
		return amount.String() + " " + id.AbbreviateAddress(address)
	}
	precision := defaultPrecision
	if token.Stablecoin {
		precision = stablecoinPrecision
	}
	if opts.Precision != nil && *opts.Precision >= 0 {
		precision = *opts.Precision
	}
	out := formatNumber(amount, int32(precision), opts)
	if opts.WithSymbol {
		out += " " + token.Symbol
	}
	return out
}

func formatNumber(amount decimal.Decimal, precision int32, opts FormatOptions) string {
	if opts.Compact {
		threshold := defaultCompactThreshold
		if opts.CompactThreshold != nil {
			threshold = *opts.CompactThreshold
		}
		if amount.Abs().GreaterThanOrEqual(threshold) {
			return compact(amount, precision)
		}
	}
	return trimZeros(amount.Round(precision).StringFixed(precision))
}

func compact(amount decimal.Decimal, precision int32) string {
	abs := amount.Abs()
	for i, unit := range compactUnits {
		if abs.LessThan(unit.scale) {
			continue
		}
		scaled := amount.Div(unit.scale).Round(precision)
		// 999,999.999 rounds to 1000K; promote it to 1M.
		if i > 0 && scaled.Abs().GreaterThanOrEqual(decimal.NewFromInt(1000)) {
			prev := compactUnits[i-1]
			return trimZeros(amount.Div(prev.scale).Round(precision).StringFixed(precision)) + prev.suffix
		}
		return trimZeros(scaled.StringFixed(precision)) + unit.suffix
	}
	return trimZeros(amount.Round(precision).StringFixed(precision))
}

func trimZeros(v string) string {
	if !strings.Contains(v, ".") {
		return v
	}
	v = strings.TrimRight(v, "0")
	return strings.TrimSuffix(v, ".")
}

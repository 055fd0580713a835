package balances

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/registry"
)

// PriceSource returns a USD price for a token, if one is known.
type PriceSource interface {
	USDPrice(ctx context.Context, token registry.Token) (decimal.Decimal, bool)
}

// StaticPrices pegs stablecoins to 1 USD and reads every other token from a
// symbol-keyed table supplied by configuration.
type StaticPrices map[string]decimal.Decimal

func (p StaticPrices) USDPrice(_ context.Context, token registry.Token) (decimal.Decimal, bool) {
	if v, ok := p[strings.ToUpper(token.Symbol)]; ok {
		return v, true
	}
	if token.Stablecoin {
		return decimal.NewFromInt(1), true
	}
	return decimal.Zero, false
}

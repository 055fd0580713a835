package balances

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/registry"
)

// Query is one independent (network, asset) balance lookup.
type Query struct {
	Network registry.Network
	Token   registry.Token
}

// QueryResult is the outcome of one Query. A failed query keeps a zero
// balance and carries Err.
type QueryResult struct {
	Query     Query
	Balance   decimal.Decimal
	FiatValue decimal.Decimal
	Err       error
}

type TokenBalance struct {
	Symbol    string          `json:"symbol"`
	Balance   decimal.Decimal `json:"balance"`
	FiatValue decimal.Decimal `json:"fiat_value"`
}

type ChainBalance struct {
	Network   string          `json:"network"`
	Name      string          `json:"name"`
	ChainID   int64           `json:"chain_id"`
	Testnet   bool            `json:"testnet"`
	FiatValue decimal.Decimal `json:"fiat_value"`
	Tokens    []TokenBalance  `json:"tokens"`
}

type Bucket struct {
	Total  decimal.Decimal `json:"total"`
	Chains []ChainBalance  `json:"chains"`
}

type Summary struct {
	Address            string             `json:"address"`
	HasMainnetBalances bool               `json:"has_mainnet_balances"`
	HasTestnetBalances bool               `json:"has_testnet_balances"`
	Mainnet            Bucket             `json:"mainnet"`
	Testnet            Bucket             `json:"testnet"`
	Partial            []PartialDataError `json:"partial,omitempty"`
	FetchedAt          time.Time          `json:"fetched_at"`
}

// PartialDataError records a query that failed and was counted as zero.
type PartialDataError struct {
	Network string `json:"network"`
	ChainID int64  `json:"chain_id"`
	Asset   string `json:"asset"`
	Message string `json:"message"`
}

func (e PartialDataError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Network, e.Asset, e.Message)
}

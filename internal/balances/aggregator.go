package balances

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/registry"
)

const (
	defaultConcurrency  = 8
	defaultQueryTimeout = 5 * time.Second
)

var DefaultThreshold = decimal.RequireFromString("0.01")

// Reader fetches one balance in base units.
type Reader interface {
	Balance(ctx context.Context, network registry.Network, token registry.Token, owner common.Address) (*big.Int, error)
}

type Options struct {
	// Threshold drops chains whose fiat value does not exceed it.
	Threshold       decimal.Decimal
	Concurrency     int
	// QueryTimeout bounds each balance query on its own.
	QueryTimeout    time.Duration
	IncludeTestnets bool
	// OnResult observes each query as it completes. Calls are serialized.
	OnResult func(QueryResult)
}

type Aggregator struct {
	reader  Reader
	prices  PriceSource
	logger  *zap.Logger
	metrics metrics.Recorder
	opts    Options
	now     func() time.Time
}

func New(reader Reader, prices PriceSource, logger *zap.Logger, recorder metrics.Recorder, opts Options) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prices == nil {
		prices = StaticPrices{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	return &Aggregator{
		reader:  reader,
		prices:  prices,
		logger:  logger.Named("balances"),
		metrics: metrics.OrNoop(recorder),
		opts:    opts,
		now:     time.Now,
	}
}

// Queries expands networks into one query per tracked token.
func (a *Aggregator) Queries(networks []registry.Network) []Query {
	out := []Query{}
	for _, n := range networks {
		if n.Testnet && !a.opts.IncludeTestnets {
			continue
		}
		for _, t := range registry.NetworkTokens(n.ChainID) {
			out = append(out, Query{Network: n, Token: t})
		}
	}
	return out
}

// Aggregate runs every query concurrently and summarizes the results. A
// failed or timed-out query never fails the whole call, and neither does
// ctx's deadline: whatever completed is summarized. Only cancellation of
// ctx aborts.
func (a *Aggregator) Aggregate(ctx context.Context, owner common.Address, networks []registry.Network) (Summary, error) {
	queries := a.Queries(networks)
	results := make([]QueryResult, len(queries))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			res := a.run(gctx, q, owner)
			results[i] = res
			if a.opts.OnResult != nil {
				mu.Lock()
				a.opts.OnResult(res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); errors.Is(err, context.Canceled) {
		return Summary{}, err
	}

	summary := Summarize(results, a.opts.Threshold)
	summary.Address = owner.Hex()
	summary.FetchedAt = a.now().UTC()
	return summary, nil
}

func (a *Aggregator) run(ctx context.Context, q Query, owner common.Address) QueryResult {
	started := time.Now()
	labels := map[string]string{"network": q.Network.ID}
	qctx, cancel := context.WithTimeout(ctx, a.opts.QueryTimeout)
	raw, err := a.reader.Balance(qctx, q.Network, q.Token, owner)
	cancel()
	a.metrics.ObserveLatency("balance_query", time.Since(started), labels)
	if err != nil {
		a.logger.Warn("balance query failed",
			zap.String("network", q.Network.ID),
			zap.String("asset", q.Token.Symbol),
			zap.Error(err),
		)
		labels["outcome"] = "error"
		a.metrics.IncCounter("balance_query", labels)
		return QueryResult{Query: q, Balance: decimal.Zero, FiatValue: decimal.Zero, Err: err}
	}
	labels["outcome"] = "ok"
	a.metrics.IncCounter("balance_query", labels)

	balance := id.FromBaseUnits(raw, q.Token.Decimals)
	fiat := decimal.Zero
	if price, ok := a.prices.USDPrice(ctx, q.Token); ok {
		fiat = balance.Mul(price)
	}
	return QueryResult{Query: q, Balance: balance, FiatValue: fiat}
}

type groupKey struct {
	chainID int64
	symbol  string
}

// Summarize groups results by (network, symbol), drops chains that do not
// exceed the threshold and orders chains and tokens by descending fiat value.
func Summarize(results []QueryResult, threshold decimal.Decimal) Summary {
	chains := map[int64]*ChainBalance{}
	tokens := map[groupKey]*TokenBalance{}
	order := map[int64][]groupKey{}
	summary := Summary{
		Mainnet: Bucket{Total: decimal.Zero, Chains: []ChainBalance{}},
		Testnet: Bucket{Total: decimal.Zero, Chains: []ChainBalance{}},
	}

	for _, r := range results {
		n := r.Query.Network
		if r.Err != nil {
			summary.Partial = append(summary.Partial, PartialDataError{
				Network: n.ID,
				ChainID: n.ChainID,
				Asset:   r.Query.Token.Symbol,
				Message: r.Err.Error(),
			})
		}
		chain, ok := chains[n.ChainID]
		if !ok {
			chain = &ChainBalance{Network: n.ID, Name: n.Name, ChainID: n.ChainID, Testnet: n.Testnet, FiatValue: decimal.Zero}
			chains[n.ChainID] = chain
		}
		chain.FiatValue = chain.FiatValue.Add(r.FiatValue)

		key := groupKey{chainID: n.ChainID, symbol: strings.ToUpper(r.Query.Token.Symbol)}
		tok, ok := tokens[key]
		if !ok {
			tok = &TokenBalance{Symbol: key.symbol, Balance: decimal.Zero, FiatValue: decimal.Zero}
			tokens[key] = tok
			order[n.ChainID] = append(order[n.ChainID], key)
		}
		tok.Balance = tok.Balance.Add(r.Balance)
		tok.FiatValue = tok.FiatValue.Add(r.FiatValue)
	}

	for chainID, chain := range chains {
		if chain.FiatValue.LessThanOrEqual(threshold) || chain.FiatValue.IsZero() {
			continue
		}
		for _, key := range order[chainID] {
			if tok := tokens[key]; tok.Balance.IsPositive() {
				chain.Tokens = append(chain.Tokens, *tok)
			}
		}
		sort.SliceStable(chain.Tokens, func(i, j int) bool {
			if !chain.Tokens[i].FiatValue.Equal(chain.Tokens[j].FiatValue) {
				return chain.Tokens[i].FiatValue.GreaterThan(chain.Tokens[j].FiatValue)
			}
			return chain.Tokens[i].Symbol < chain.Tokens[j].Symbol
		})
		bucket := &summary.Mainnet
		if chain.Testnet {
			bucket = &summary.Testnet
		}
		bucket.Chains = append(bucket.Chains, *chain)
		bucket.Total = bucket.Total.Add(chain.FiatValue)
	}
	sortChains(summary.Mainnet.Chains)
	sortChains(summary.Testnet.Chains)
	sort.SliceStable(summary.Partial, func(i, j int) bool {
		if summary.Partial[i].ChainID != summary.Partial[j].ChainID {
			return summary.Partial[i].ChainID < summary.Partial[j].ChainID
		}
		return summary.Partial[i].Asset < summary.Partial[j].Asset
	})
	summary.HasMainnetBalances = len(summary.Mainnet.Chains) > 0
	summary.HasTestnetBalances = len(summary.Testnet.Chains) > 0
	return summary
}

func sortChains(chains []ChainBalance) {
	sort.SliceStable(chains, func(i, j int) bool {
		if !chains[i].FiatValue.Equal(chains[j].FiatValue) {
			return chains[i].FiatValue.GreaterThan(chains[j].FiatValue)
		}
		return chains[i].ChainID < chains[j].ChainID
	})
}

package balances

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/registry"
)

var testOwner = common.HexToAddress("0x4fb9a1e8f2c0c9d25b05a4fba0e8f6c1d32eb5d5")

// fakeReader returns balances keyed by "chainID:SYMBOL", fails whole
// networks listed in failing and never answers for networks in hanging.
type fakeReader struct {
	balances map[string]*big.Int
	failing  map[int64]bool
	hanging  map[int64]bool
	mu       sync.Mutex
	calls    int
	block    chan struct{}
}

func (f *fakeReader) Balance(ctx context.Context, network registry.Network, token registry.Token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.hanging[network.ChainID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failing[network.ChainID] {
		return nil, errors.New("rpc timeout")
	}
	if v, ok := f.balances[key(network.ChainID, token.Symbol)]; ok {
		return v, nil
	}
	return big.NewInt(0), nil
}

func key(chainID int64, symbol string) string {
	return big.NewInt(chainID).String() + ":" + strings.ToUpper(symbol)
}

func mustNetwork(t *testing.T, chainID int64) registry.Network {
	t.Helper()
	n, ok := registry.NetworkByChainID(chainID)
	if !ok {
		t.Fatalf("network %d not registered", chainID)
	}
	return n
}

func usdcUnits(v int64) *big.Int { return new(big.Int).Mul(big.NewInt(v), big.NewInt(1_000_000)) }

func TestAggregateFailedNetworkIsPartial(t *testing.T) {
	reader := &fakeReader{
		balances: map[string]*big.Int{key(8453, "USDC"): usdcUnits(25)},
		failing:  map[int64]bool{1: true},
	}
	agg := New(reader, StaticPrices{}, nil, nil, Options{Threshold: DefaultThreshold})
	summary, err := agg.Aggregate(context.Background(), testOwner, []registry.Network{mustNetwork(t, 1), mustNetwork(t, 8453)})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if !summary.HasMainnetBalances || summary.HasTestnetBalances {
		t.Fatalf("unexpected presence flags: %+v", summary)
	}
	if len(summary.Mainnet.Chains) != 1 || summary.Mainnet.Chains[0].ChainID != 8453 {
		t.Fatalf("expected only base in breakdown, got %+v", summary.Mainnet.Chains)
	}
	if !summary.Mainnet.Total.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected total: %s", summary.Mainnet.Total)
	}
	if len(summary.Partial) == 0 {
		t.Fatal("expected partial data errors for the failed network")
	}
	for _, p := range summary.Partial {
		if p.ChainID != 1 {
			t.Fatalf("unexpected partial error: %+v", p)
		}
	}
}

func TestAggregateHangingNetworkKeepsOthers(t *testing.T) {
	reader := &fakeReader{
		balances: map[string]*big.Int{key(8453, "USDC"): usdcUnits(25)},
		hanging:  map[int64]bool{1: true},
	}
	networks := []registry.Network{mustNetwork(t, 1), mustNetwork(t, 8453)}

	t.Run("query timeout", func(t *testing.T) {
		agg := New(reader, StaticPrices{}, nil, nil, Options{Threshold: DefaultThreshold, QueryTimeout: 50 * time.Millisecond})
		summary, err := agg.Aggregate(context.Background(), testOwner, networks)
		assertBaseSurvives(t, summary, err)
	})
	t.Run("parent deadline", func(t *testing.T) {
		agg := New(reader, StaticPrices{}, nil, nil, Options{Threshold: DefaultThreshold, QueryTimeout: time.Minute})
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		summary, err := agg.Aggregate(ctx, testOwner, networks)
		assertBaseSurvives(t, summary, err)
	})
}

func assertBaseSurvives(t *testing.T, summary Summary, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if !summary.HasMainnetBalances || len(summary.Mainnet.Chains) != 1 || summary.Mainnet.Chains[0].ChainID != 8453 {
		t.Fatalf("expected base to survive the hanging network, got %+v", summary.Mainnet)
	}
	if len(summary.Partial) == 0 || summary.Partial[0].ChainID != 1 {
		t.Fatalf("expected partial errors for the hanging network, got %+v", summary.Partial)
	}
}

func TestAggregateCancelledAborts(t *testing.T) {
	reader := &fakeReader{hanging: map[int64]bool{8453: true}}
	agg := New(reader, StaticPrices{}, nil, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := agg.Aggregate(ctx, testOwner, []registry.Network{mustNetwork(t, 8453)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestSummarizeThresholdIsExclusive(t *testing.T) {
	n := registry.Network{ID: "base", Name: "Base", ChainID: 8453}
	at := []QueryResult{{Query: Query{Network: n, Token: registry.Token{Symbol: "USDC"}}, Balance: decimal.RequireFromString("0.01"), FiatValue: decimal.RequireFromString("0.01")}}
	if summary := Summarize(at, DefaultThreshold); summary.HasMainnetBalances {
		t.Fatalf("value equal to the threshold must not count: %+v", summary.Mainnet)
	}
	above := []QueryResult{{Query: Query{Network: n, Token: registry.Token{Symbol: "USDC"}}, Balance: decimal.RequireFromString("0.011"), FiatValue: decimal.RequireFromString("0.011")}}
	if summary := Summarize(above, DefaultThreshold); !summary.HasMainnetBalances {
		t.Fatalf("value above the threshold must count: %+v", summary.Mainnet)
	}
}

func TestAggregateThresholdAndOrdering(t *testing.T) {
	reader := &fakeReader{balances: map[string]*big.Int{
		key(8453, "USDC"):  usdcUnits(5),
		key(42161, "USDC"): usdcUnits(40),
		key(42161, "USDT"): usdcUnits(60),
		key(10, "USDC"):    big.NewInt(1000), // 0.001 USD, below threshold
		key(1328, "USDC"):  usdcUnits(3),
	}}
	agg := New(reader, StaticPrices{}, nil, nil, Options{Threshold: DefaultThreshold, IncludeTestnets: true})
	networks := []registry.Network{mustNetwork(t, 8453), mustNetwork(t, 42161), mustNetwork(t, 10), mustNetwork(t, 1328)}
	summary, err := agg.Aggregate(context.Background(), testOwner, networks)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	chains := summary.Mainnet.Chains
	if len(chains) != 2 || chains[0].ChainID != 42161 || chains[1].ChainID != 8453 {
		t.Fatalf("unexpected chain order: %+v", chains)
	}
	if chains[0].Tokens[0].Symbol != "USDT" || chains[0].Tokens[1].Symbol != "USDC" {
		t.Fatalf("unexpected token order: %+v", chains[0].Tokens)
	}
	if !summary.HasTestnetBalances || summary.Testnet.Chains[0].ChainID != 1328 {
		t.Fatalf("expected sei testnet bucket: %+v", summary.Testnet)
	}
	if !summary.Mainnet.Total.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("unexpected mainnet total: %s", summary.Mainnet.Total)
	}
}

func TestAggregateSkipsTestnetsUnlessIncluded(t *testing.T) {
	reader := &fakeReader{balances: map[string]*big.Int{key(1328, "USDC"): usdcUnits(3)}}
	agg := New(reader, StaticPrices{}, nil, nil, Options{})
	summary, err := agg.Aggregate(context.Background(), testOwner, []registry.Network{mustNetwork(t, 1328)})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if summary.HasTestnetBalances || reader.calls != 0 {
		t.Fatalf("expected testnets to be skipped, calls=%d summary=%+v", reader.calls, summary)
	}
}

func TestSummarizeGroupsBySymbol(t *testing.T) {
	n := registry.Network{ID: "base", Name: "Base", ChainID: 8453}
	results := []QueryResult{
		{Query: Query{Network: n, Token: registry.Token{Symbol: "USDC"}}, Balance: decimal.NewFromInt(2), FiatValue: decimal.NewFromInt(2)},
		{Query: Query{Network: n, Token: registry.Token{Symbol: "usdc"}}, Balance: decimal.NewFromInt(3), FiatValue: decimal.NewFromInt(3)},
	}
	summary := Summarize(results, DefaultThreshold)
	tokens := summary.Mainnet.Chains[0].Tokens
	if len(tokens) != 1 || !tokens[0].Balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected one grouped USDC row of 5, got %+v", tokens)
	}
}

func TestAggregateReportsProgress(t *testing.T) {
	reader := &fakeReader{balances: map[string]*big.Int{}}
	seen := 0
	agg := New(reader, StaticPrices{}, nil, nil, Options{Concurrency: 2, OnResult: func(QueryResult) { seen++ }})
	networks := []registry.Network{mustNetwork(t, 8453)}
	if _, err := agg.Aggregate(context.Background(), testOwner, networks); err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if want := len(agg.Queries(networks)); seen != want {
		t.Fatalf("expected %d progress callbacks, got %d", want, seen)
	}
}

func TestStaticPrices(t *testing.T) {
	prices := StaticPrices{"ETH": decimal.NewFromInt(3000)}
	usdc, _ := registry.TokenBySymbol(8453, "USDC")
	if p, ok := prices.USDPrice(context.Background(), usdc); !ok || !p.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected stablecoin peg, got %s %v", p, ok)
	}
	eth, _ := registry.TokenBySymbol(8453, "ETH")
	if p, ok := prices.USDPrice(context.Background(), eth); !ok || !p.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("expected configured eth price, got %s %v", p, ok)
	}
	weth, _ := registry.TokenBySymbol(8453, "WETH")
	if _, ok := prices.USDPrice(context.Background(), weth); ok {
		t.Fatal("did not expect a price for an unconfigured token")
	}
}

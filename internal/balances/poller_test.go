package balances

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/paycall/internal/registry"
)

func TestRefreshLatestRequestWins(t *testing.T) {
	reader := &fakeReader{balances: map[string]*big.Int{key(8453, "USDC"): usdcUnits(7)}, block: make(chan struct{})}
	poller := NewPoller(New(reader, StaticPrices{}, nil, nil, Options{}), time.Minute, nil)
	networks := []registry.Network{mustNetwork(t, 8453)}

	type outcome struct {
		current bool
		err     error
	}
	first := make(chan outcome, 1)
	go func() {
		_, current, err := poller.Refresh(context.Background(), testOwner, networks)
		first <- outcome{current, err}
	}()
	waitUntil(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.calls > 0
	})

	second := make(chan outcome, 1)
	go func() {
		_, current, err := poller.Refresh(context.Background(), testOwner, networks)
		second <- outcome{current, err}
	}()

	got := <-first
	if got.current || got.err != nil {
		t.Fatalf("expected superseded first refresh, got %+v", got)
	}
	close(reader.block)
	got = <-second
	if !got.current || got.err != nil {
		t.Fatalf("expected second refresh to win, got %+v", got)
	}
	latest, ok := poller.Latest(testOwner)
	if !ok || !latest.HasMainnetBalances {
		t.Fatalf("expected stored latest summary, got %+v ok=%v", latest, ok)
	}
}

func TestRunSkipsWhileDisconnectedAndDelivers(t *testing.T) {
	reader := &fakeReader{balances: map[string]*big.Int{key(8453, "USDC"): usdcUnits(1)}}
	poller := NewPoller(New(reader, StaticPrices{}, nil, nil, Options{}), 10*time.Millisecond, nil)

	var mu sync.Mutex
	connected := false
	summaries := 0
	owner := func() (common.Address, bool) {
		mu.Lock()
		defer mu.Unlock()
		return testOwner, connected
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx, owner, []registry.Network{mustNetwork(t, 8453)}, nil, func(Summary) {
			mu.Lock()
			summaries++
			mu.Unlock()
		})
	}()

	time.Sleep(30 * time.Millisecond)
	reader.mu.Lock()
	calls := reader.calls
	reader.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected no queries while disconnected, got %d", calls)
	}

	mu.Lock()
	connected = true
	mu.Unlock()
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return summaries > 0
	})
	cancel()
	<-done
}

// gatedReader holds every query for gated until release is closed,
// regardless of ctx.
type gatedReader struct {
	gated   common.Address
	started chan struct{}
	release chan struct{}
}

func (r *gatedReader) Balance(_ context.Context, _ registry.Network, _ registry.Token, owner common.Address) (*big.Int, error) {
	if owner == r.gated {
		select {
		case r.started <- struct{}{}:
		default:
		}
		<-r.release
	}
	return usdcUnits(5), nil
}

func TestRunDropsSummaryForPreviousOwner(t *testing.T) {
	previous := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	next := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	reader := &gatedReader{gated: previous, started: make(chan struct{}, 1), release: make(chan struct{})}
	poller := NewPoller(New(reader, StaticPrices{}, nil, nil, Options{}), time.Minute, nil)

	var mu sync.Mutex
	current := previous
	var got []string
	owner := func() (common.Address, bool) {
		mu.Lock()
		defer mu.Unlock()
		return current, true
	}
	trigger := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx, owner, []registry.Network{mustNetwork(t, 8453)}, trigger, func(s Summary) {
			mu.Lock()
			got = append(got, s.Address)
			mu.Unlock()
		})
	}()

	<-reader.started
	mu.Lock()
	current = next
	mu.Unlock()
	trigger <- struct{}{}
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})

	close(reader.release)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != next.Hex() {
		t.Fatalf("expected only the new owner's summary, got %v", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

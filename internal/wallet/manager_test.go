package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
)

func TestConnectResolvesState(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	p := newFakeProvider(1328)
	p.flags = ProviderFlags{IsMetaMask: true}

	conn, err := m.Connect(context.Background(), p, ConnectOptions{Preferred: CapabilityPorto, Detected: []Capability{CapabilityPorto}})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	state := conn.State()
	if state.Status != StatusConnected || state.ChainID != 1328 || state.Capability != CapabilityMetaMask {
		t.Fatalf("unexpected state: %+v", state)
	}
	if !strings.EqualFold(state.Address, testAddress) {
		t.Fatalf("unexpected address: %s", state.Address)
	}
	if len(state.Warnings) != 1 || !strings.Contains(state.Warnings[0], "available but not in use") {
		t.Fatalf("expected preferred-provider warning, got %v", state.Warnings)
	}
}

func TestConnectUserRejected(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	p := newFakeProvider(1)
	p.handlers[MethodRequestAccounts] = func(context.Context, []any) (json.RawMessage, error) {
		return nil, &ProviderError{Code: CodeUserRejected, Message: "User rejected the request."}
	}
	_, err := m.Connect(context.Background(), p, ConnectOptions{})
	if !clierr.Is(err, clierr.CodeUserRejected) {
		t.Fatalf("expected user rejected error, got %v", err)
	}
	if got := m.State().Status; got != StatusError {
		t.Fatalf("expected error status, got %s", got)
	}
}

func TestConnectWarnsOnUnsupportedNetwork(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	conn, err := m.Connect(context.Background(), newFakeProvider(999999), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	warnings := conn.State().Warnings
	if len(warnings) != 1 || !strings.HasPrefix(warnings[0], unsupportedNetworkWarning) {
		t.Fatalf("expected unsupported network warning, got %v", warnings)
	}
}

func TestReconnectCancelsBoundOperations(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	first := newFakeProvider(1)
	started := make(chan struct{})
	first.handlers[MethodSignTypedDataV4] = func(ctx context.Context, _ []any) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	conn, err := m.Connect(context.Background(), first, ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), MethodSignTypedDataV4)
		errCh <- err
	}()
	<-started

	if _, err := m.Connect(context.Background(), newFakeProvider(8453), ConnectOptions{}); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	select {
	case err := <-errCh:
		if !clierr.Is(err, clierr.CodeUnavailable) {
			t.Fatalf("expected replaced connection error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bound operation was not cancelled")
	}
	if conn.Context().Err() == nil {
		t.Fatal("expected old connection context to be cancelled")
	}
	if !first.isClosed() {
		t.Fatal("expected old provider to be closed")
	}
	if got := m.Current().ChainID(); got != 8453 {
		t.Fatalf("expected new connection on 8453, got %d", got)
	}
}

func TestProviderEventsUpdateState(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	p := newFakeProvider(1)
	conn, err := m.Connect(context.Background(), p, ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	p.events <- ProviderEvent{Kind: EventChainChanged, ChainID: 1328}
	waitFor(t, func() bool { return conn.ChainID() == 1328 })

	p.events <- ProviderEvent{Kind: EventAccountsChanged, Accounts: []string{}}
	waitFor(t, func() bool { return m.Current() == nil })
	if m.State().Status != StatusDisconnected {
		t.Fatalf("expected disconnected after empty accounts, got %s", m.State().Status)
	}
}

func TestSubscribeLastEventWins(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()

	var mu sync.Mutex
	seen := []Event{}
	release := make(chan struct{})
	unsubscribe := m.Subscribe(func(ev Event) {
		<-release
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	p := newFakeProvider(1)
	conn, err := m.Connect(context.Background(), p, ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for _, chainID := range []int64{10, 137, 8453} {
		p.events <- ProviderEvent{Kind: EventChainChanged, ChainID: chainID}
	}
	waitFor(t, func() bool { return conn.ChainID() == 8453 })
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].State.ChainID == 8453
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i].Seq <= seen[i-1].Seq {
			t.Fatalf("events delivered out of order: %d after %d", seen[i].Seq, seen[i-1].Seq)
		}
	}
	if len(seen) > 3 {
		t.Fatalf("expected intermediate events to be coalesced, got %d deliveries", len(seen))
	}
}

func TestTryAcquireIsSingleFlight(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	conn, err := m.Connect(context.Background(), newFakeProvider(1), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	release, ok := conn.TryAcquire("switch")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := conn.TryAcquire("switch"); ok {
		t.Fatal("expected concurrent acquire to fail")
	}
	if _, ok := conn.TryAcquire("pay"); !ok {
		t.Fatal("expected a different operation to be independent")
	}
	release()
	if _, ok := conn.TryAcquire("switch"); !ok {
		t.Fatal("expected acquire after release to succeed")
	}
}

func TestRequestRequiresConnection(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	conn, err := m.Connect(context.Background(), newFakeProvider(1), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()
	_, err = conn.Request(context.Background(), MethodChainID)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error after disconnect, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatal("did not expect a raw context error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

package wallet

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggonzalez94/paycall/internal/id"
)

const testAddress = "0x4fb9a1e8f2c0c9d25b05a4fba0e8f6c1d32eb5d5"

// fakeProvider answers from a handler map and records every call.
type fakeProvider struct {
	flags    ProviderFlags
	chainID  int64
	handlers map[string]func(ctx context.Context, params []any) (json.RawMessage, error)
	events   chan ProviderEvent

	mu     sync.Mutex
	calls  []string
	closed bool
}

func newFakeProvider(chainID int64) *fakeProvider {
	return &fakeProvider{chainID: chainID, handlers: map[string]func(context.Context, []any) (json.RawMessage, error){}, events: make(chan ProviderEvent, 8)}
}

func (f *fakeProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()
	if h != nil {
		return h(ctx, params)
	}
	switch method {
	case MethodRequestAccounts:
		return json.Marshal([]string{testAddress})
	case MethodChainID:
		return json.Marshal(id.HexChainID(f.chainID))
	}
	return json.RawMessage("null"), nil
}

func (f *fakeProvider) Flags() ProviderFlags         { return f.flags }
func (f *fakeProvider) Events() <-chan ProviderEvent { return f.events }

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is a point-in-time copy of a connection.
type State struct {
	Address    string     `json:"address,omitempty"`
	Capability Capability `json:"connector,omitempty"`
	ChainID    int64      `json:"chain_id,omitempty"`
	Status     Status     `json:"status"`
	Warnings   []string   `json:"warnings,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Connection is one wallet session. Every operation bound to it is cancelled
// when the session is replaced or disconnected.
type Connection struct {
	manager  *Manager
	provider Provider
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.RWMutex
	state State

	flights sync.Map // operation name -> *atomic.Bool
}

func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.state
	out.Warnings = append([]string(nil), c.state.Warnings...)
	return out
}

func (c *Connection) Address() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return common.HexToAddress(c.state.Address)
}

func (c *Connection) ChainID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.ChainID
}

func (c *Connection) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Status
}

// Bind derives a context that is cancelled when either ctx or the
// connection ends.
func (c *Connection) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

// TryAcquire marks op as in flight on this connection. It returns false when
// the same op is already running.
func (c *Connection) TryAcquire(op string) (func(), bool) {
	v, _ := c.flights.LoadOrStore(op, &atomic.Bool{})
	flag := v.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { flag.Store(false) }, true
}

// Request forwards an EIP-1193 call bound to the connection lifetime. Errors
// are returned raw so callers can inspect provider codes.
func (c *Connection) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if c.Status() != StatusConnected {
		return nil, clierr.New(clierr.CodeUnavailable, "wallet is not connected")
	}
	bound, cancel := c.Bind(ctx)
	defer cancel()
	out, err := c.provider.Request(bound, method, params...)
	if err != nil && c.ctx.Err() != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "wallet connection was replaced", c.ctx.Err())
	}
	return out, err
}

// RefreshChain reads eth_chainId from the provider and applies it as a
// provider-reported chain change.
func (c *Connection) RefreshChain(ctx context.Context) (int64, error) {
	raw, err := c.Request(ctx, MethodChainID)
	if err != nil {
		return 0, ConvertError("read chain id", err)
	}
	chainID, err := decodeHexChainID(raw)
	if err != nil {
		return 0, err
	}
	c.manager.applyEvent(c, ProviderEvent{Kind: EventChainChanged, ChainID: chainID})
	return chainID, nil
}

// SignTypedData asks the wallet for an eth_signTypedData_v4 signature.
func (c *Connection) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode typed data", err)
	}
	address := strings.ToLower(c.Address().Hex())
	raw, err := c.Request(ctx, MethodSignTypedDataV4, address, string(payload))
	if err != nil {
		return nil, ConvertError("sign typed data", err)
	}
	var sigHex string
	if err := json.Unmarshal(raw, &sigHex); err != nil {
		return nil, clierr.Wrap(clierr.CodeUpstream, "decode signature", err)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUpstream, "decode signature", err)
	}
	if len(sig) != 65 {
		return nil, clierr.New(clierr.CodeUpstream, fmt.Sprintf("unexpected signature length %d", len(sig)))
	}
	return sig, nil
}

func (c *Connection) update(fn func(*State)) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.state.ChainID
	beforeAddr := c.state.Address
	beforeStatus := c.state.Status
	fn(&c.state)
	changed := before != c.state.ChainID || beforeAddr != c.state.Address || beforeStatus != c.state.Status
	out := c.state
	out.Warnings = append([]string(nil), c.state.Warnings...)
	return out, changed
}

func decodeHexChainID(raw json.RawMessage) (int64, error) {
	var hexID string
	if err := json.Unmarshal(raw, &hexID); err != nil {
		return 0, clierr.Wrap(clierr.CodeUpstream, "decode chain id", err)
	}
	chainID, err := id.ParseHexChainID(hexID)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUpstream, "decode chain id", err)
	}
	return chainID, nil
}

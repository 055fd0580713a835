package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
)

const (
	bridgeHandshakeTimeout = 10 * time.Second
	bridgeEventBuffer      = 16
)

type bridgeMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ProviderError  `json:"error,omitempty"`
}

type bridgeResponse struct {
	result json.RawMessage
	err    error
}

// BridgeInfo is what a browser bridge reports about the wallet it relays.
type BridgeInfo struct {
	ProviderFlags
	Detected []Capability `json:"detected,omitempty"`
}

// BridgeProvider relays EIP-1193 calls over a WebSocket to a browser page
// that holds the real wallet.
type BridgeProvider struct {
	logger *zap.Logger
	conn   *websocket.Conn
	info   BridgeInfo

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan bridgeResponse
	closed  bool
	events  chan ProviderEvent
	done    chan struct{}
}

// DialBridge connects to url and reads the bridge's provider info.
func DialBridge(ctx context.Context, url string, logger *zap.Logger) (*BridgeProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: bridgeHandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect wallet bridge", err)
	}
	p := &BridgeProvider{
		logger:  logger.Named("bridge"),
		conn:    conn,
		pending: map[uint64]chan bridgeResponse{},
		events:  make(chan ProviderEvent, bridgeEventBuffer),
		done:    make(chan struct{}),
	}
	go p.readLoop()

	raw, err := p.Request(ctx, MethodProviderInfo)
	if err != nil {
		_ = p.Close()
		return nil, ConvertError("read bridge provider info", err)
	}
	if err := json.Unmarshal(raw, &p.info); err != nil {
		_ = p.Close()
		return nil, clierr.Wrap(clierr.CodeUpstream, "decode bridge provider info", err)
	}
	return p, nil
}

func (p *BridgeProvider) Flags() ProviderFlags { return p.info.ProviderFlags }

func (p *BridgeProvider) Detected() []Capability { return append([]Capability(nil), p.info.Detected...) }

func (p *BridgeProvider) Events() <-chan ProviderEvent { return p.events }

func (p *BridgeProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	reqID := p.nextID.Add(1)
	ch := make(chan bridgeResponse, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ProviderError{Code: CodeDisconnected, Message: "wallet bridge is closed"}
	}
	p.pending[reqID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
	}()

	msg := bridgeMessage{JSONRPC: "2.0", ID: &reqID, Method: method, Params: rawParams}
	p.writeMu.Lock()
	err = p.conn.WriteJSON(msg)
	p.writeMu.Unlock()
	if err != nil {
		return nil, &ProviderError{Code: CodeDisconnected, Message: err.Error()}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, &ProviderError{Code: CodeDisconnected, Message: "wallet bridge closed"}
	case resp := <-ch:
		return resp.result, resp.err
	}
}

func (p *BridgeProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	err := p.conn.Close()
	<-p.done
	return err
}

func (p *BridgeProvider) readLoop() {
	defer func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.events)
	}()
	for {
		var msg bridgeMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				p.logger.Debug("wallet bridge read ended", zap.Error(err))
			}
			return
		}
		if msg.ID != nil {
			p.deliver(*msg.ID, msg)
			continue
		}
		if ev, ok := decodeBridgeEvent(msg); ok {
			p.push(ev)
		}
	}
}

// push queues ev. When the consumer is behind the oldest queued event is
// dropped, so the latest wallet state always gets through. readLoop is the
// only sender.
func (p *BridgeProvider) push(ev ProviderEvent) {
	for {
		select {
		case p.events <- ev:
			return
		default:
		}
		select {
		case old := <-p.events:
			p.logger.Warn("dropping stale wallet event; consumer is behind", zap.String("event", string(old.Kind)))
		default:
		}
	}
}

func (p *BridgeProvider) deliver(reqID uint64, msg bridgeMessage) {
	p.mu.Lock()
	ch, ok := p.pending[reqID]
	p.mu.Unlock()
	if !ok {
		return
	}
	resp := bridgeResponse{result: msg.Result}
	if msg.Error != nil {
		resp = bridgeResponse{err: msg.Error}
	}
	select {
	case ch <- resp:
	default:
	}
}

func decodeBridgeEvent(msg bridgeMessage) (ProviderEvent, bool) {
	switch ProviderEventKind(msg.Method) {
	case EventAccountsChanged:
		var params []string
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ProviderEvent{}, false
		}
		return ProviderEvent{Kind: EventAccountsChanged, Accounts: params}, true
	case EventChainChanged:
		var params []string
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
			return ProviderEvent{}, false
		}
		chainID, err := id.ParseHexChainID(params[0])
		if err != nil {
			return ProviderEvent{}, false
		}
		return ProviderEvent{Kind: EventChainChanged, ChainID: chainID}, true
	case EventDisconnect:
		return ProviderEvent{Kind: EventDisconnect}, true
	default:
		return ProviderEvent{}, false
	}
}

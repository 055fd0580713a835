package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/registry"
)

type EventKind string

const (
	EventStatus  EventKind = "status"
	EventAccount EventKind = "account"
	EventChain   EventKind = "chain"
)

// Event carries a full State snapshot. Seq increases monotonically across
// the manager, so subscribers can discard anything older than what they saw.
type Event struct {
	Seq   uint64    `json:"seq"`
	Kind  EventKind `json:"kind"`
	State State     `json:"state"`
}

type ConnectOptions struct {
	Preferred Capability
	// Detected lists connectors the environment announced besides the one
	// being connected.
	Detected []Capability
}

const unsupportedNetworkWarning = "wallet is on an unsupported network"

// Manager owns the single active wallet connection.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	current *Connection

	seq atomic.Uint64

	subsMu  sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("wallet"), subs: map[int]*subscriber{}}
}

// Current returns the active connection, or nil.
func (m *Manager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) State() State {
	if conn := m.Current(); conn != nil {
		return conn.State()
	}
	return State{Status: StatusDisconnected}
}

// Connect replaces any existing connection with one backed by provider. The
// previous connection is torn down first, cancelling its bound operations.
func (m *Manager) Connect(ctx context.Context, provider Provider, opts ConnectOptions) (*Connection, error) {
	if provider == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no wallet provider available")
	}
	flags := provider.Flags()
	capability, warnings := ResolveCapability(flags)
	detected := append(append([]Capability{}, opts.Detected...), detectedNamed(flags)...)
	if w := preferenceWarning(opts.Preferred, capability, detected); w != "" {
		warnings = append(warnings, w)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		manager:  m,
		provider: provider,
		ctx:      connCtx,
		cancel:   cancel,
		state:    State{Capability: capability, Status: StatusConnecting, Warnings: warnings},
	}

	m.mu.Lock()
	previous := m.current
	m.current = conn
	m.mu.Unlock()
	if previous != nil {
		m.teardown(previous, provider)
	}
	m.emit(EventStatus, conn.State())

	bound, stop := conn.Bind(ctx)
	defer stop()

	raw, err := provider.Request(bound, MethodRequestAccounts)
	if err != nil {
		return nil, m.fail(conn, ConvertError("connect wallet", err))
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil || len(accounts) == 0 {
		return nil, m.fail(conn, clierr.New(clierr.CodeUnavailable, "wallet returned no accounts"))
	}
	raw, err = provider.Request(bound, MethodChainID)
	if err != nil {
		return nil, m.fail(conn, ConvertError("read chain id", err))
	}
	chainID, err := decodeHexChainID(raw)
	if err != nil {
		return nil, m.fail(conn, err)
	}
	if connCtx.Err() != nil {
		return nil, clierr.New(clierr.CodeUnavailable, "wallet connection was replaced")
	}

	state, _ := conn.update(func(s *State) {
		s.Address = common.HexToAddress(accounts[0]).Hex()
		s.ChainID = chainID
		s.Status = StatusConnected
		s.Warnings = networkWarnings(s.Warnings, chainID)
	})
	m.logger.Debug("wallet connected",
		zap.String("address", state.Address),
		zap.Int64("chain_id", state.ChainID),
		zap.String("connector", string(state.Capability)),
	)
	m.emit(EventStatus, state)
	go m.pump(conn)
	return conn, nil
}

// Disconnect ends the active connection, if any.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.current
	m.current = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.teardown(conn, nil)
	m.emit(EventStatus, State{Status: StatusDisconnected})
}

// Subscribe registers fn for connection events. Delivery is asynchronous and
// coalescing: a slow subscriber only sees the newest pending event.
func (m *Manager) Subscribe(fn func(Event)) func() {
	sub := newSubscriber(fn)
	m.subsMu.Lock()
	key := m.nextSub
	m.nextSub++
	m.subs[key] = sub
	m.subsMu.Unlock()
	if seq := m.seq.Load(); seq > 0 {
		sub.offer(Event{Seq: seq, Kind: EventStatus, State: m.State()})
	}
	return func() {
		m.subsMu.Lock()
		delete(m.subs, key)
		m.subsMu.Unlock()
		sub.stop()
	}
}

// Close disconnects and stops every subscriber.
func (m *Manager) Close() {
	m.Disconnect()
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for key, sub := range m.subs {
		sub.stop()
		delete(m.subs, key)
	}
}

func (m *Manager) emit(kind EventKind, state State) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	ev := Event{Seq: m.seq.Add(1), Kind: kind, State: state}
	for _, sub := range m.subs {
		sub.offer(ev)
	}
}

func (m *Manager) fail(conn *Connection, err error) error {
	if conn.ctx.Err() != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "wallet connection was replaced", err)
	}
	conn.cancel()
	state, _ := conn.update(func(s *State) {
		s.Status = StatusError
		s.Error = err.Error()
	})
	m.logger.Debug("wallet connection failed", zap.Error(err))
	m.emit(EventStatus, state)
	return err
}

func (m *Manager) teardown(conn *Connection, next Provider) {
	conn.cancel()
	conn.update(func(s *State) { s.Status = StatusDisconnected })
	if conn.provider != next {
		if err := conn.provider.Close(); err != nil {
			m.logger.Debug("close wallet provider", zap.Error(err))
		}
	}
}

func (m *Manager) isCurrent(conn *Connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == conn
}

func (m *Manager) pump(conn *Connection) {
	events := conn.provider.Events()
	if events == nil {
		return
	}
	for {
		select {
		case <-conn.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.applyEvent(conn, ProviderEvent{Kind: EventDisconnect})
				return
			}
			m.applyEvent(conn, ev)
		}
	}
}

// applyEvent handles a provider-reported change. Provider-initiated
// disconnects and empty account lists end the connection like Disconnect.
func (m *Manager) applyEvent(conn *Connection, ev ProviderEvent) {
	if !m.isCurrent(conn) {
		return
	}
	switch ev.Kind {
	case EventDisconnect:
		m.disconnectIfCurrent(conn)
	case EventAccountsChanged:
		if len(ev.Accounts) == 0 {
			m.disconnectIfCurrent(conn)
			return
		}
		state, changed := conn.update(func(s *State) { s.Address = common.HexToAddress(ev.Accounts[0]).Hex() })
		if changed {
			m.emit(EventAccount, state)
		}
	case EventChainChanged:
		state, changed := conn.update(func(s *State) {
			s.ChainID = ev.ChainID
			s.Warnings = networkWarnings(s.Warnings, ev.ChainID)
		})
		if changed {
			m.logger.Debug("wallet chain changed", zap.Int64("chain_id", ev.ChainID))
			m.emit(EventChain, state)
		}
	}
}

func (m *Manager) disconnectIfCurrent(conn *Connection) {
	m.mu.Lock()
	if m.current != conn {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.mu.Unlock()
	m.teardown(conn, nil)
	m.emit(EventStatus, State{Status: StatusDisconnected})
}

func networkWarnings(warnings []string, chainID int64) []string {
	out := []string{}
	for _, w := range warnings {
		if !strings.HasPrefix(w, unsupportedNetworkWarning) {
			out = append(out, w)
		}
	}
	if _, ok := registry.NetworkByChainID(chainID); !ok {
		out = append(out, fmt.Sprintf("%s (chain id %d)", unsupportedNetworkWarning, chainID))
	}
	return out
}

type subscriber struct {
	fn     func(Event)
	mu     sync.Mutex
	latest uint64
	next   *Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscriber(fn func(Event)) *subscriber {
	s := &subscriber{fn: fn, notify: make(chan struct{}, 1), done: make(chan struct{})}
	go s.run()
	return s
}

func (s *subscriber) offer(ev Event) {
	s.mu.Lock()
	if ev.Seq <= s.latest {
		s.mu.Unlock()
		return
	}
	s.latest = ev.Seq
	s.next = &ev
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			s.mu.Lock()
			ev := s.next
			s.next = nil
			s.mu.Unlock()
			if ev != nil {
				s.fn(*ev)
			}
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

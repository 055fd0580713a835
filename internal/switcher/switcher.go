package switcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/metrics"
	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/wallet"
)

type State string

const (
	StateIdle              State = "idle"
	StateRequesting        State = "requesting"
	StateNeedsRegistration State = "needs_registration"
	StateAdding            State = "adding"
	StateSwitched          State = "switched"
	StateFailed            State = "failed"
)

const flightKey = "switch-network"

// Session is the part of a wallet connection the switcher drives.
type Session interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	TryAcquire(op string) (func(), bool)
	ChainID() int64
	RefreshChain(ctx context.Context) (int64, error)
}

type Result struct {
	ChainID     int64    `json:"chain_id"`
	Network     string   `json:"network"`
	State       State    `json:"state"`
	Transitions []State  `json:"transitions"`
	Requests    []string `json:"requests"`
	Error       string   `json:"error,omitempty"`
}

type Switcher struct {
	logger  *zap.Logger
	metrics metrics.Recorder
	// OnTransition, when set, observes every state change.
	OnTransition func(State)
}

func New(logger *zap.Logger, recorder metrics.Recorder) *Switcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switcher{logger: logger.Named("switcher"), metrics: metrics.OrNoop(recorder)}
}

// Switch moves the wallet to chainID. An unrecognized-chain answer (4902)
// triggers one add-chain request with the full descriptor followed by one
// more switch. Nothing is retried beyond that.
func (s *Switcher) Switch(ctx context.Context, sess Session, chainID int64) (Result, error) {
	network, ok := registry.NetworkByChainID(chainID)
	if !ok {
		return Result{ChainID: chainID, State: StateIdle}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported network: chain id %d", chainID))
	}
	release, ok := sess.TryAcquire(flightKey)
	if !ok {
		return Result{ChainID: chainID, Network: network.ID, State: StateIdle}, clierr.New(clierr.CodeBusy, "already switching")
	}
	defer release()

	run := &run{switcher: s, result: Result{ChainID: chainID, Network: network.ID, State: StateIdle, Transitions: []State{StateIdle}, Requests: []string{}}}
	started := time.Now()
	defer func() {
		s.metrics.ObserveLatency("network_switch", time.Since(started), map[string]string{"network": network.ID})
		s.metrics.IncCounter("network_switch", map[string]string{"network": network.ID, "outcome": string(run.result.State)})
	}()

	if sess.ChainID() == chainID {
		run.to(StateSwitched)
		return run.result, nil
	}

	run.to(StateRequesting)
	err := run.request(ctx, sess, wallet.MethodSwitchChain, wallet.SwitchChainParams{ChainID: id.HexChainID(chainID)})
	if err != nil {
		code, isProvider := wallet.ProviderErrorCode(err)
		if !isProvider || code != wallet.CodeUnrecognizedChain {
			return run.fail(err)
		}
		run.to(StateNeedsRegistration)
		run.to(StateAdding)
		if err := run.request(ctx, sess, wallet.MethodAddChain, AddChainParams(network)); err != nil {
			return run.fail(err)
		}
		if err := run.request(ctx, sess, wallet.MethodSwitchChain, wallet.SwitchChainParams{ChainID: id.HexChainID(chainID)}); err != nil {
			return run.fail(err)
		}
	}
	run.to(StateSwitched)

	if _, err := sess.RefreshChain(ctx); err != nil {
		s.logger.Debug("refresh chain after switch", zap.Error(err))
	}
	return run.result, nil
}

// AddChainParams builds the wallet_addEthereumChain descriptor for a network.
func AddChainParams(n registry.Network) wallet.AddChainParams {
	return wallet.AddChainParams{
		ChainID:   id.HexChainID(n.ChainID),
		ChainName: n.Name,
		NativeCurrency: wallet.NativeCurrency{
			Name:     n.NativeCurrency.Name,
			Symbol:   n.NativeCurrency.Symbol,
			Decimals: n.NativeCurrency.Decimals,
		},
		RPCURLs:           append([]string(nil), n.RPCURLs...),
		BlockExplorerURLs: append([]string(nil), n.ExplorerURLs...),
	}
}

type run struct {
	switcher *Switcher
	result   Result
}

func (r *run) to(state State) {
	r.result.State = state
	r.result.Transitions = append(r.result.Transitions, state)
	r.switcher.logger.Debug("network switch transition", zap.String("state", string(state)), zap.Int64("chain_id", r.result.ChainID))
	if r.switcher.OnTransition != nil {
		r.switcher.OnTransition(state)
	}
}

func (r *run) request(ctx context.Context, sess Session, method string, params any) error {
	r.result.Requests = append(r.result.Requests, method)
	_, err := sess.Request(ctx, method, params)
	return err
}

// fail surfaces the provider message verbatim.
func (r *run) fail(err error) (Result, error) {
	r.to(StateFailed)
	var perr *wallet.ProviderError
	if errors.As(err, &perr) {
		r.result.Error = perr.Message
		if perr.Code == wallet.CodeUserRejected {
			return r.result, clierr.New(clierr.CodeUserRejected, perr.Message)
		}
		return r.result, clierr.New(clierr.CodeUpstream, perr.Message)
	}
	r.result.Error = err.Error()
	return r.result, wallet.ConvertError("switch network", err)
}

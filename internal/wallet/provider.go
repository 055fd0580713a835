package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

const (
	MethodRequestAccounts = "eth_requestAccounts"
	MethodChainID         = "eth_chainId"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodAddChain        = "wallet_addEthereumChain"
	MethodSignTypedDataV4 = "eth_signTypedData_v4"
	MethodProviderInfo    = "wallet_getProviderInfo"
)

// Provider is the EIP-1193 request/event surface of a wallet.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Flags() ProviderFlags
	// Events may return nil when the provider never emits events.
	Events() <-chan ProviderEvent
	Close() error
}

type ProviderFlags struct {
	IsMetaMask       bool `json:"isMetaMask"`
	IsCoinbaseWallet bool `json:"isCoinbaseWallet"`
	IsPorto          bool `json:"isPorto"`
}

type ProviderEventKind string

const (
	EventAccountsChanged ProviderEventKind = "accountsChanged"
	EventChainChanged    ProviderEventKind = "chainChanged"
	EventDisconnect      ProviderEventKind = "disconnect"
)

type ProviderEvent struct {
	Kind     ProviderEventKind
	Accounts []string
	ChainID  int64
}

// ProviderError is the error object returned by an EIP-1193 provider.
type ProviderError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func ProviderErrorCode(err error) (int, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return 0, false
}

// ConvertError maps provider failures into the typed taxonomy. Context
// cancellation and already-typed errors pass through unchanged.
func ConvertError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case CodeUserRejected:
			return clierr.Wrap(clierr.CodeUserRejected, op+" rejected by user", err)
		case CodeUnauthorized:
			return clierr.Wrap(clierr.CodeAuth, op+" not authorized by wallet", err)
		case CodeDisconnected, CodeChainDisconnected:
			return clierr.Wrap(clierr.CodeUnavailable, "wallet provider disconnected", err)
		default:
			return clierr.Wrap(clierr.CodeUpstream, perr.Message, err)
		}
	}
	return clierr.Wrap(clierr.CodeUnavailable, op+" failed", err)
}

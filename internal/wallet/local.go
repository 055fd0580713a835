package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/signer"
)

// AddChainParams is the wallet_addEthereumChain request object.
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type SwitchChainParams struct {
	ChainID string `json:"chainId"`
}

// LocalProvider is a headless EIP-1193 provider backed by a local key. It
// only knows the chains it was started with plus those added at runtime,
// and answers 4902 for anything else, like a browser wallet does.
type LocalProvider struct {
	signer signer.Signer

	mu      sync.Mutex
	chainID int64
	known   map[int64]AddChainParams
	events  chan ProviderEvent
	closed  bool
}

func NewLocalProvider(s signer.Signer, chainID int64, knownChains ...int64) *LocalProvider {
	p := &LocalProvider{
		signer:  s,
		chainID: chainID,
		known:   map[int64]AddChainParams{chainID: {ChainID: id.HexChainID(chainID)}},
		events:  make(chan ProviderEvent, 16),
	}
	for _, c := range knownChains {
		p.known[c] = AddChainParams{ChainID: id.HexChainID(c)}
	}
	return p
}

func (p *LocalProvider) Flags() ProviderFlags { return ProviderFlags{} }

func (p *LocalProvider) Events() <-chan ProviderEvent { return p.events }

func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

func (p *LocalProvider) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch method {
	case MethodRequestAccounts, "eth_accounts":
		return json.Marshal([]string{strings.ToLower(p.signer.Address().Hex())})
	case MethodChainID:
		p.mu.Lock()
		defer p.mu.Unlock()
		return json.Marshal(id.HexChainID(p.chainID))
	case MethodSwitchChain:
		var req SwitchChainParams
		if err := decodeParam(params, 0, &req); err != nil {
			return nil, err
		}
		return p.switchChain(req)
	case MethodAddChain:
		var req AddChainParams
		if err := decodeParam(params, 0, &req); err != nil {
			return nil, err
		}
		return p.addChain(req)
	case MethodSignTypedDataV4:
		return p.signTypedData(params)
	default:
		return nil, &ProviderError{Code: CodeUnsupportedMethod, Message: fmt.Sprintf("method %s is not supported", method)}
	}
}

func (p *LocalProvider) switchChain(req SwitchChainParams) (json.RawMessage, error) {
	chainID, err := id.ParseHexChainID(req.ChainID)
	if err != nil {
		return nil, &ProviderError{Code: -32602, Message: err.Error()}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[chainID]; !ok {
		return nil, &ProviderError{
			Code:    CodeUnrecognizedChain,
			Message: fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", req.ChainID),
		}
	}
	if p.chainID != chainID {
		p.chainID = chainID
		p.publish(ProviderEvent{Kind: EventChainChanged, ChainID: chainID})
	}
	return json.RawMessage("null"), nil
}

func (p *LocalProvider) addChain(req AddChainParams) (json.RawMessage, error) {
	chainID, err := id.ParseHexChainID(req.ChainID)
	if err != nil {
		return nil, &ProviderError{Code: -32602, Message: err.Error()}
	}
	if strings.TrimSpace(req.ChainName) == "" || len(req.RPCURLs) == 0 {
		return nil, &ProviderError{Code: -32602, Message: "chainName and rpcUrls are required"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known[chainID] = req
	return json.RawMessage("null"), nil
}

func (p *LocalProvider) signTypedData(params []any) (json.RawMessage, error) {
	var address, payload string
	if err := decodeParam(params, 0, &address); err != nil {
		return nil, err
	}
	if err := decodeParam(params, 1, &payload); err != nil {
		return nil, err
	}
	if !strings.EqualFold(address, p.signer.Address().Hex()) {
		return nil, &ProviderError{Code: CodeUnauthorized, Message: "requested account is not authorized"}
	}
	var data apitypes.TypedData
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, &ProviderError{Code: -32602, Message: "invalid typed data: " + err.Error()}
	}
	sig, err := p.signer.SignTypedData(data)
	if err != nil {
		return nil, &ProviderError{Code: -32603, Message: err.Error()}
	}
	return json.Marshal(hexutil.Encode(sig))
}

// publish must be called with p.mu held.
func (p *LocalProvider) publish(ev ProviderEvent) {
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

func decodeParam(params []any, index int, out any) error {
	if index >= len(params) {
		return &ProviderError{Code: -32602, Message: fmt.Sprintf("missing param %d", index)}
	}
	buf, err := json.Marshal(params[index])
	if err != nil {
		return &ProviderError{Code: -32602, Message: err.Error()}
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return &ProviderError{Code: -32602, Message: err.Error()}
	}
	return nil
}

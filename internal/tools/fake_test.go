package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/execution"
	"github.com/ggonzalez94/paycall/internal/httpx"
	"github.com/ggonzalez94/paycall/internal/signer"
	"github.com/ggonzalez94/paycall/internal/wallet"
	"github.com/ggonzalez94/paycall/internal/x402"
)

const (
	testKey     = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"
	seiTestnet  = int64(1328)
	baseSepolia = int64(84532)
	seiTestUSDC = "0x4fcf1784b31630811181f670aea7a7bef803eaed"
	testPayee   = "0x2222222222222222222222222222222222222222"
)

var (
	freeTool = Descriptor{Name: "echo", Description: "echoes arguments", InputSchema: json.RawMessage(`{"type":"object"}`)}
	paidTool = Descriptor{
		Name:      "weather",
		Monetized: true,
		Pricing:   []Pricing{{Price: "0.5", Asset: "USDC", Network: "sei-testnet"}},
	}
)

type countingSigner struct {
	*signer.LocalSigner
	signs atomic.Int32
}

func (s *countingSigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	s.signs.Add(1)
	return s.LocalSigner.SignTypedData(data)
}

// fakeEndpoint is a JSON-RPC tool server charging 0.5 USDC on Sei testnet
// for "weather".
type fakeEndpoint struct {
	*httptest.Server
	calls    atomic.Int32
	paidHits atomic.Int32

	mu     sync.Mutex
	stream []string
	tools  []json.RawMessage
	// refuse makes the paid retry answer 402 with this reason.
	refuse string
}

func newFakeEndpoint(t *testing.T) *fakeEndpoint {
	t.Helper()
	f := &fakeEndpoint{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			Cursor    string          `json:"cursor"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch req.Method {
	case MethodList:
		f.list(w, req.ID, req.Params.Cursor)
	case MethodCall:
		f.calls.Add(1)
		f.call(w, r, req.ID, req.Params.Name, req.Params.Arguments)
	default:
		writeRPC(w, req.ID, nil, map[string]any{"code": -32601, "message": "method not found"})
	}
}

func (f *fakeEndpoint) list(w http.ResponseWriter, id uint64, cursor string) {
	f.mu.Lock()
	extra := f.tools
	f.mu.Unlock()
	if cursor == "" {
		writeRPC(w, id, map[string]any{"tools": []Descriptor{freeTool}, "nextCursor": "page-2"}, nil)
		return
	}
	tools := []json.RawMessage{mustJSON(paidTool)}
	tools = append(tools, extra...)
	writeRPC(w, id, map[string]any{"tools": tools}, nil)
}

func (f *fakeEndpoint) call(w http.ResponseWriter, r *http.Request, id uint64, name string, args json.RawMessage) {
	switch name {
	case "weather":
		header := r.Header.Get(x402.HeaderPayment)
		f.mu.Lock()
		refuse := f.refuse
		f.mu.Unlock()
		if header == "" || refuse != "" {
			reason := "payment required"
			if header != "" {
				reason = refuse
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(x402.Challenge{
				X402Version: 1,
				Error:       reason,
				Accepts: []x402.PaymentRequirements{{
					Scheme:            x402.SchemeExact,
					Network:           "sei-testnet",
					MaxAmountRequired: "500000",
					PayTo:             testPayee,
					MaxTimeoutSeconds: 60,
					Asset:             seiTestUSDC,
					Extra:             map[string]any{"name": "USDC", "version": "2"},
				}},
			})
			return
		}
		f.paidHits.Add(1)
		receipt, _ := json.Marshal(x402.SettlementResponse{Success: true, Transaction: "0xfeed", Network: "sei-testnet"})
		w.Header().Set(x402.HeaderPaymentResponse, base64.StdEncoding.EncodeToString(receipt))
		writeRPC(w, id, map[string]any{"content": []map[string]string{{"type": "text", "text": "sunny"}}}, nil)
	case "echo":
		f.mu.Lock()
		stream := f.stream
		f.mu.Unlock()
		if stream == nil {
			writeRPC(w, id, map[string]any{"echo": args}, nil)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, frame := range stream {
			_, _ = fmt.Fprint(w, frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
	case "broken":
		writeRPC(w, id, nil, map[string]any{"code": -32000, "message": "tool exploded"})
	default:
		writeRPC(w, id, nil, map[string]any{"code": -32602, "message": "unknown tool"})
	}
}

func writeRPC(w http.ResponseWriter, id uint64, result any, rpcErr any) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		body["error"] = rpcErr
	} else {
		body["result"] = result
	}
	_ = json.NewEncoder(w).Encode(body)
}

func mustJSON(v any) json.RawMessage {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}

type harness struct {
	endpoint   *fakeEndpoint
	signer     *countingSigner
	manager    *wallet.Manager
	store      *execution.Store
	controller *Controller
}

// newHarness wires a controller to the fake endpoint. chainID < 0 leaves the
// wallet disconnected.
func newHarness(t *testing.T, chainID int64, maxPayment string) *harness {
	t.Helper()
	local, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testKey})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	h := &harness{endpoint: newFakeEndpoint(t), signer: &countingSigner{LocalSigner: local}}

	h.manager = wallet.NewManager(nil)
	t.Cleanup(h.manager.Close)
	if chainID > 0 {
		provider := wallet.NewLocalProvider(h.signer, chainID)
		if _, err := h.manager.Connect(context.Background(), provider, wallet.ConnectOptions{}); err != nil {
			t.Fatalf("connect wallet: %v", err)
		}
	}

	dir := t.TempDir()
	h.store, err = execution.OpenStore(filepath.Join(dir, "executions.db"), filepath.Join(dir, "executions.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = h.store.Close() })

	httpClient := httpx.New(5*time.Second, 0)
	payments := x402.NewClient(httpClient, nil, nil, x402.Options{MaxPaymentValue: decimal.RequireFromString(maxPayment)})
	client, err := NewClient(h.endpoint.URL+"/mcp", httpClient, payments, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	h.controller = NewController(client, h.manager, h.store, nil, nil)
	return h
}

func (h *harness) payer() common.Address { return h.signer.Address() }

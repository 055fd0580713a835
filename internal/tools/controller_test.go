package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/execution"
)

func statuses(record execution.Record) []execution.Status {
	out := make([]execution.Status, 0, len(record.History))
	for _, tr := range record.History {
		out = append(out, tr.Status)
	}
	return out
}

func assertHistory(t *testing.T, record execution.Record, want ...execution.Status) {
	t.Helper()
	got := statuses(record)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history = %v, want %v", got, want)
		}
	}
}

func TestDiscoverFollowsCursorAndSkipsInvalid(t *testing.T) {
	h := newHarness(t, -1, "1")
	h.endpoint.tools = []json.RawMessage{json.RawMessage(`{"description":"nameless"}`)}

	tools, err := h.controller.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "echo" || tools[1].Name != "weather" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if !tools[1].IsMonetized() || tools[1].Pricing[0].Network != "sei-testnet" {
		t.Fatalf("pricing not decoded: %+v", tools[1])
	}
}

func TestIsCompatible(t *testing.T) {
	disconnected := newHarness(t, -1, "1")
	if !disconnected.controller.IsCompatible(freeTool) {
		t.Fatal("free tools are always compatible")
	}
	if disconnected.controller.IsCompatible(paidTool) {
		t.Fatal("paid tool without wallet must be incompatible")
	}
	onSei := newHarness(t, seiTestnet, "1")
	if !onSei.controller.IsCompatible(paidTool) {
		t.Fatal("paid tool on its network must be compatible")
	}
	onBase := newHarness(t, baseSepolia, "1")
	if onBase.controller.IsCompatible(paidTool) {
		t.Fatal("paid tool on another network must be incompatible")
	}
}

func TestInvokeRefusesWrongNetworkWithoutRequest(t *testing.T) {
	h := newHarness(t, baseSepolia, "1")

	record, err := h.controller.Invoke(context.Background(), paidTool, nil, nil)
	if !clierr.Is(err, clierr.CodeNetworkMismatch) {
		t.Fatalf("expected network mismatch, got %v", err)
	}
	if h.endpoint.calls.Load() != 0 {
		t.Fatalf("expected no HTTP request, got %d", h.endpoint.calls.Load())
	}
	if record.ErrorType != "network_mismatch" {
		t.Fatalf("unexpected error type %q", record.ErrorType)
	}
	assertHistory(t, record, execution.StatusIdle, execution.StatusError)

	stored, err := h.store.Get(record.ExecutionID)
	if err != nil || stored.Status != execution.StatusError {
		t.Fatalf("record not persisted: %+v %v", stored, err)
	}
}

func TestInvokePaidToolWithoutWallet(t *testing.T) {
	h := newHarness(t, -1, "1")
	_, err := h.controller.Invoke(context.Background(), paidTool, nil, nil)
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if h.endpoint.calls.Load() != 0 {
		t.Fatal("expected no HTTP request")
	}
}

func TestInvokeFreeTool(t *testing.T) {
	h := newHarness(t, -1, "1")
	var seen []execution.Status
	h.controller.OnRecord = func(r execution.Record) { seen = append(seen, r.Status) }

	record, err := h.controller.Invoke(context.Background(), freeTool, json.RawMessage(`{"msg":"hi"}`), nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(string(record.Result), `"msg":"hi"`) {
		t.Fatalf("unexpected result %s", record.Result)
	}
	assertHistory(t, record, execution.StatusIdle, execution.StatusInitializing, execution.StatusExecuting, execution.StatusSuccess)
	if len(seen) != 3 || seen[2] != execution.StatusSuccess {
		t.Fatalf("unexpected observed states %v", seen)
	}
	if record.Payment != nil || h.signer.signs.Load() != 0 {
		t.Fatal("free tool must not pay")
	}
}

func TestInvokeStreamsChunks(t *testing.T) {
	h := newHarness(t, -1, "1")
	h.endpoint.stream = []string{
		": keepalive\n\n",
		"event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":1}}\n\n",
		"data: partial text\n\n",
		"data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"done\":true}}\n\n",
	}

	var chunks []Chunk
	record, err := h.controller.Invoke(context.Background(), freeTool, nil, func(c Chunk) { chunks = append(chunks, c) })
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Event != "message" || string(chunks[1].Data) != `"partial text"` {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
	if string(record.Result) != `{"done":true}` || record.Chunks != 2 {
		t.Fatalf("unexpected final result %s (%d chunks)", record.Result, record.Chunks)
	}
}

func TestInvokeStreamWithoutResponseJoinsChunks(t *testing.T) {
	h := newHarness(t, -1, "1")
	h.endpoint.stream = []string{"data: {\"a\":1}\n\n", "data: {\"b\":2}\n\n"}

	record, err := h.controller.Invoke(context.Background(), freeTool, nil, nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if string(record.Result) != `[{"a":1},{"b":2}]` {
		t.Fatalf("unexpected joined result %s", record.Result)
	}
}

func TestInvokeSurfacesUpstreamErrorVerbatim(t *testing.T) {
	h := newHarness(t, -1, "1")
	record, err := h.controller.Invoke(context.Background(), Descriptor{Name: "broken"}, nil, nil)
	cerr, ok := clierr.As(err)
	if !ok || cerr.Code != clierr.CodeUpstream || cerr.Message != "tool exploded" {
		t.Fatalf("expected verbatim upstream error, got %v", err)
	}
	if record.Status != execution.StatusError || record.Error != "tool exploded" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestPayAndCallOnTestnetWithinCeiling(t *testing.T) {
	h := newHarness(t, seiTestnet, "1")

	record, err := h.controller.Invoke(context.Background(), paidTool, json.RawMessage(`{"city":"Lisbon"}`), nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if h.signer.signs.Load() != 1 {
		t.Fatalf("expected exactly one signature, got %d", h.signer.signs.Load())
	}
	if h.endpoint.calls.Load() != 2 || h.endpoint.paidHits.Load() != 1 {
		t.Fatalf("expected one challenge and one paid retry, got %d calls %d paid", h.endpoint.calls.Load(), h.endpoint.paidHits.Load())
	}
	if record.Payment == nil || record.Payment.Amount != "0.5" || record.Payment.Transaction != "0xfeed" || !record.Payment.Settled {
		t.Fatalf("unexpected payment record %+v", record.Payment)
	}
	if record.ChainID != "eip155:1328" || record.Payer != h.payer().Hex() {
		t.Fatalf("unexpected record wallet fields %+v", record)
	}
	if !strings.Contains(string(record.Result), "sunny") {
		t.Fatalf("unexpected result %s", record.Result)
	}
	assertHistory(t, record, execution.StatusIdle, execution.StatusInitializing, execution.StatusExecuting, execution.StatusSuccess)
}

func TestPayAndCallOnTestnetAboveCeiling(t *testing.T) {
	h := newHarness(t, seiTestnet, "0.1")

	record, err := h.controller.Invoke(context.Background(), paidTool, nil, nil)
	if !clierr.Is(err, clierr.CodePaymentCeiling) {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	if h.signer.signs.Load() != 0 {
		t.Fatalf("signed despite ceiling")
	}
	if h.endpoint.calls.Load() != 1 || h.endpoint.paidHits.Load() != 0 {
		t.Fatalf("expected only the challenged request, got %d calls", h.endpoint.calls.Load())
	}
	if record.ErrorType != "payment_ceiling_exceeded" {
		t.Fatalf("unexpected error type %q", record.ErrorType)
	}

	failed, err := h.store.List(execution.ListFilter{Status: execution.StatusError})
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed record, got %d (%v)", len(failed), err)
	}
}

func TestInvokeUnpricedToolNeverPays(t *testing.T) {
	h := newHarness(t, seiTestnet, "1")
	unpriced := Descriptor{Name: "weather"}

	record, err := h.controller.Invoke(context.Background(), unpriced, nil, nil)
	if !clierr.Is(err, clierr.CodePaymentCeiling) {
		t.Fatalf("expected ceiling error for an unpriced tool, got %v", err)
	}
	if h.signer.signs.Load() != 0 || h.endpoint.paidHits.Load() != 0 {
		t.Fatalf("unpriced tool was paid: %d signs %d paid hits", h.signer.signs.Load(), h.endpoint.paidHits.Load())
	}
	if record.Payment != nil || record.ErrorType != "payment_ceiling_exceeded" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestInvokeRefusedRetryKeepsPayment(t *testing.T) {
	h := newHarness(t, seiTestnet, "1")
	h.endpoint.refuse = "insufficient_funds"

	record, err := h.controller.Invoke(context.Background(), paidTool, nil, nil)
	if !clierr.Is(err, clierr.CodePaymentAuth) {
		t.Fatalf("expected payment refusal, got %v", err)
	}
	if h.signer.signs.Load() != 1 {
		t.Fatalf("expected one signature, got %d", h.signer.signs.Load())
	}
	if record.Payment == nil || record.Payment.Amount != "0.5" || record.Payment.Nonce == "" || record.Payment.Settled {
		t.Fatalf("expected unsettled signed payment on the record, got %+v", record.Payment)
	}
	stored, err := h.store.Get(record.ExecutionID)
	if err != nil || stored.Payment == nil || stored.Payment.Nonce != record.Payment.Nonce {
		t.Fatalf("payment not persisted: %+v %v", stored.Payment, err)
	}
}

func TestInvokeAfterDisconnectRequiresWallet(t *testing.T) {
	h := newHarness(t, seiTestnet, "1")
	conn := h.manager.Current()
	h.manager.Disconnect()

	ctx, cancel := conn.Bind(context.Background())
	defer cancel()
	<-ctx.Done()

	_, err := h.controller.Invoke(context.Background(), paidTool, nil, nil)
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected disconnected wallet to block paid tool, got %v", err)
	}
}

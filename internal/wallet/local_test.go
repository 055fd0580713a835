package wallet

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
	"github.com/ggonzalez94/paycall/internal/id"
	"github.com/ggonzalez94/paycall/internal/signer"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func newTestLocalProvider(t *testing.T, chainID int64, known ...int64) *LocalProvider {
	t.Helper()
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	return NewLocalProvider(s, chainID, known...)
}

func TestLocalProviderUnknownChainAnswers4902(t *testing.T) {
	p := newTestLocalProvider(t, 1)
	_, err := p.Request(context.Background(), MethodSwitchChain, SwitchChainParams{ChainID: id.HexChainID(1328)})
	code, ok := ProviderErrorCode(err)
	if !ok || code != CodeUnrecognizedChain {
		t.Fatalf("expected 4902, got %v", err)
	}

	_, err = p.Request(context.Background(), MethodAddChain, AddChainParams{
		ChainID:        id.HexChainID(1328),
		ChainName:      "Sei Testnet",
		NativeCurrency: NativeCurrency{Name: "Sei", Symbol: "SEI", Decimals: 18},
		RPCURLs:        []string{"https://evm-rpc-testnet.sei-apis.com"},
	})
	if err != nil {
		t.Fatalf("add chain failed: %v", err)
	}
	if _, err := p.Request(context.Background(), MethodSwitchChain, SwitchChainParams{ChainID: id.HexChainID(1328)}); err != nil {
		t.Fatalf("switch after add failed: %v", err)
	}
	ev := <-p.Events()
	if ev.Kind != EventChainChanged || ev.ChainID != 1328 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLocalProviderAddChainValidates(t *testing.T) {
	p := newTestLocalProvider(t, 1)
	_, err := p.Request(context.Background(), MethodAddChain, AddChainParams{ChainID: id.HexChainID(1328)})
	if _, ok := ProviderErrorCode(err); !ok {
		t.Fatalf("expected provider error for incomplete add request, got %v", err)
	}
}

func TestConnectionSignTypedDataThroughLocalProvider(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	p := newTestLocalProvider(t, 1328)
	conn, err := m.Connect(context.Background(), p, ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.State().Capability != CapabilityInjected {
		t.Fatalf("expected generic injected connector, got %s", conn.State().Capability)
	}

	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"Ping":         {{Name: "value", Type: "uint256"}},
		},
		PrimaryType: "Ping",
		Domain:      apitypes.TypedDataDomain{Name: "paycall", ChainId: math.NewHexOrDecimal256(1328)},
		Message:     apitypes.TypedDataMessage{"value": "500000"},
	}
	sig, err := conn.SignTypedData(context.Background(), data)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	sig[64] -= 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("recover public key: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != conn.Address() {
		t.Fatal("recovered signer does not match wallet address")
	}
}

func TestLocalProviderRejectsForeignAccount(t *testing.T) {
	m := NewManager(nil)
	defer m.Close()
	conn, err := m.Connect(context.Background(), newTestLocalProvider(t, 1), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_, err = conn.Request(context.Background(), MethodSignTypedDataV4, "0x0000000000000000000000000000000000000001", "{}")
	if code, ok := ProviderErrorCode(err); !ok || code != CodeUnauthorized {
		t.Fatalf("expected unauthorized provider error, got %v", err)
	}
	if !clierr.Is(ConvertError("sign", err), clierr.CodeAuth) {
		t.Fatal("expected unauthorized to convert to auth error")
	}
}

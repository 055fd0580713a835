package errors

import (
	"fmt"
	"testing"
)

func TestExitCodeFollowsWrappedError(t *testing.T) {
	base := New(CodePaymentCeiling, "payment exceeds ceiling")
	err := fmt.Errorf("invoke tool: %w", base)
	if got := ExitCode(err); got != int(CodePaymentCeiling) {
		t.Fatalf("expected exit code %d, got %d", CodePaymentCeiling, got)
	}
	if !Is(err, CodePaymentCeiling) {
		t.Fatal("expected Is to match wrapped code")
	}
	if Is(err, CodeNetworkMismatch) {
		t.Fatal("did not expect Is to match a different code")
	}
	if got := ExitCode(fmt.Errorf("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal exit code for untyped error, got %d", got)
	}
}

func TestTypeNameCoversTaxonomy(t *testing.T) {
	cases := map[Code]string{
		CodeUnavailable:     "provider_unavailable",
		CodeUserRejected:    "user_rejected",
		CodeUnsupported:     "unsupported_network",
		CodeNetworkMismatch: "network_mismatch",
		CodePaymentCeiling:  "payment_ceiling_exceeded",
		CodePaymentAuth:     "payment_authorization_failed",
		CodeUpstream:        "upstream_error",
		CodePartialData:     "partial_data",
	}
	for code, want := range cases {
		if got := TypeName(code); got != want {
			t.Fatalf("TypeName(%d) = %q, want %q", code, got, want)
		}
	}
}

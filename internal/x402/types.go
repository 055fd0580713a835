package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	clierr "github.com/ggonzalez94/paycall/internal/errors"
)

const (
	Version     = 1
	SchemeExact = "exact"

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

var validate = validator.New()

// Challenge is the body of an HTTP 402 answer.
type Challenge struct {
	X402Version int                   `json:"x402Version" validate:"gte=1"`
	Accepts     []PaymentRequirements `json:"accepts" validate:"required,min=1,dive"`
	Error       string                `json:"error,omitempty"`
}

// PaymentRequirements is one way the resource server accepts payment.
// MaxAmountRequired is expressed in the asset's base units.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme" validate:"required"`
	Network           string         `json:"network" validate:"required"`
	MaxAmountRequired string         `json:"maxAmountRequired" validate:"required,numeric"`
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType,omitempty"`
	OutputSchema      map[string]any `json:"outputSchema,omitempty"`
	PayTo             string         `json:"payTo" validate:"required,eth_addr"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds" validate:"gte=0"`
	Asset             string         `json:"asset" validate:"required,eth_addr"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ExtraString reads a string field from Extra.
func (r PaymentRequirements) ExtraString(key string) string {
	if r.Extra == nil {
		return ""
	}
	v, _ := r.Extra[key].(string)
	return strings.TrimSpace(v)
}

// Authorization is an EIP-3009 transferWithAuthorization message. Numeric
// fields are decimal strings, nonce is 0x-prefixed 32 bytes.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

type ExactEVMPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload travels base64-encoded in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// SettlementResponse is the receipt carried by X-PAYMENT-RESPONSE.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// ParseChallenge decodes and validates a 402 body.
func ParseChallenge(body []byte) (Challenge, error) {
	var challenge Challenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return Challenge{}, clierr.Wrap(clierr.CodeUpstream, "decode payment challenge", err)
	}
	if err := validate.Struct(challenge); err != nil {
		return Challenge{}, clierr.Wrap(clierr.CodeUpstream, "invalid payment challenge", err)
	}
	return challenge, nil
}

// EncodeHeader renders a payload for the X-PAYMENT header.
func (p PaymentPayload) EncodeHeader() (string, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "encode payment payload", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func DecodePaymentHeader(value string) (PaymentPayload, error) {
	var payload PaymentPayload
	if err := decodeHeader(value, &payload); err != nil {
		return PaymentPayload{}, err
	}
	return payload, nil
}

func DecodeSettlementHeader(value string) (SettlementResponse, error) {
	var settlement SettlementResponse
	if err := decodeHeader(value, &settlement); err != nil {
		return SettlementResponse{}, err
	}
	return settlement, nil
}

func decodeHeader(value string, out any) error {
	value = strings.TrimSpace(value)
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		// some servers emit unpadded or URL-safe encodings
		if raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "=")); err != nil {
			return fmt.Errorf("decode base64 header: %w", err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode header JSON: %w", err)
	}
	return nil
}

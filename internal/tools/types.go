package tools

import (
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/paycall/internal/registry"
	"github.com/ggonzalez94/paycall/internal/x402"
)

var validate = validator.New()

// Pricing is one advertised way to pay for a tool. Price is in human units.
type Pricing struct {
	Price   string `json:"price" validate:"required,numeric"`
	Asset   string `json:"asset" validate:"required"`
	Network string `json:"network" validate:"required"`
}

// Descriptor is a tool as listed by the endpoint.
type Descriptor struct {
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Monetized   bool            `json:"monetized"`
	Pricing     []Pricing       `json:"pricing,omitempty" validate:"dive"`
}

func (d Descriptor) IsMonetized() bool {
	return d.Monetized || len(d.Pricing) > 0
}

// Networks lists the registered networks the tool accepts payment on.
func (d Descriptor) Networks() []registry.Network {
	out := make([]registry.Network, 0, len(d.Pricing))
	for _, p := range d.Pricing {
		if n, err := registry.ParseNetwork(p.Network); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// PriceOn returns the advertised price for chainID.
func (d Descriptor) PriceOn(chainID int64) (*x402.Price, bool) {
	for _, p := range d.Pricing {
		n, err := registry.ParseNetwork(p.Network)
		if err != nil || n.ChainID != chainID {
			continue
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(p.Price))
		if err != nil {
			continue
		}
		return &x402.Price{Amount: amount, Asset: p.Asset, Network: n.ID}, true
	}
	return nil, false
}

// Chunk is one incrementally delivered piece of a streamed result.
type Chunk struct {
	Index int             `json:"index"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type CallResult struct {
	Result      json.RawMessage `json:"result"`
	Streamed    bool            `json:"streamed"`
	Chunks      int             `json:"chunks,omitempty"`
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type,omitempty"`
	Payment     *x402.Payment   `json:"payment,omitempty"`
}

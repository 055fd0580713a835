package model

import "time"

const EnvelopeVersion = "v1"

// Envelope wraps every command result written to stdout.
type Envelope struct {
	Version  string       `json:"version" yaml:"version"`
	Success  bool         `json:"success" yaml:"success"`
	Data     any          `json:"data,omitempty" yaml:"data,omitempty"`
	Error    *ErrorBody   `json:"error" yaml:"error"`
	Warnings []string     `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta" yaml:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code" yaml:"code"`
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message" yaml:"message"`
}

type EnvelopeMeta struct {
	RequestID string         `json:"request_id" yaml:"request_id"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Command   string         `json:"command" yaml:"command"`
	Sources   []SourceStatus `json:"sources,omitempty" yaml:"sources,omitempty"`
	Wallet    *WalletMeta    `json:"wallet,omitempty" yaml:"wallet,omitempty"`
	Cache     CacheStatus    `json:"cache" yaml:"cache"`
	Partial   bool           `json:"partial" yaml:"partial"`
}

// SourceStatus reports one upstream consulted by a command: a tool
// endpoint, an RPC network or the wallet connector.
type SourceStatus struct {
	Name      string `json:"name" yaml:"name"`
	Status    string `json:"status" yaml:"status"`
	LatencyMS int64  `json:"latency_ms" yaml:"latency_ms"`
}

type WalletMeta struct {
	Address string `json:"address" yaml:"address"`
	ChainID string `json:"chain_id" yaml:"chain_id"`
}

type CacheStatus struct {
	Status string `json:"status" yaml:"status"`
	AgeMS  int64  `json:"age_ms" yaml:"age_ms"`
	Stale  bool   `json:"stale" yaml:"stale"`
}

// ToolView is a discovered tool annotated for the current wallet.
type ToolView struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Monetized   bool        `json:"monetized" yaml:"monetized"`
	Compatible  bool        `json:"compatible" yaml:"compatible"`
	Pricing     []PriceView `json:"pricing,omitempty" yaml:"pricing,omitempty"`
}

type PriceView struct {
	Price   string `json:"price" yaml:"price"`
	Asset   string `json:"asset" yaml:"asset"`
	Network string `json:"network" yaml:"network"`
	ChainID string `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
}

// FormattedAmount is the result of formatting a base-unit amount.
type FormattedAmount struct {
	ChainID   string `json:"chain_id" yaml:"chain_id"`
	Asset     string `json:"asset" yaml:"asset"`
	Amount    string `json:"amount" yaml:"amount"`
	BaseUnits string `json:"base_units,omitempty" yaml:"base_units,omitempty"`
	Formatted string `json:"formatted" yaml:"formatted"`
}

package execution

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusExecuting    Status = "executing"
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

var transitions = map[Status][]Status{
	StatusIdle:         {StatusInitializing, StatusError},
	StatusInitializing: {StatusExecuting, StatusError},
	StatusExecuting:    {StatusSuccess, StatusError},
}

// CanTransition reports whether from → to is a legal record move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Transition struct {
	Status Status `json:"status"`
	At     string `json:"at"`
}

// PaymentRecord is the persisted summary of a paid call.
type PaymentRecord struct {
	Network     string `json:"network"`
	Asset       string `json:"asset"`
	Symbol      string `json:"symbol,omitempty"`
	Amount      string `json:"amount"`
	PayTo       string `json:"pay_to"`
	Nonce       string `json:"nonce"`
	ValidBefore string `json:"valid_before"`
	Transaction string `json:"transaction,omitempty"`
	Settled     bool   `json:"settled"`
}

// Record tracks one tool invocation.
type Record struct {
	ExecutionID string          `json:"execution_id"`
	Tool        string          `json:"tool"`
	Endpoint    string          `json:"endpoint"`
	Status      Status          `json:"status"`
	ChainID     string          `json:"chain_id,omitempty"`
	Payer       string          `json:"payer,omitempty"`
	Monetized   bool            `json:"monetized"`
	Params      json.RawMessage `json:"params,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Chunks      int             `json:"chunks,omitempty"`
	Payment     *PaymentRecord  `json:"payment,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   string          `json:"error_type,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	History     []Transition    `json:"history"`
}

func NewRecord(executionID, tool, endpoint string) Record {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return Record{
		ExecutionID: executionID,
		Tool:        tool,
		Endpoint:    endpoint,
		Status:      StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		History:     []Transition{{Status: StatusIdle, At: now}},
	}
}

// Advance moves the record to next. Illegal moves leave it unchanged.
func (r *Record) Advance(next Status) bool {
	if !CanTransition(r.Status, next) {
		return false
	}
	r.Status = next
	r.Touch()
	r.History = append(r.History, Transition{Status: next, At: r.UpdatedAt})
	return true
}

func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
}

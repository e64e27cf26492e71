// Package schema defines the canonical types that flow through the risk
// pipeline: normalized chain events, address profiles, behavior tags and the
// final risk analysis.
package schema

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// EventType classifies a normalized chain event.
type EventType string

const (
	EventTransfer      EventType = "transfer"
	EventContractCall  EventType = "contract_call"
	EventTokenTransfer EventType = "token_transfer"
)

// RawEvent is an undecoded chain event as delivered by an ingestion source.
// Values are whatever the JSON decoder produced; decoders should use
// json.Decoder.UseNumber so large integers survive.
type RawEvent map[string]any

// String returns the first non-empty string value among keys.
func (r RawEvent) String(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		case json.Number:
			return s.String(), true
		}
	}
	return "", false
}

// Has reports whether any of keys is present with a non-nil value.
func (r RawEvent) Has(keys ...string) bool {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return true
		}
	}
	return false
}

// NormalizedEvent is a validated, canonical chain event.
// It is created once per ingested event and must not be mutated afterwards.
type NormalizedEvent struct {
	TraceID         string    `json:"trace_id" validate:"required"`
	ChainID         string    `json:"chain_id" validate:"required"`
	BlockNumber     uint64    `json:"block_number"`
	TransactionHash string    `json:"transaction_hash" validate:"required,max=130"`
	From            string    `json:"from" validate:"required"`
	To              string    `json:"to" validate:"required"`
	Value           string    `json:"value" validate:"required,number"`
	Timestamp       int64     `json:"timestamp" validate:"gte=0"`
	Type            EventType `json:"type" validate:"required,oneof=transfer contract_call token_transfer"`
	MethodName      string    `json:"method_name,omitempty" validate:"max=128"`
	Raw             RawEvent  `json:"raw,omitempty"`
}

// ValueWei returns the transferred value as a new big integer.
// A malformed value yields zero; normalized events never carry one.
func (e *NormalizedEvent) ValueWei() *big.Int {
	v, ok := new(big.Int).SetString(e.Value, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// IsContractCall reports whether the event invoked contract code.
func (e *NormalizedEvent) IsContractCall() bool {
	return e.Type == EventContractCall || e.MethodName != ""
}

// ToRaw renders the canonical fields back into raw form. Normalizing the
// result yields an identical event aside from its trace ID.
func (e *NormalizedEvent) ToRaw() RawEvent {
	raw := RawEvent{
		"hash":        e.TransactionHash,
		"from":        e.From,
		"to":          e.To,
		"value":       e.Value,
		"blockNumber": json.Number(new(big.Int).SetUint64(e.BlockNumber).String()),
		"timestamp":   json.Number(big.NewInt(e.Timestamp).String()),
		"type":        string(e.Type),
	}
	if e.MethodName != "" {
		raw["methodName"] = e.MethodName
	}
	return raw
}

// Envelope carries a raw event from an ingestion source to the workers.
type Envelope struct {
	ChainID    string    `json:"chain_id"`
	Raw        RawEvent  `json:"raw"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

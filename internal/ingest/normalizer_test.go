package ingest

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"risk-pipeline/internal/schema"
)

const (
	testFrom = "0xAbC0000000000000000000000000000000000001"
	testTo   = "0xDef0000000000000000000000000000000000002"
)

func validRaw() schema.RawEvent {
	return schema.RawEvent{
		"hash":  "0x1",
		"from":  testFrom,
		"to":    testTo,
		"value": "1000000000000000000",
	}
}

func TestNormalize_Valid(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.Normalize("1", validRaw())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	if event.From != "0xabc0000000000000000000000000000000000001" {
		t.Errorf("From = %s, want lower-cased", event.From)
	}
	if event.To != "0xdef0000000000000000000000000000000000002" {
		t.Errorf("To = %s, want lower-cased", event.To)
	}
	if event.Value != "1000000000000000000" {
		t.Errorf("Value = %s, want unchanged", event.Value)
	}
	if event.TraceID == "" {
		t.Error("expected trace ID to be generated")
	}
	if event.Type != schema.EventTransfer {
		t.Errorf("Type = %s, want transfer", event.Type)
	}
	if event.Raw["hash"] != "0x1" {
		t.Error("expected raw event to be preserved")
	}
}

func TestNormalize_Errors(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name    string
		chainID string
		raw     func() schema.RawEvent
		target  error
	}{
		{
			name:    "nil event",
			chainID: "1",
			raw:     func() schema.RawEvent { return nil },
			target:  ErrInvalidEvent,
		},
		{
			name:    "empty chain",
			chainID: "",
			raw:     validRaw,
			target:  ErrInvalidEvent,
		},
		{
			name:    "missing to",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				delete(r, "to")
				return r
			},
			target: ErrMissingFields,
		},
		{
			name:    "invalid from",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["from"] = "invalid"
				return r
			},
			target: ErrInvalidAddress,
		},
		{
			name:    "negative value",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["value"] = "-5"
				return r
			},
			target: ErrInvalidValue,
		},
		{
			name:    "fractional value",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["value"] = json.Number("1.5")
				return r
			},
			target: ErrInvalidValue,
		},
		{
			name:    "garbage value",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["value"] = "lots"
				return r
			},
			target: ErrInvalidValue,
		},
		{
			name:    "negative hex value",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["value"] = "0x-de0b6b3a7640000"
				return r
			},
			target: ErrInvalidValue,
		},
		{
			name:    "plus-signed hex value",
			chainID: "1",
			raw: func() schema.RawEvent {
				r := validRaw()
				r["value"] = "0x+10"
				return r
			},
			target: ErrInvalidValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.chainID, tt.raw())
			if !errors.Is(err, tt.target) {
				t.Fatalf("Normalize() error = %v, want %v", err, tt.target)
			}
			var ive *InvalidValueFormatError
			if errors.Is(tt.target, ErrInvalidValue) && !errors.As(err, &ive) {
				t.Errorf("Normalize() error = %v, want *InvalidValueFormatError", err)
			}
			if !IsValidationError(err) {
				t.Errorf("expected %v to be a validation error", err)
			}
		})
	}
}

func TestNormalize_MissingFieldsListed(t *testing.T) {
	n := NewNormalizer(nil)

	_, err := n.Normalize("1", schema.RawEvent{"from": testFrom})

	var mfe *MissingFieldsError
	if !errors.As(err, &mfe) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	want := []string{"hash", "to", "value"}
	if !reflect.DeepEqual(mfe.Fields, want) {
		t.Errorf("Fields = %v, want %v", mfe.Fields, want)
	}
}

func TestNormalize_InvalidAddressField(t *testing.T) {
	n := NewNormalizer(nil)
	raw := validRaw()
	raw["to"] = "0x123"

	_, err := n.Normalize("1", raw)

	var iae *InvalidAddressFormatError
	if !errors.As(err, &iae) {
		t.Fatalf("expected InvalidAddressFormatError, got %v", err)
	}
	if iae.Field != "to" {
		t.Errorf("Field = %s, want to", iae.Field)
	}
}

func TestNormalize_ZeroValue(t *testing.T) {
	n := NewNormalizer(nil)
	raw := validRaw()
	raw["value"] = "0"

	event, err := n.Normalize("1", raw)
	if err != nil {
		t.Fatalf("zero value should be valid: %v", err)
	}
	if event.Value != "0" {
		t.Errorf("Value = %s, want 0", event.Value)
	}
}

func TestNormalize_ValueEncodings(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"decimal string", "42", "42"},
		{"hex string", "0xde0b6b3a7640000", "1000000000000000000"},
		{"empty hex", "0x", "0"},
		{"json number", json.Number("15000000000000000000000"), "15000000000000000000000"},
		{"json exponent", json.Number("1e18"), "1000000000000000000"},
		{"float", float64(1000), "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			raw["value"] = tt.value
			event, err := n.Normalize("1", raw)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if event.Value != tt.want {
				t.Errorf("Value = %s, want %s", event.Value, tt.want)
			}
		})
	}
}

func TestNormalize_TimestampAndBlock(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	n := NewNormalizer(nil).WithClock(func() time.Time { return fixed })

	raw := validRaw()
	event, err := n.Normalize("1", raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if event.Timestamp != fixed.Unix() {
		t.Errorf("missing timestamp should default to now, got %d", event.Timestamp)
	}

	raw = validRaw()
	raw["timestamp"] = json.Number("1700000123456")
	raw["blockNumber"] = "0x10"
	event, err = n.Normalize("1", raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if event.Timestamp != 1700000123 {
		t.Errorf("Timestamp = %d, want milliseconds converted to seconds", event.Timestamp)
	}
	if event.BlockNumber != 16 {
		t.Errorf("BlockNumber = %d, want 16", event.BlockNumber)
	}
}

func TestNormalize_MethodResolution(t *testing.T) {
	n := NewNormalizer(nil)

	tests := []struct {
		name       string
		fields     map[string]any
		wantMethod string
		wantType   schema.EventType
	}{
		{"explicit method", map[string]any{"methodName": "flashLoan"}, "flashLoan", schema.EventContractCall},
		{"known selector", map[string]any{"input": "0x38ed1739000000"}, "swapExactTokensForTokens", schema.EventContractCall},
		{"unknown selector", map[string]any{"input": "0xdeadbeef00"}, "0xdeadbeef", schema.EventContractCall},
		{"empty input", map[string]any{"input": "0x"}, "", schema.EventTransfer},
		{"explicit type", map[string]any{"type": "token_transfer"}, "", schema.EventTokenTransfer},
		{"evm tx type ignored", map[string]any{"type": "0x2"}, "", schema.EventTransfer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			for k, v := range tt.fields {
				raw[k] = v
			}
			event, err := n.Normalize("1", raw)
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if event.MethodName != tt.wantMethod {
				t.Errorf("MethodName = %q, want %q", event.MethodName, tt.wantMethod)
			}
			if event.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", event.Type, tt.wantType)
			}
		})
	}
}

func TestNormalize_TraceIDFromRaw(t *testing.T) {
	n := NewNormalizer(nil)
	raw := validRaw()
	raw["traceId"] = "trace-abc"

	event, err := n.Normalize("1", raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if event.TraceID != "trace-abc" {
		t.Errorf("TraceID = %s, want trace-abc", event.TraceID)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := NewNormalizer(nil)
	raw := validRaw()
	raw["methodName"] = "swapExactTokensForTokens"
	raw["timestamp"] = json.Number("1700000000")
	raw["blockNumber"] = json.Number("19000000")

	first, err := n.Normalize("1", raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	second, err := n.Normalize("1", first.ToRaw())
	if err != nil {
		t.Fatalf("re-normalize failed: %v", err)
	}

	a, b := *first, *second
	a.TraceID, b.TraceID = "", ""
	a.Raw, b.Raw = nil, nil
	if !reflect.DeepEqual(a, b) {
		t.Errorf("normalization not idempotent:\nfirst:  %+v\nsecond: %+v", a, b)
	}
}

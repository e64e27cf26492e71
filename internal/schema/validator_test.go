package schema

import (
	"testing"
)

func TestValidator_ValidAddress(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		chainID string
		addr    string
		want    bool
	}{
		{"lowercase evm", "1", "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", true},
		{"mixed case evm", "1", "0x7A250d5630B4cF539739dF2C5dAcb4c659F2488D", true},
		{"unknown chain falls back to evm", "999", "0x7a250d5630b4cf539739df2c5dacb4c659f2488d", true},
		{"missing prefix", "1", "7a250d5630b4cf539739df2c5dacb4c659f2488d", false},
		{"too short", "1", "0x7a250d", false},
		{"non hex", "1", "0xZZ250d5630b4cf539739df2c5dacb4c659f2488d", false},
		{"plain word", "1", "invalid", false},
		{"empty", "1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.ValidAddress(tt.chainID, tt.addr); got != tt.want {
				t.Errorf("ValidAddress(%q, %q) = %v, want %v", tt.chainID, tt.addr, got, tt.want)
			}
		})
	}
}

func TestValidator_RegisterChainPattern(t *testing.T) {
	v := NewValidator()

	if err := v.RegisterChainPattern("tron", `^T[1-9A-HJ-NP-Za-km-z]{33}$`); err != nil {
		t.Fatalf("RegisterChainPattern failed: %v", err)
	}
	if !v.ValidAddress("tron", "TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7") {
		t.Error("expected tron address to be valid")
	}
	if v.ValidAddress("tron", "0x7a250d5630b4cf539739df2c5dacb4c659f2488d") {
		t.Error("expected evm address to be rejected on tron")
	}

	if err := v.RegisterChainPattern("bad", `([`); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()

	validEvent := func() *NormalizedEvent {
		return &NormalizedEvent{
			TraceID:         "trace-1",
			ChainID:         "1",
			TransactionHash: "0x1",
			From:            "0xabc0000000000000000000000000000000000001",
			To:              "0xdef0000000000000000000000000000000000002",
			Value:           "1000000000000000000",
			Timestamp:       1700000000,
			Type:            EventTransfer,
		}
	}

	t.Run("valid event", func(t *testing.T) {
		if err := v.Validate(validEvent()); err != nil {
			t.Errorf("expected valid event, got error: %v", err)
		}
	})

	t.Run("bad address", func(t *testing.T) {
		e := validEvent()
		e.To = "nope"
		if err := v.Validate(e); err == nil {
			t.Error("expected error for bad address")
		}
	})

	t.Run("non numeric value", func(t *testing.T) {
		e := validEvent()
		e.Value = "1.5"
		if err := v.Validate(e); err == nil {
			t.Error("expected error for fractional value")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		e := validEvent()
		e.Type = "mint"
		if err := v.Validate(e); err == nil {
			t.Error("expected error for unknown type")
		}
	})
}

func TestCategoryDimension(t *testing.T) {
	for _, d := range Dimensions {
		got, ok := CategoryDimension(d.Category())
		if !ok || got != d {
			t.Errorf("CategoryDimension(%s) = %v, %v; want %v", d.Category(), got, ok, d)
		}
	}
	if _, ok := CategoryDimension(CategorySystem); ok {
		t.Error("system category must not map to a dimension")
	}
}

func TestParseDimension(t *testing.T) {
	d, err := ParseDimension("association")
	if err != nil || d != DimensionAssociation {
		t.Errorf("ParseDimension(association) = %v, %v", d, err)
	}
	if _, err := ParseDimension("karma"); err == nil {
		t.Error("expected error for unknown dimension")
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0.3, 0.3},
		{1.7, 1},
	}
	for _, tt := range tests {
		if got := Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizedEvent_ValueWei(t *testing.T) {
	e := &NormalizedEvent{Value: "15000000000000000000000"}
	if got := e.ValueWei().String(); got != "15000000000000000000000" {
		t.Errorf("ValueWei() = %s", got)
	}

	// Callers may mutate the returned integer without touching the event.
	e.ValueWei().SetInt64(1)
	if e.Value != "15000000000000000000000" {
		t.Error("ValueWei must return a copy")
	}
}

func TestAddressProfile_HasTag(t *testing.T) {
	p := &AddressProfile{Tags: []string{"Phishing:reported", "exchange"}}
	if !p.HasTag("phishing") {
		t.Error("expected prefix tag match")
	}
	if !p.HasTag("exchange") {
		t.Error("expected exact tag match")
	}
	if p.HasTag("fraud") {
		t.Error("unexpected tag match")
	}
	var nilProfile *AddressProfile
	if nilProfile.HasTag("x") {
		t.Error("nil profile has no tags")
	}
}

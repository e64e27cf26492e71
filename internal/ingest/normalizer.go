package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"risk-pipeline/internal/schema"
)

// millisecondThreshold separates second from millisecond timestamps.
const millisecondThreshold = 1_000_000_000_000

// knownSelectors maps 4-byte method selectors to method names.
var knownSelectors = map[string]string{
	// Uniswap V2
	"0x38ed1739": "swapExactTokensForTokens",
	"0x8803dbee": "swapTokensForExactTokens",
	"0x7ff36ab5": "swapExactETHForTokens",
	"0xfb3bdb41": "swapETHForExactTokens",
	"0x18cbafe5": "swapExactTokensForETH",
	"0x4a25d94a": "swapTokensForExactETH",
	// Uniswap V3
	"0x414bf389": "exactInputSingle",
	"0xc04b8d59": "exactInput",
	// Flash loans
	"0xab9c4b5d": "flashLoan",
	"0x5cffe9de": "flashLoan",
	// Liquidity
	"0xe8e33700": "addLiquidity",
	"0xf305d719": "addLiquidityETH",
	"0xbaa2abde": "removeLiquidity",
	"0x02751cec": "removeLiquidityETH",
	// ERC-20
	"0xa9059cbb": "transfer",
	"0x23b872dd": "transferFrom",
	"0x095ea7b3": "approve",
	// Lending
	"0xe8eda9df": "deposit",
	"0x69328dec": "withdraw",
	"0xa415bcad": "borrow",
	"0x573ade81": "repay",
	"0xa694fc3a": "stake",
}

// MethodForSelector resolves calldata to a method name. Unknown selectors
// are returned as-is; empty calldata yields "".
func MethodForSelector(input string) string {
	input = strings.ToLower(strings.TrimSpace(input))
	if len(input) < 10 || !strings.HasPrefix(input, "0x") {
		return ""
	}
	selector := input[:10]
	if name, ok := knownSelectors[selector]; ok {
		return name
	}
	return selector
}

// Normalizer validates raw chain events and converts them to canonical form.
type Normalizer struct {
	validator *schema.Validator
	now       func() time.Time
}

// NewNormalizer creates a Normalizer using the given validator.
func NewNormalizer(v *schema.Validator) *Normalizer {
	if v == nil {
		v = schema.NewValidator()
	}
	return &Normalizer{
		validator: v,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for events without a timestamp.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize validates raw and returns the canonical event for chainID.
func (n *Normalizer) Normalize(chainID string, raw schema.RawEvent) (*schema.NormalizedEvent, error) {
	if raw == nil {
		return nil, ErrInvalidEvent
	}
	chainID = strings.TrimSpace(chainID)
	if chainID == "" {
		return nil, fmt.Errorf("%w: chain id is required", ErrInvalidEvent)
	}

	hash, hasHash := raw.String("hash", "transactionHash")
	from, hasFrom := raw.String("from")
	to, hasTo := raw.String("to")
	hasValue := raw.Has("value")

	var missing []string
	if !hasHash {
		missing = append(missing, "hash")
	}
	if !hasFrom {
		missing = append(missing, "from")
	}
	if !hasTo {
		missing = append(missing, "to")
	}
	if !hasValue {
		missing = append(missing, "value")
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}

	if !n.validator.ValidAddress(chainID, from) {
		return nil, &InvalidAddressFormatError{Field: "from", Address: from, ChainID: chainID}
	}
	if !n.validator.ValidAddress(chainID, to) {
		return nil, &InvalidAddressFormatError{Field: "to", Address: to, ChainID: chainID}
	}

	value, err := ParseValue(raw["value"])
	if err != nil {
		return nil, err
	}

	event := &schema.NormalizedEvent{
		ChainID:         chainID,
		TransactionHash: strings.ToLower(hash),
		From:            strings.ToLower(from),
		To:              strings.ToLower(to),
		Value:           value.String(),
		Raw:             raw,
	}

	if id, ok := raw.String("traceId", "trace_id"); ok {
		event.TraceID = id
	} else {
		event.TraceID = uuid.New().String()
	}

	if v, ok := raw["blockNumber"]; ok && v != nil {
		if block, err := parseUint(v); err == nil {
			event.BlockNumber = block
		}
	}

	event.Timestamp = n.now().Unix()
	if v, ok := raw["timestamp"]; ok && v != nil {
		if ts, err := parseUint(v); err == nil {
			if ts > millisecondThreshold {
				ts /= 1000
			}
			event.Timestamp = int64(ts)
		}
	}

	if method, ok := raw.String("methodName"); ok {
		event.MethodName = method
	} else if input, ok := raw.String("input"); ok {
		event.MethodName = MethodForSelector(input)
	}

	event.Type = resolveType(raw, event.MethodName)

	if err := n.validator.Validate(event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	return event, nil
}

// resolveType honors a known explicit type and otherwise infers one.
func resolveType(raw schema.RawEvent, method string) schema.EventType {
	if t, ok := raw.String("type"); ok {
		switch schema.EventType(t) {
		case schema.EventTransfer, schema.EventContractCall, schema.EventTokenTransfer:
			return schema.EventType(t)
		}
	}
	if method != "" {
		return schema.EventContractCall
	}
	return schema.EventTransfer
}

// ParseValue parses a wei amount given as a decimal string, a 0x-prefixed hex
// string, or an integral JSON number.
func ParseValue(v any) (*big.Int, error) {
	switch val := v.(type) {
	case string:
		return parseValueString(strings.TrimSpace(val))
	case json.Number:
		return parseValueDecimal(val.String())
	case float64:
		d := decimal.NewFromFloat(val)
		if d.IsNegative() || !d.IsInteger() {
			return nil, &InvalidValueFormatError{Value: v}
		}
		return d.BigInt(), nil
	case int:
		if val < 0 {
			return nil, &InvalidValueFormatError{Value: v}
		}
		return big.NewInt(int64(val)), nil
	case int64:
		if val < 0 {
			return nil, &InvalidValueFormatError{Value: v}
		}
		return big.NewInt(val), nil
	case uint64:
		return new(big.Int).SetUint64(val), nil
	case *big.Int:
		if val == nil || val.Sign() < 0 {
			return nil, &InvalidValueFormatError{Value: v}
		}
		return new(big.Int).Set(val), nil
	}
	return nil, &InvalidValueFormatError{Value: v, Err: fmt.Errorf("unsupported type %T", v)}
}

func parseValueString(s string) (*big.Int, error) {
	if s == "" {
		return nil, &InvalidValueFormatError{Value: s, Err: errors.New("empty value")}
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return new(big.Int), nil
		}
		if digits[0] == '-' || digits[0] == '+' {
			return nil, &InvalidValueFormatError{Value: s, Err: errors.New("signed hex")}
		}
		n, ok := new(big.Int).SetString(digits, 16)
		if !ok || n.Sign() < 0 {
			return nil, &InvalidValueFormatError{Value: s, Err: errors.New("malformed hex")}
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, &InvalidValueFormatError{Value: s, Err: errors.New("not an integer")}
	}
	if n.Sign() < 0 {
		return nil, &InvalidValueFormatError{Value: s, Err: errors.New("negative value")}
	}
	return n, nil
}

// parseValueDecimal handles JSON numbers, which may use exponent notation.
func parseValueDecimal(s string) (*big.Int, error) {
	if n, ok := new(big.Int).SetString(s, 10); ok {
		if n.Sign() < 0 {
			return nil, &InvalidValueFormatError{Value: s, Err: errors.New("negative value")}
		}
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, &InvalidValueFormatError{Value: s, Err: err}
	}
	if d.IsNegative() || !d.IsInteger() {
		return nil, &InvalidValueFormatError{Value: s, Err: errors.New("not a non-negative integer")}
	}
	return d.BigInt(), nil
}

// parseUint parses block numbers and timestamps in any of the raw encodings.
func parseUint(v any) (uint64, error) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			return strconv.ParseUint(s[2:], 16, 64)
		}
		return strconv.ParseUint(s, 10, 64)
	case json.Number:
		return strconv.ParseUint(val.String(), 10, 64)
	case float64:
		if val < 0 {
			return 0, fmt.Errorf("negative number %v", val)
		}
		return uint64(val), nil
	case int:
		if val < 0 {
			return 0, fmt.Errorf("negative number %d", val)
		}
		return uint64(val), nil
	case int64:
		if val < 0 {
			return 0, fmt.Errorf("negative number %d", val)
		}
		return uint64(val), nil
	case uint64:
		return val, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

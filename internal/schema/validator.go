package schema

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

// evmAddressPattern is the address format shared by every EVM chain.
var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validator checks normalized events and chain addresses.
type Validator struct {
	validate *validator.Validate

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp // chain ID -> address pattern
}

// NewValidator creates a Validator that knows the EVM address format.
// Chains without a registered pattern fall back to the EVM format.
func NewValidator() *Validator {
	v := validator.New()

	vr := &Validator{
		validate: v,
		patterns: make(map[string]*regexp.Regexp),
	}

	// Register custom validation for chain address format. The chain is
	// taken from the sibling ChainID field of the struct being validated.
	v.RegisterValidation("chain_address", func(fl validator.FieldLevel) bool {
		chainID := ""
		if parent := fl.Parent(); parent.IsValid() {
			if f := parent.FieldByName("ChainID"); f.IsValid() {
				chainID = f.String()
			}
		}
		return vr.ValidAddress(chainID, fl.Field().String())
	})

	return vr
}

// RegisterChainPattern sets the address pattern for a chain.
func (v *Validator) RegisterChainPattern(chainID, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid address pattern for chain %s: %w", chainID, err)
	}
	v.mu.Lock()
	v.patterns[chainID] = re
	v.mu.Unlock()
	return nil
}

// ValidAddress reports whether addr matches the chain's address pattern.
func (v *Validator) ValidAddress(chainID, addr string) bool {
	v.mu.RLock()
	re, ok := v.patterns[chainID]
	v.mu.RUnlock()
	if !ok {
		re = evmAddressPattern
	}
	return re.MatchString(addr)
}

// addressFields is validated with the chain-aware tag.
type addressFields struct {
	ChainID string
	From    string `validate:"chain_address"`
	To      string `validate:"chain_address"`
}

// Validate validates a normalized event against its struct constraints and
// the chain address format.
func (v *Validator) Validate(event *NormalizedEvent) error {
	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if err := v.validate.Struct(addressFields{
		ChainID: event.ChainID,
		From:    event.From,
		To:      event.To,
	}); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

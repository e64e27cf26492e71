package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error types returned by the normalizer.
var (
	// ErrValidation is wrapped by every normalization failure.
	ErrValidation = errors.New("ingest: validation failed")

	// ErrInvalidEvent indicates a nil event or an event without a chain.
	ErrInvalidEvent = fmt.Errorf("%w: invalid event", ErrValidation)

	// ErrMissingFields indicates required fields are absent.
	ErrMissingFields = fmt.Errorf("%w: missing fields", ErrValidation)

	// ErrInvalidAddress indicates an address does not match the chain format.
	ErrInvalidAddress = fmt.Errorf("%w: invalid address format", ErrValidation)

	// ErrInvalidValue indicates a value that is not a non-negative integer.
	ErrInvalidValue = fmt.Errorf("%w: invalid value format", ErrValidation)
)

// MissingFieldsError lists the required fields that were absent.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Unwrap returns ErrMissingFields for errors.Is support.
func (e *MissingFieldsError) Unwrap() error {
	return ErrMissingFields
}

// InvalidAddressFormatError reports an address rejected for a chain.
type InvalidAddressFormatError struct {
	Field   string
	Address string
	ChainID string
}

func (e *InvalidAddressFormatError) Error() string {
	return fmt.Sprintf("invalid %s address %q for chain %s", e.Field, e.Address, e.ChainID)
}

// Unwrap returns ErrInvalidAddress for errors.Is support.
func (e *InvalidAddressFormatError) Unwrap() error {
	return ErrInvalidAddress
}

// InvalidValueFormatError reports an unparseable value.
type InvalidValueFormatError struct {
	Value any
	Err   error
}

func (e *InvalidValueFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value %v: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("invalid value %v", e.Value)
}

// Unwrap returns ErrInvalidValue for errors.Is support.
func (e *InvalidValueFormatError) Unwrap() error {
	return ErrInvalidValue
}

// IsValidationError checks if the error came from event validation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

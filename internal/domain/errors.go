package domain

import (
	"errors"
	"fmt"
)

var ErrMissingFields = errors.New("missing required fields")

// ErrUnsubscribeConflict: a message carrying an unsubscribe header must
// target exactly one recipient, because the unsubscribe link resolves to one
// address. Raised before any persistence.
var ErrUnsubscribeConflict = errors.New("unsubscribe header with multiple recipients")

// NoSuitableBackendError means no active backend matched any resolution tier
// for the address. Fatal for the whole message; the transaction rolls back.
type NoSuitableBackendError struct {
	Address string
}

func (e *NoSuitableBackendError) Error() string {
	return fmt.Sprintf("no suitable backend for address %q", e.Address)
}

// ConfigurationError is fatal and non-retriable: a delivery attempt that hits
// one records it as the terminal status immediately.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

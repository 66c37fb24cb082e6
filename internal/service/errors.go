package service

import (
	"errors"
	"strings"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrSourceWalletNotFound      = errors.New("source wallet not found")
	ErrDestinationWalletNotFound = errors.New("destination wallet not found")
	ErrUnsupportedDirectRoute    = errors.New("direct transfers are not supported for this provider")
	ErrInvalidStateForCancel     = errors.New("only pending transactions can be cancelled")
	ErrInvalidStateForRetry      = errors.New("only failed transactions can be retried")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrWalletNotFound            = errors.New("wallet not found")
)

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every problem found in a request. It matches
// ErrValidation with errors.Is.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Field + ": " + e.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

func (v *ValidationErrors) add(field, msg string) {
	*v = append(*v, FieldError{Field: field, Message: msg})
}

// err returns nil for an empty list so callers can `return v.err()`.
func (v ValidationErrors) err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

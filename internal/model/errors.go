package model

import (
	"errors"
	"strings"
)

// Errors shared across packages.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownSymbol     = errors.New("symbol not on watchlist")
)

// ValidationError describes a malformed request rejected before any state
// mutation.
type ValidationError struct {
	Fields []string
	Msg    string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Msg
	}
	return "validation failed: " + e.Msg + " (" + strings.Join(e.Fields, ", ") + ")"
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given fields.
func NewValidationError(msg string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Msg: msg}
}

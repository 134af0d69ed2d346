package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Store errors
	ErrNotFound       = errors.New("record not found")
	ErrStoreClosed    = errors.New("store is closed")
	ErrUnknownBackend = errors.New("unknown store backend")

	// Intake errors
	ErrInvalidEvent = errors.New("invalid transaction event")
	ErrIntakeBusy   = errors.New("intake at capacity")
	ErrIntakeClosed = errors.New("intake is shutting down")
)

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, msg)
}

package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoDriversAvailable  = errors.New("no drivers available")
	ErrAssignmentExhausted = errors.New("assignment exhausted")
	ErrOfferExpired        = errors.New("offer expired")
	ErrAlreadyBusy         = errors.New("driver already busy")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrProofRequired       = errors.New("proof required")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrNotFound            = errors.New("not found")
	ErrRequestCancelled    = errors.New("request cancelled")
	ErrRequestExpired      = errors.New("request expired")
)

// TransitionError reports a rejected lifecycle change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	DeliveryID string
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for delivery %s: %s -> %s", e.DeliveryID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

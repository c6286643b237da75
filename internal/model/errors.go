package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = errors.New("deskmeter: not found")
	ErrInvalidInput           = errors.New("deskmeter: invalid input")
	ErrResourceConflict       = errors.New("deskmeter: session already exists")
	ErrInsufficientFunds      = errors.New("deskmeter: insufficient funds")
	ErrInvalidStateTransition = errors.New("deskmeter: invalid state transition")
	ErrProvider               = errors.New("deskmeter: provider call failed")
	ErrPersistenceConflict    = errors.New("deskmeter: concurrent write conflict")

	ErrAlreadyRunning = fmt.Errorf("%w: session is already running", ErrInvalidStateTransition)
	ErrNotRunning     = fmt.Errorf("%w: session is not running", ErrInvalidStateTransition)
)

// InsufficientFundsError reports the balance and the threshold it failed to meet.
type InsufficientFundsError struct {
	Operation string
	Balance   decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("deskmeter: insufficient funds to %s: balance %s, required at least %s",
		e.Operation, e.Balance.StringFixed(2), e.Required.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ConflictError is returned when an account already holds a live session.
type ConflictError struct {
	SessionID int64
	Status    SessionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("deskmeter: account already has session %d (%s); delete it or create with force",
		e.SessionID, e.Status)
}

func (e *ConflictError) Unwrap() error { return ErrResourceConflict }

// ProviderError forwards the provisioning provider's failure detail.
type ProviderError struct {
	Operation  string
	InstanceID string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("deskmeter: provider %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("deskmeter: provider %s of %s failed: %v", e.Operation, e.InstanceID, e.Err)
}

func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// TransitionError names the rejected edge of the state machine.
type TransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("deskmeter: invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// IsRetryable reports whether the whole operation may safely be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

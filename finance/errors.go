/*
errors.go - Error taxonomy for money-movement operations

PURPOSE:
  All error types in one place. Callers classify with errors.Is against the
  sentinels; structured errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. AlreadyProcessed      - lot already paid, or disbursement already recorded
  2. AuthorizationDenied   - self-approval, repeat approver, insufficient wallet
  3. Validation            - rejected before any store call
  4. BackendUnavailable    - store or dispatcher call failed
  5. PartialFailure        - a later step failed after an earlier one committed
  6. ConcurrentModification - a guarded write found unexpected state (retryable)

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package finance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyProcessed is returned when a lot is no longer Pending or a
	// disbursement already exists for its reference. Safe to ignore.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrAuthorizationDenied is returned when the acting identity may not
	// perform the transition. No state has changed.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrValidation is returned for invalid input, before any store call.
	ErrValidation = errors.New("validation failed")

	// ErrBackendUnavailable is returned when the store or dispatcher fails.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPartialFailure is returned when a multi-step sequence stopped after
	// committing some of its steps. Requires manual reconciliation.
	ErrPartialFailure = errors.New("partial failure")

	// ErrConcurrentModification is returned when a guarded write's predicate
	// did not match (version changed, slot already filled, status moved).
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientWallet is returned when a wallet cannot cover a withdrawal.
	ErrInsufficientWallet = errors.New("insufficient wallet balance")

	// ErrDuplicateIdempotencyKey is returned when a wallet entry with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AlreadyProcessedError names what was already processed.
type AlreadyProcessedError struct {
	Kind string // "already paid", "already exists"
	Key  string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Key)
}

func (e *AlreadyProcessedError) Unwrap() error { return ErrAlreadyProcessed }

// AuthorizationError explains why identity may not act.
type AuthorizationError struct {
	Identity string
	Reason   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Identity, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorizationDenied }

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ValidationErrors collects several field errors.
type ValidationErrors []*ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (es ValidationErrors) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a single-field validation error.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PartialFailureError reports the step that failed and what had already committed.
type PartialFailureError struct {
	Step      string
	Committed []string
	Cause     error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure at %s (committed: %s): %v",
		e.Step, strings.Join(e.Committed, ", "), e.Cause)
}

func (e *PartialFailureError) Unwrap() []error { return []error{ErrPartialFailure, e.Cause} }

// InsufficientWalletError provides details about a wallet shortage.
type InsufficientWalletError struct {
	Identity  string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientWalletError) Error() string {
	return fmt.Sprintf("insufficient wallet balance for %s: available %s, requested %s",
		e.Identity, e.Available, e.Requested)
}

func (e *InsufficientWalletError) Unwrap() []error {
	return []error{ErrInsufficientWallet, ErrAuthorizationDenied}
}

// Unavailable wraps a store or dispatcher failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	if errors.Is(err, ErrPartialFailure) {
		return false
	}
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAuthorizationDenied) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

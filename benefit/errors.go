/*
errors.go - Centralized error types for the entitlement engine

ERROR CATEGORIES:
  1. Lookup errors     - NotFound, InactiveResource
  2. Input errors      - InvalidInput
  3. Quota errors      - QuotaExceeded (submission), ExceedsRemainingQuota (final approval)
  4. Workflow errors   - InvalidStateTransition, Unauthorized
  5. Concurrency       - Conflict (retryable)

USAGE:
  if errors.Is(err, benefit.ErrConflict) {
      // lost the race on a ledger row, retry from scratch
  }

  var qe *benefit.QuotaExceededError
  if errors.As(err, &qe) {
      render(qe.Reasons)
  }
*/
package benefit

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
	// ErrNotFound is returned when a sub-type or claim does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInactiveResource is returned when a sub-type is disabled.
	ErrInactiveResource = errors.New("resource inactive")

	// ErrInvalidInput is returned for missing or malformed claim input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrQuotaExceeded is returned when one or more capacity axes are exhausted.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrExceedsRemainingQuota is returned when the approver's amount is above
	// the ceiling recomputed at approval time.
	ErrExceedsRemainingQuota = errors.New("amount exceeds remaining quota")

	// ErrInvalidStateTransition is returned when an action is not allowed
	// from the claim's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrUnauthorized is returned when the Authorizer denies an action.
	ErrUnauthorized = errors.New("actor not authorized for action")

	// ErrDuplicateClaim is returned when a claim ID is created twice.
	ErrDuplicateClaim = errors.New("duplicate claim id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidInputError names the offending field.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InvalidInputError) Unwrap() error { return ErrInvalidInput }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Kind string // "sub-type", "claim"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InactiveError is returned for disabled sub-types.
type InactiveError struct {
	SubTypeID SubTypeID
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("sub-type %q is inactive", e.SubTypeID)
}

func (e *InactiveError) Unwrap() error { return ErrInactiveResource }

// QuotaExceededError reports every blocking axis at once.
type QuotaExceededError struct {
	SubTypeID SubTypeID
	Reasons   []Reason
}

func (e *QuotaExceededError) Error() string {
	msgs := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		msgs[i] = r.Message
	}
	return fmt.Sprintf("quota exceeded for %s: %s", e.SubTypeID, strings.Join(msgs, "; "))
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// ExceedsRemainingQuotaError is the final-approval failure.
type ExceedsRemainingQuotaError struct {
	ClaimID   ClaimID
	Requested decimal.Decimal
	Ceiling   decimal.Decimal
	Reasons   []Reason
}

func (e *ExceedsRemainingQuotaError) Error() string {
	if len(e.Reasons) > 0 {
		msgs := make([]string, len(e.Reasons))
		for i, r := range e.Reasons {
			msgs[i] = r.Message
		}
		return fmt.Sprintf("claim %s: requested %s no longer claimable: %s",
			e.ClaimID, e.Requested.String(), strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("claim %s: approved amount %s exceeds remaining ceiling %s",
		e.ClaimID, e.Requested.String(), e.Ceiling.String())
}

func (e *ExceedsRemainingQuotaError) Unwrap() error { return ErrExceedsRemainingQuota }

// InvalidTransitionError describes a rejected state-machine move.
type InvalidTransitionError struct {
	ClaimID ClaimID
	From    ClaimState
	Action  Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("claim %s: cannot %s from state %s", e.ClaimID, e.Action, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// ConflictError is returned after the retry budget is spent.
type ConflictError struct {
	Resource string // e.g. "claim clm-1", "ledger m-1/funeral/2025"
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: gave up after %d conflicting attempts", e.Resource, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInactiveResource) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrExceedsRemainingQuota) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrDuplicateClaim)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

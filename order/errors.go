/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error kinds in one place. The taxonomy matters for callers:

  1. Caller errors - wrong input or wrong state for the requested operation.
     Reported synchronously, never retried, order state unchanged.
     (ErrNothingToRetry, ErrRetryNotAllowed, InvalidTransitionError, ...)

  2. Collaborator failures - the payment gateway or grading service failed
     transiently. The order is NOT moved to a failure state; only an explicit
     negative business outcome (refused charge, failed grade) does that.
     (CollaboratorError)

  3. Invariant violations - internal corruption such as a schedule that no
     longer sums to the order total. Fatal: the operation aborts and the unit
     of work rolls back entirely. (ErrScheduleSumMismatch)

  Idempotent replays (duplicate webhook delivery) are NOT errors; the
  processor detects and short-circuits them.

USAGE:
  if errors.Is(err, order.ErrNothingToRetry) { ... }

  var invalid *order.InvalidTransitionError
  if errors.As(err, &invalid) { ... }

SEE ALSO:
  - engine.go: where most of these are returned
  - api/errors.go: HTTP status mapping
*/
package order

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOrderNotFound is returned when a referenced order doesn't exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrDuplicateOrder is returned when a non-canceled order already exists
	// for the same (owner, course, product) triplet.
	ErrDuplicateOrder = errors.New("an active order already exists for this owner, course and product")

	// ErrInvalidScheduleConfig is returned when schedule percentages don't sum
	// to 100% or the total is non-positive.
	ErrInvalidScheduleConfig = errors.New("invalid payment schedule configuration")

	// ErrUnknownInstallment is returned when an installment id doesn't belong
	// to the order it was reported against.
	ErrUnknownInstallment = errors.New("installment does not belong to order")

	// ErrUnknownProviderRef is returned when a webhook reports an outcome for
	// a provider reference no installment carries.
	ErrUnknownProviderRef = errors.New("unknown payment provider reference")

	// ErrNothingToRetry is returned when a retry is requested but no
	// installment is refused. Caller error.
	ErrNothingToRetry = errors.New("no refused installment to retry")

	// ErrRetryNotAllowed is returned when a retry is requested while the order
	// is not in failed_payment. Caller error.
	ErrRetryNotAllowed = errors.New("order has no failed payment to retry")

	// ErrBillingAddressRequired is returned at checkout when a priced order
	// has no billing address.
	ErrBillingAddressRequired = errors.New("billing address required for priced orders")

	// ErrProductNotLinkedToCourse is returned at checkout when the product
	// does not grant the requested course.
	ErrProductNotLinkedToCourse = errors.New("product does not grant the requested course")

	// ErrScheduleSumMismatch means the installments no longer sum to the order
	// total. Invariant violation: abort and roll back.
	ErrScheduleSumMismatch = errors.New("installment amounts do not sum to order total")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError reports an illegal state machine transition.
// These are caller errors: the order stays where it was.
type InvalidTransitionError struct {
	OrderID OrderID
	From    State
	To      State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition from %s to %s", e.OrderID, e.From, e.To)
}

// CollaboratorError wraps a transient failure of an external collaborator
// (payment gateway, grading service). Distinct from a business refusal: the
// order state is left untouched and the caller may retry later.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

/*
Package order provides the core order settlement engine.

PURPOSE:
  This package owns the financially sensitive part of the system: the order
  lifecycle state machine, the installment payment schedule, and the
  processor that applies payment outcomes. Everything here must stay exactly
  correct under concurrent callers - a learner retry, a payment-provider
  webhook and a batch job can all touch the same order at once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: fixed-point amount with a currency (decimal.Decimal, never float)
  - Order: the purchase aggregate, owning state and payment schedule
  - Installment: one scheduled partial payment of the order total
  - State: the order lifecycle enum with its transitions map

DESIGN PRINCIPLES:
  1. Precision: all money math uses decimal.Decimal; the schedule always sums
     exactly to the order total.
  2. Single model: an up-front full payment is a one-installment schedule,
     not a separate code path.
  3. Idempotency: re-applying an already-applied payment outcome is a no-op.
  4. Explicit transitions: every state change goes through the transitions
     map; there are no implicit hooks.

SEE ALSO:
  - schedule.go: installment schedule generation
  - machine.go:  state transition validation
  - engine.go:   checkout / payment outcome / retry / cancel operations
  - store.go:    persistence interface with the exclusive unit of work
*/
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openedu/settlement-engine/catalog"
)

// =============================================================================
// MONEY - Fixed-point amount with currency
// =============================================================================

// Money is a currency amount. The zero value is "no amount".
type Money struct {
	Value    decimal.Decimal
	Currency string
}

func NewMoney(value decimal.Decimal, currency string) Money {
	return Money{Value: value, Currency: currency}
}

// MustMoney builds a Money from a decimal string. Panics on malformed input;
// only for literals in tests and scenarios.
func MustMoney(value, currency string) Money {
	return Money{Value: decimal.RequireFromString(value), Currency: currency}
}

func (m Money) Add(o Money) Money      { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money      { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Equal(o Money) bool     { return m.Currency == o.Currency && m.Value.Equal(o.Value) }
func (m Money) IsZero() bool           { return m.Value.IsZero() }
func (m Money) IsPositive() bool       { return m.Value.IsPositive() }
func (m Money) String() string         { return m.Value.StringFixed(2) + " " + m.Currency }

// Percentage returns pct% of the amount, rounded to 2 decimal places.
func (m Money) Percentage(pct decimal.Decimal) Money {
	raw := m.Value.Mul(pct).Div(decimal.NewFromInt(100))
	return Money{Value: raw.Round(2), Currency: m.Currency}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrderID string
type InstallmentID string
type LearnerID string
type OrganizationID string
type AddressID string
type InvoiceRef string

// =============================================================================
// ORDER STATE
// =============================================================================

type State string

const (
	// StateDraft: order created, checkout not confirmed yet.
	StateDraft State = "draft"

	// StateSubmitted: checkout validated, payment not yet organized.
	StateSubmitted State = "submitted"

	// StatePending: schedule generated, first charge initiated, no outcome yet.
	StatePending State = "pending"

	// StateNoPayment: free order, settled without any schedule. Terminal.
	StateNoPayment State = "no_payment"

	// StatePendingPayment: at least one installment paid, more remain.
	StatePendingPayment State = "pending_payment"

	// StateFailedPayment: a due installment was refused; awaiting retry.
	StateFailedPayment State = "failed_payment"

	// StateCompleted: every installment paid. Terminal.
	StateCompleted State = "completed"

	// StateCanceled: explicitly canceled before completion. Terminal.
	StateCanceled State = "canceled"
)

// Settled reports whether the state represents a paid (or free) order whose
// enrollment side effects must exist.
func (s State) Settled() bool {
	return s == StateNoPayment || s == StatePendingPayment || s == StateCompleted
}

// Terminal reports whether the order lifecycle is over.
func (s State) Terminal() bool {
	return s == StateNoPayment || s == StateCompleted || s == StateCanceled
}

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentState string

const (
	InstallmentPending InstallmentState = "pending"
	InstallmentPaid    InstallmentState = "paid"
	InstallmentRefused InstallmentState = "refused"
)

// Installment is one scheduled partial payment. IDs are assigned at schedule
// generation and never reused. A paid installment is immutable.
type Installment struct {
	ID      InstallmentID
	Amount  Money
	DueDate time.Time
	State   InstallmentState

	// ProviderRef identifies the charge at the payment provider, set when a
	// charge is initiated. Webhook outcomes are matched against it.
	ProviderRef string
}

// =============================================================================
// ORDER - The purchase aggregate
// =============================================================================

// Order ties a learner to a product and tracks the settlement lifecycle.
// At most one non-canceled order may exist per (owner, course, product).
type Order struct {
	ID             OrderID
	OwnerID        LearnerID
	ProductID      catalog.ProductID
	CourseID       catalog.CourseID
	OrganizationID OrganizationID

	State State
	Total Money

	// Schedule is the ordered list of installments. Empty for free orders.
	Schedule []Installment

	// MainInvoiceRef references the invoice raised at checkout. Required
	// before a priced order may leave draft.
	MainInvoiceRef InvoiceRef

	BillingAddressID AddressID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InstallmentByID returns the schedule entry with the given id, or nil.
func (o *Order) InstallmentByID(id InstallmentID) *Installment {
	for i := range o.Schedule {
		if o.Schedule[i].ID == id {
			return &o.Schedule[i]
		}
	}
	return nil
}

// RefusedInstallment returns the refused installment, or nil. The processor
// never leaves more than one installment refused: later installments stay
// pending until the refused one is resolved.
func (o *Order) RefusedInstallment() *Installment {
	for i := range o.Schedule {
		if o.Schedule[i].State == InstallmentRefused {
			return &o.Schedule[i]
		}
	}
	return nil
}

// HasPendingInstallment reports whether any installment still awaits payment.
func (o *Order) HasPendingInstallment() bool {
	for i := range o.Schedule {
		if o.Schedule[i].State == InstallmentPending {
			return true
		}
	}
	return false
}

// FirstPendingInstallment returns the earliest-due pending installment, or nil.
func (o *Order) FirstPendingInstallment() *Installment {
	for i := range o.Schedule {
		if o.Schedule[i].State == InstallmentPending {
			return &o.Schedule[i]
		}
	}
	return nil
}

// ScheduleTotal sums the schedule amounts. Must always equal Total.
func (o *Order) ScheduleTotal() Money {
	sum := Money{Value: decimal.Zero, Currency: o.Total.Currency}
	for _, ins := range o.Schedule {
		sum = sum.Add(ins.Amount)
	}
	return sum
}

// Clone returns a deep copy, so stores can hand out mutable working copies.
func (o *Order) Clone() *Order {
	clone := *o
	clone.Schedule = make([]Installment, len(o.Schedule))
	copy(clone.Schedule, o.Schedule)
	return &clone
}

// =============================================================================
// PAYMENT OUTCOME
// =============================================================================

// Outcome is the business result of a charge attempt as reported by the
// payment provider. Transient provider failures are NOT outcomes; they
// surface as CollaboratorError and leave the order untouched.
type Outcome string

const (
	OutcomePaid    Outcome = "paid"
	OutcomeRefused Outcome = "refused"
)

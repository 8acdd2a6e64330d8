/*
engine.go - Settlement engine operations

PURPOSE:
  Orchestrates the order lifecycle: checkout, payment outcome processing,
  retry of refused installments, and cancellation. The engine is the only
  writer of order state; it delegates schedule math to schedule.go, state
  validation to machine.go, and side effects to the SettlementHooks.

CONCURRENCY:
  Every mutation runs inside Store.WithOrder, the exclusive per-order unit
  of work. A webhook redelivery, a learner retry and the certificate batch
  can hit the same order concurrently; whoever enters WithOrder second sees
  the first one's committed result, so duplicate outcomes short-circuit as
  no-ops instead of double-applying.

SIDE EFFECTS:
  A transition into a settled state (no_payment, pending_payment, completed)
  fires Hooks.OnSettle exactly once per transition, inside the unit of work:
  if enrollment provisioning fails, the transition rolls back with it.
  Cancellation fires Hooks.OnCancel the same way. The catalog notifier runs
  after commit and is best-effort: its failure never rolls back an order.

SEE ALSO:
  - machine.go:  the transitions map
  - schedule.go: schedule generation and the sum invariant
  - enrollment/manager.go: the production SettlementHooks
*/
package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/catalog"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// ChargeStatus is the synchronous result of a charge attempt.
type ChargeStatus string

const (
	// ChargePaid: the provider settled the charge inline.
	ChargePaid ChargeStatus = "paid"
	// ChargeRefused: the provider refused the charge inline.
	ChargeRefused ChargeStatus = "refused"
	// ChargePending: the charge was accepted for processing; the outcome will
	// arrive later through ReportPaymentOutcome.
	ChargePending ChargeStatus = "pending"
)

// ChargeRequest asks the payment collaborator to collect one installment.
type ChargeRequest struct {
	OrderID       OrderID
	InstallmentID InstallmentID
	Amount        Money
	Owner         LearnerID

	// CardRef is a stored card reference for one-click payment. Empty means
	// the provider runs its fresh charge flow.
	CardRef string
}

// ChargeResult is the provider's synchronous answer. Reference identifies the
// charge at the provider and is how asynchronous outcomes find their way back.
type ChargeResult struct {
	Status    ChargeStatus
	Reference string
}

// PaymentGateway is the abstract "charge an installment" capability.
// Implementations live in the payment package; the concrete one is chosen at
// startup.
type PaymentGateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// SettlementHooks receives lifecycle side effects. The enrollment manager is
// the production implementation.
type SettlementHooks interface {
	// OnSettle runs when the order enters a settled state. Errors abort the
	// transition.
	OnSettle(ctx context.Context, o *Order) error

	// OnCancel runs when the order is canceled. Errors abort the cancellation.
	OnCancel(ctx context.Context, o *Order) error
}

// NopHooks is a SettlementHooks that does nothing.
type NopHooks struct{}

func (NopHooks) OnSettle(context.Context, *Order) error { return nil }
func (NopHooks) OnCancel(context.Context, *Order) error { return nil }

// CatalogNotifier propagates settlements downstream, best-effort.
// Failures are logged and never affect the order.
type CatalogNotifier interface {
	NotifySettled(ctx context.Context, o *Order)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine owns all order mutations.
type Engine struct {
	Orders   Store
	Catalog  catalog.Store
	Gateway  PaymentGateway
	Hooks    SettlementHooks
	Notifier CatalogNotifier // optional

	// Schedule is the installment split applied to priced orders that request
	// split payment.
	Schedule ScheduleConfig

	// VATRate is the flat VAT percentage applied on top of catalog prices.
	VATRate decimal.Decimal

	Now func() time.Time
	Log logrus.FieldLogger
}

// NewEngine wires an engine with defaults: the standard split, zero VAT,
// wall-clock time and the standard logger.
func NewEngine(orders Store, cat catalog.Store, gateway PaymentGateway, hooks SettlementHooks) *Engine {
	return &Engine{
		Orders:   orders,
		Catalog:  cat,
		Gateway:  gateway,
		Hooks:    hooks,
		Schedule: DefaultScheduleConfig(),
		VATRate:  decimal.Zero,
		Now:      time.Now,
		Log:      logrus.StandardLogger(),
	}
}

// =============================================================================
// CHECKOUT
// =============================================================================

// CheckoutInput is a request to purchase a product for a course.
type CheckoutInput struct {
	OwnerID        LearnerID
	ProductID      catalog.ProductID
	CourseID       catalog.CourseID
	OrganizationID OrganizationID

	// BillingAddressID is required when the product is priced.
	BillingAddressID AddressID

	// CardRef optionally selects a stored card for the first charge.
	CardRef string

	// SplitPayment selects the installment plan; false means immediate full
	// payment (a one-installment schedule).
	SplitPayment bool
}

// Checkout creates the order and drives it through submission: free products
// settle immediately into no_payment, priced products get a schedule and the
// first installment charge is initiated.
//
// A transient gateway failure on the first charge does not fail the checkout:
// the order stays pending and the outcome arrives later via the provider's
// notification.
func (e *Engine) Checkout(ctx context.Context, in CheckoutInput) (*Order, error) {
	product, err := e.Catalog.GetProduct(ctx, in.ProductID)
	if err != nil {
		return nil, err
	}
	if err := e.validateCourseLink(ctx, product, in.CourseID); err != nil {
		return nil, err
	}

	now := e.Now()
	total := NewMoney(e.grossPrice(product.Price), product.Currency)

	if total.IsPositive() && in.BillingAddressID == "" {
		return nil, ErrBillingAddressRequired
	}

	o := &Order{
		ID:               OrderID(uuid.NewString()),
		OwnerID:          in.OwnerID,
		ProductID:        in.ProductID,
		CourseID:         in.CourseID,
		OrganizationID:   in.OrganizationID,
		State:            StateDraft,
		Total:            total,
		BillingAddressID: in.BillingAddressID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.Orders.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	var submitted *Order
	err = e.Orders.WithOrder(ctx, o.ID, func(ctx context.Context, o *Order) error {
		if err := e.submit(ctx, o, in); err != nil {
			return err
		}
		submitted = o
		return nil
	})
	if err != nil {
		e.abandonCheckout(ctx, o.ID)
		return nil, err
	}

	e.notifyIfSettled(ctx, submitted)
	return submitted, nil
}

// abandonCheckout cancels the freshly created order after a failed
// submission, so the duplicate-order guard does not hold the (owner, course,
// product) slot for an order that never got anywhere. The rolled-back order
// is still in draft; best-effort, a failure here just leaves a draft the
// learner can cancel.
func (e *Engine) abandonCheckout(ctx context.Context, orderID OrderID) {
	err := e.Orders.WithOrder(ctx, orderID, func(ctx context.Context, o *Order) error {
		return o.transition(StateCanceled, e.Now())
	})
	if err != nil {
		e.Log.WithError(err).WithField("order", orderID).Warn("failed to cancel abandoned checkout")
	}
}

// submit runs inside the checkout unit of work: draft -> submitted, then
// either straight to no_payment (free) or to pending with a fresh schedule
// and the first charge initiated.
func (e *Engine) submit(ctx context.Context, o *Order, in CheckoutInput) error {
	now := e.Now()

	if err := o.transition(StateSubmitted, now); err != nil {
		return err
	}

	if !o.Total.IsPositive() {
		// Free order: no invoice, no schedule, settle right away.
		if err := o.transition(StateNoPayment, now); err != nil {
			return err
		}
		return e.Hooks.OnSettle(ctx, o)
	}

	o.MainInvoiceRef = InvoiceRef("INV-" + uuid.NewString())

	cfg := e.Schedule
	if !in.SplitPayment {
		cfg = FullPaymentConfig()
	}
	schedule, err := BuildSchedule(o.Total, cfg, now)
	if err != nil {
		return err
	}
	o.Schedule = schedule
	if err := VerifySchedule(o); err != nil {
		return err
	}

	if err := o.transition(StatePending, now); err != nil {
		return err
	}

	return e.chargeLocked(ctx, o, &o.Schedule[0], in.CardRef)
}

// grossPrice applies the flat VAT rate to a net catalog price.
func (e *Engine) grossPrice(net decimal.Decimal) decimal.Decimal {
	if e.VATRate.IsZero() {
		return net.Round(2)
	}
	factor := decimal.NewFromInt(1).Add(e.VATRate.Div(decimal.NewFromInt(100)))
	return net.Mul(factor).Round(2)
}

// validateCourseLink checks the product actually grants the requested course.
func (e *Engine) validateCourseLink(ctx context.Context, product *catalog.Product, courseID catalog.CourseID) error {
	relations, err := e.Catalog.ListTargetRelations(ctx, product.ID)
	if err != nil {
		return err
	}
	for _, rel := range relations {
		if rel.CourseID == courseID {
			return nil
		}
	}
	return ErrProductNotLinkedToCourse
}

// =============================================================================
// PAYMENT OUTCOMES
// =============================================================================

// ApplyOutcome records a provider-reported outcome for one installment and
// recomputes the order state. Duplicate reports are no-ops.
func (e *Engine) ApplyOutcome(ctx context.Context, orderID OrderID, installmentID InstallmentID, outcome Outcome, providerRef string) (*Order, error) {
	var updated *Order
	err := e.Orders.WithOrder(ctx, orderID, func(ctx context.Context, o *Order) error {
		if err := e.applyOutcomeLocked(ctx, o, installmentID, outcome, providerRef); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyIfSettled(ctx, updated)
	return updated, nil
}

// ReportPaymentOutcome is the webhook entry point: it resolves the provider
// reference to an installment, then applies the outcome.
func (e *Engine) ReportPaymentOutcome(ctx context.Context, providerRef string, outcome Outcome) (*Order, error) {
	orderID, installmentID, err := e.Orders.FindByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	return e.ApplyOutcome(ctx, orderID, installmentID, outcome, providerRef)
}

// applyOutcomeLocked is the installment processor. Runs inside a unit of
// work; the caller commits or rolls back.
func (e *Engine) applyOutcomeLocked(ctx context.Context, o *Order, installmentID InstallmentID, outcome Outcome, providerRef string) error {
	ins := o.InstallmentByID(installmentID)
	if ins == nil {
		return ErrUnknownInstallment
	}

	target := InstallmentPaid
	if outcome == OutcomeRefused {
		target = InstallmentRefused
	}

	// Idempotent replay: the outcome was already applied.
	if ins.State == target {
		return nil
	}
	// Paid installments are immutable; a late refusal report for a charge
	// that already settled is stale provider noise, not a state change.
	if ins.State == InstallmentPaid {
		e.Log.WithFields(logrus.Fields{
			"order":       o.ID,
			"installment": ins.ID,
			"outcome":     outcome,
		}).Warn("ignoring outcome for already-paid installment")
		return nil
	}

	now := e.Now()
	if providerRef != "" {
		ins.ProviderRef = providerRef
	}

	switch outcome {
	case OutcomePaid:
		ins.State = InstallmentPaid
		next := o.recomputePaymentState()
		// Paying a middle installment while already in pending_payment keeps
		// the state; hooks fire only on genuine transitions.
		entered := next != o.State
		if entered {
			if err := o.transition(next, now); err != nil {
				return err
			}
		}
		if err := VerifySchedule(o); err != nil {
			return err
		}
		if entered {
			return e.Hooks.OnSettle(ctx, o)
		}
		return nil

	case OutcomeRefused:
		ins.State = InstallmentRefused
		// Later installments stay pending; nothing is attempted until the
		// refused one is resolved.
		if o.State != StateFailedPayment {
			if err := o.transition(StateFailedPayment, now); err != nil {
				return err
			}
		}
		return VerifySchedule(o)

	default:
		return ErrUnknownInstallment
	}
}

// chargeLocked initiates a charge for an installment inside a unit of work.
// Inline outcomes are applied immediately; pending charges just record the
// provider reference; transient gateway failures leave the installment as it
// was and are logged, never escalated into a failure state.
func (e *Engine) chargeLocked(ctx context.Context, o *Order, ins *Installment, cardRef string) error {
	result, err := e.Gateway.Charge(ctx, ChargeRequest{
		OrderID:       o.ID,
		InstallmentID: ins.ID,
		Amount:        ins.Amount,
		Owner:         o.OwnerID,
		CardRef:       cardRef,
	})
	if err != nil {
		e.Log.WithFields(logrus.Fields{
			"order":       o.ID,
			"installment": ins.ID,
			"gateway":     e.Gateway.Name(),
		}).WithError(err).Warn("charge initiation failed; awaiting provider notification or retry")
		return nil
	}

	switch result.Status {
	case ChargePaid:
		return e.applyOutcomeLocked(ctx, o, ins.ID, OutcomePaid, result.Reference)
	case ChargeRefused:
		return e.applyOutcomeLocked(ctx, o, ins.ID, OutcomeRefused, result.Reference)
	default:
		ins.ProviderRef = result.Reference
		return nil
	}
}

// =============================================================================
// RETRY
// =============================================================================

// Retry re-attempts the refused installment of a failed order. Only legal in
// failed_payment. A stored card reference selects the one-click flow.
//
// Transient gateway failures roll the unit of work back and surface as a
// CollaboratorError: the order stays in failed_payment, retryable.
func (e *Engine) Retry(ctx context.Context, orderID OrderID, cardRef string) (*Order, error) {
	var updated *Order
	err := e.Orders.WithOrder(ctx, orderID, func(ctx context.Context, o *Order) error {
		if o.State != StateFailedPayment {
			return ErrRetryNotAllowed
		}
		ins := o.RefusedInstallment()
		if ins == nil {
			return ErrNothingToRetry
		}

		result, err := e.Gateway.Charge(ctx, ChargeRequest{
			OrderID:       o.ID,
			InstallmentID: ins.ID,
			Amount:        ins.Amount,
			Owner:         o.OwnerID,
			CardRef:       cardRef,
		})
		if err != nil {
			return &CollaboratorError{Collaborator: e.Gateway.Name(), Op: "charge", Err: err}
		}

		switch result.Status {
		case ChargePaid:
			if err := e.applyOutcomeLocked(ctx, o, ins.ID, OutcomePaid, result.Reference); err != nil {
				return err
			}
		case ChargeRefused:
			// Refused again: installment already refused, state unchanged.
		default:
			// Outcome will arrive through the webhook under this reference.
			ins.ProviderRef = result.Reference
		}

		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyIfSettled(ctx, updated)
	return updated, nil
}

// =============================================================================
// DUE INSTALLMENTS
// =============================================================================

// ChargeNextDue initiates the charge for the earliest pending installment
// whose due date has arrived. Orders not awaiting payment, schedules with
// nothing due yet, and installments already awaiting a provider outcome are
// all no-ops, so the payment sweep can call this blindly on every order.
//
// Failed orders are excluded: the refused installment blocks the schedule
// until a retry resolves it.
func (e *Engine) ChargeNextDue(ctx context.Context, orderID OrderID) (*Order, error) {
	var updated *Order
	err := e.Orders.WithOrder(ctx, orderID, func(ctx context.Context, o *Order) error {
		updated = o
		if o.State != StatePending && o.State != StatePendingPayment {
			return nil
		}
		ins := o.FirstPendingInstallment()
		if ins == nil || ins.DueDate.After(e.Now()) {
			return nil
		}
		if ins.ProviderRef != "" {
			// Charge already initiated; the outcome arrives via the webhook.
			return nil
		}
		// Empty card reference: the provider charges the card on file.
		return e.chargeLocked(ctx, o, ins, "")
	})
	if err != nil {
		return nil, err
	}

	e.notifyIfSettled(ctx, updated)
	return updated, nil
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel terminates a non-terminal order and deactivates the enrollments it
// provisioned. Canceling an already-canceled order is an idempotent no-op;
// canceling a completed or no_payment order is a caller error.
func (e *Engine) Cancel(ctx context.Context, orderID OrderID) (*Order, error) {
	var updated *Order
	err := e.Orders.WithOrder(ctx, orderID, func(ctx context.Context, o *Order) error {
		updated = o
		if o.State == StateCanceled {
			return nil
		}
		if err := o.transition(StateCanceled, e.Now()); err != nil {
			return err
		}
		return e.Hooks.OnCancel(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) notifyIfSettled(ctx context.Context, o *Order) {
	if e.Notifier == nil || o == nil || !o.State.Settled() {
		return
	}
	e.Notifier.NotifySettled(ctx, o)
}

/*
machine.go - Order lifecycle state machine

PURPOSE:
  Encodes the legal order transitions and validates every state change
  against them. State changes happen nowhere else: the engine calls
  transition() and the transitions map is the single source of truth.

LIFECYCLE:

  draft ──▶ submitted ──▶ pending ──▶ pending_payment ──▶ completed
                │            │      ▲        │
                │            │      │        ▼
                │            │      └── failed_payment ──▶ completed
                ▼            ▼
           no_payment     completed (single-installment schedule)

  canceled is reachable from every non-terminal state.
  Terminal: no_payment, completed, canceled.

IDEMPOTENT REPLAYS:
  Re-entering the current state is not listed as a transition. The processor
  detects replays (duplicate webhooks) before asking for a transition, so the
  machine itself can stay strict.

SEE ALSO:
  - types.go:  State constants
  - engine.go: guard checks and side-effect dispatch around transitions
*/
package order

import "time"

// transitions defines the valid target states for each state.
// Terminal states map to an empty list.
var transitions = map[State][]State{
	StateDraft:          {StateSubmitted, StateCanceled},
	StateSubmitted:      {StateNoPayment, StatePending, StateCanceled},
	StatePending:        {StatePendingPayment, StateFailedPayment, StateCompleted, StateCanceled},
	StatePendingPayment: {StateFailedPayment, StateCompleted, StateCanceled},
	StateFailedPayment:  {StatePendingPayment, StateCompleted, StateCanceled},
	StateNoPayment:      {},
	StateCompleted:      {},
	StateCanceled:       {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the order to the target state or fails with an
// InvalidTransitionError, leaving the order unchanged.
func (o *Order) transition(to State, at time.Time) error {
	if !CanTransition(o.State, to) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.State, To: to}
	}
	o.State = to
	o.UpdatedAt = at
	return nil
}

// recomputePaymentState derives the target state after an installment was
// paid. A refused installment pins the order in failed_payment - only paying
// that installment itself can leave the state. Otherwise the order is
// completed once nothing is pending anymore, pending_payment while
// installments remain.
func (o *Order) recomputePaymentState() State {
	if o.RefusedInstallment() != nil {
		return StateFailedPayment
	}
	if o.HasPendingInstallment() {
		return StatePendingPayment
	}
	return StateCompleted
}

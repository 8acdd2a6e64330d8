/*
store.go - Persistence interface for orders

PURPOSE:
  Defines the contract between the engine and the database. The crucial part
  is WithOrder: an exclusive unit of work on a single order. A concurrent
  webhook and retry must never both observe "installment pending" and both
  transition it, so every mutation - schedule edits, state transitions,
  settlement side effects - happens inside WithOrder while the order row is
  exclusively held.

UNIT OF WORK CONTRACT:
  WithOrder(ctx, id, fn):
  - loads the order under an exclusive lock (SQL: a write transaction on the
    order row; memory: a per-order mutex)
  - hands fn a mutable working copy
  - persists the copy and commits when fn returns nil
  - discards everything when fn returns an error - partial application is
    impossible

IMPLEMENTATIONS:
  - store/sqlite: production, BEGIN IMMEDIATE write transactions
  - store/memory: tests and demos

SEE ALSO:
  - engine.go: every operation runs through WithOrder
*/
package order

import "context"

// Store persists orders and their schedules.
type Store interface {
	// CreateOrder inserts a new order. Fails with ErrDuplicateOrder when a
	// non-canceled order already exists for (owner, course, product).
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrder returns a copy of the order or ErrOrderNotFound.
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// WithOrder runs fn inside an exclusive unit of work on the order.
	// The order passed to fn is a working copy; it is persisted atomically
	// when fn returns nil and discarded when fn returns an error.
	WithOrder(ctx context.Context, id OrderID, fn func(ctx context.Context, o *Order) error) error

	// FindByProviderRef resolves a payment-provider reference to the order
	// and installment a charge was initiated for. ErrUnknownProviderRef when
	// no installment carries the reference.
	FindByProviderRef(ctx context.Context, ref string) (OrderID, InstallmentID, error)

	// ListByOwner returns every order of a learner, canceled included.
	ListByOwner(ctx context.Context, owner LearnerID) ([]*Order, error)

	// ListByState returns orders currently in the given state.
	ListByState(ctx context.Context, state State) ([]*Order, error)
}

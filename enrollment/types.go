/*
Package enrollment manages learner enrollments as a side effect of order
settlement.

PURPOSE:
  When an order settles, the learner must gain access to the product's target
  courses; when it is canceled, that access must be withdrawn - unless
  something else still entitles the learner to it. This package owns both
  rules. Enrollments are never deleted: deactivation flips is_active and
  keeps the history.

KEY CONCEPTS:
  - Enrollment: learner <-> course run link. At most one active enrollment
    per (owner, course) at a time.
  - WasCreatedByOrder: provenance flag separating order-provisioned
    enrollments from free self-service ones. Cancellation only touches the
    enrollments the canceled order created.

SEE ALSO:
  - manager.go: the OnSettle / OnCancel logic
  - order/engine.go: where the hooks are invoked
*/
package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/order"
)

type EnrollmentID string

// Enrollment links a learner to a course run.
type Enrollment struct {
	ID          EnrollmentID
	OwnerID     order.LearnerID
	CourseRunID catalog.CourseRunID

	IsActive bool

	// WasCreatedByOrder marks order-provisioned enrollments.
	WasCreatedByOrder bool

	// CreatedByOrderID is the provisioning order, empty for self-service
	// enrollments.
	CreatedByOrderID order.OrderID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrEnrollmentNotFound is returned when a referenced enrollment doesn't exist.
var ErrEnrollmentNotFound = errors.New("enrollment not found")

// Store persists enrollments.
// Implementations: store/memory, store/sqlite.
type Store interface {
	// Find returns the learner's enrollment on a run, or nil when none exists.
	Find(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID) (*Enrollment, error)

	// Save inserts or updates an enrollment.
	Save(ctx context.Context, e *Enrollment) error

	// ListByOrder returns the enrollments a given order provisioned.
	ListByOrder(ctx context.Context, id order.OrderID) ([]*Enrollment, error)
}

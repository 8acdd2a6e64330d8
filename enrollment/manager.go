/*
manager.go - Enrollment side-effect manager

PURPOSE:
  Implements order.SettlementHooks. Settlement provisions enrollments on the
  product's target courses; cancellation withdraws them, but only when no
  other entitlement keeps them alive.

SETTLE RULES (OnSettle):
  For each target-course relation of the order's product:
  - exactly one eligible run  -> create or reactivate an enrollment on it,
                                 flagged was_created_by_order
  - several eligible runs     -> leave the choice to the learner (a separate
                                 enrollment API, out of scope here)
  - zero eligible runs        -> nothing to provision
  OnSettle is idempotent: re-settling (e.g. completed after pending_payment)
  finds the enrollments already active and leaves them alone.

CANCEL RULES (OnCancel):
  For each enrollment this order created:
  - run openly listed for free enrollment        -> keep active
  - another non-canceled order grants the course -> keep active
  - otherwise                                    -> deactivate (never delete)

SEE ALSO:
  - order/engine.go: hook invocation inside the unit of work
  - catalog/catalog.go: TargetCourseRelation.EligibleRuns
*/
package enrollment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/order"
)

// OrderReader is the slice of order storage the manager needs to decide
// whether another order still entitles a learner to a course.
type OrderReader interface {
	ListByOwner(ctx context.Context, owner order.LearnerID) ([]*order.Order, error)
}

// Manager applies enrollment side effects of order settlement/cancellation.
type Manager struct {
	Enrollments Store
	Catalog     catalog.Store
	Orders      OrderReader

	Now func() time.Time
	Log logrus.FieldLogger
}

func NewManager(enrollments Store, cat catalog.Store, orders OrderReader) *Manager {
	return &Manager{
		Enrollments: enrollments,
		Catalog:     cat,
		Orders:      orders,
		Now:         time.Now,
		Log:         logrus.StandardLogger(),
	}
}

var _ order.SettlementHooks = (*Manager)(nil)

// OnSettle provisions enrollments for every target course with exactly one
// eligible run.
func (m *Manager) OnSettle(ctx context.Context, o *order.Order) error {
	relations, err := m.Catalog.ListTargetRelations(ctx, o.ProductID)
	if err != nil {
		return err
	}

	now := m.Now()
	for _, rel := range relations {
		runs, err := m.Catalog.ListCourseRuns(ctx, rel.CourseID)
		if err != nil {
			return err
		}
		eligible := rel.EligibleRuns(runs, now)
		if len(eligible) != 1 {
			// Zero runs: nothing to provision. Several runs: the learner
			// picks one through the explicit enrollment API.
			continue
		}
		if err := m.provision(ctx, o, eligible[0].ID, now); err != nil {
			return err
		}
	}
	return nil
}

// provision creates or reactivates the learner's enrollment on a run.
func (m *Manager) provision(ctx context.Context, o *order.Order, run catalog.CourseRunID, now time.Time) error {
	existing, err := m.Enrollments.Find(ctx, o.OwnerID, run)
	if err != nil {
		return err
	}

	if existing != nil {
		if existing.IsActive && existing.WasCreatedByOrder && existing.CreatedByOrderID == o.ID {
			return nil // already provisioned by this order
		}
		existing.IsActive = true
		existing.WasCreatedByOrder = true
		existing.CreatedByOrderID = o.ID
		existing.UpdatedAt = now
		return m.Enrollments.Save(ctx, existing)
	}

	return m.Enrollments.Save(ctx, &Enrollment{
		ID:                EnrollmentID(uuid.NewString()),
		OwnerID:           o.OwnerID,
		CourseRunID:       run,
		IsActive:          true,
		WasCreatedByOrder: true,
		CreatedByOrderID:  o.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// OnCancel deactivates the enrollments this order created, unless the run is
// freely listed or another non-canceled order of the learner still grants the
// course.
func (m *Manager) OnCancel(ctx context.Context, o *order.Order) error {
	provisioned, err := m.Enrollments.ListByOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if len(provisioned) == 0 {
		return nil
	}

	now := m.Now()
	for _, enr := range provisioned {
		if !enr.IsActive {
			continue
		}

		run, err := m.Catalog.GetCourseRun(ctx, enr.CourseRunID)
		if err != nil {
			return err
		}
		if run.IsListed {
			continue // freely available anyway, keep the enrollment
		}

		granted, err := m.courseStillGranted(ctx, o, run.CourseID)
		if err != nil {
			return err
		}
		if granted {
			continue
		}

		enr.IsActive = false
		enr.UpdatedAt = now
		if err := m.Enrollments.Save(ctx, enr); err != nil {
			return err
		}
		m.Log.WithFields(logrus.Fields{
			"order":      o.ID,
			"enrollment": enr.ID,
			"run":        enr.CourseRunID,
		}).Info("enrollment deactivated on order cancellation")
	}
	return nil
}

// courseStillGranted reports whether any other non-canceled order of the same
// learner targets the course.
func (m *Manager) courseStillGranted(ctx context.Context, canceled *order.Order, courseID catalog.CourseID) (bool, error) {
	others, err := m.Orders.ListByOwner(ctx, canceled.OwnerID)
	if err != nil {
		return false, err
	}
	for _, other := range others {
		if other.ID == canceled.ID || other.State == order.StateCanceled {
			continue
		}
		relations, err := m.Catalog.ListTargetRelations(ctx, other.ProductID)
		if err != nil {
			return false, err
		}
		for _, rel := range relations {
			if rel.CourseID == courseID {
				return true, nil
			}
		}
	}
	return false, nil
}

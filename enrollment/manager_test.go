package enrollment_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
	"github.com/openedu/settlement-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*enrollment.Manager, *memory.Store) {
	t.Helper()

	store := memory.New()
	manager := enrollment.NewManager(store, store, store)
	manager.Now = func() time.Time { return testNow }
	return manager, store
}

func run(id, courseID string, listed bool, open bool) catalog.CourseRun {
	start := testNow.AddDate(0, -1, 0)
	end := testNow.AddDate(0, 1, 0)
	if !open {
		end = testNow.AddDate(0, 0, -7) // enrollment window already closed
	}
	return catalog.CourseRun{
		ID:              catalog.CourseRunID(id),
		CourseID:        catalog.CourseID(courseID),
		EnrollmentStart: start,
		EnrollmentEnd:   end,
		IsListed:        listed,
		Start:           start,
		End:             testNow.AddDate(0, 6, 0),
	}
}

// seed creates a product granting course-1 and the given runs.
func seed(t *testing.T, store *memory.Store, runs ...catalog.CourseRun) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveCourse(ctx, catalog.Course{ID: "course-1", Code: "C-1", Title: "Course One"}))
	require.NoError(t, store.SaveProduct(ctx, catalog.Product{
		ID: "product-1", Type: catalog.ProductTypeAccess, Title: "Access",
		Price: decimal.Zero, Currency: "EUR",
	}))
	require.NoError(t, store.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
		ProductID: "product-1", CourseID: "course-1", Position: 0,
	}))
	for _, r := range runs {
		require.NoError(t, store.SaveCourseRun(ctx, r))
	}
}

// settledOrder stores a no_payment order for alice on product-1.
func settledOrder(t *testing.T, store *memory.Store, id string) *order.Order {
	t.Helper()

	o := &order.Order{
		ID:        order.OrderID(id),
		OwnerID:   "alice",
		ProductID: "product-1",
		CourseID:  "course-1",
		State:     order.StateNoPayment,
		Total:     order.MustMoney("0", "EUR"),
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestOnSettle_SingleEligibleRun_Provisions(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, true))
	o := settledOrder(t, store, "order-1")

	require.NoError(t, manager.OnSettle(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	require.NotNil(t, enr)
	assert.True(t, enr.IsActive)
	assert.True(t, enr.WasCreatedByOrder)
	assert.Equal(t, o.ID, enr.CreatedByOrderID)
}

func TestOnSettle_MultipleEligibleRuns_LeavesChoiceToLearner(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store,
		run("run-1", "course-1", false, true),
		run("run-2", "course-1", false, true))
	o := settledOrder(t, store, "order-1")

	require.NoError(t, manager.OnSettle(context.Background(), o))

	for _, id := range []catalog.CourseRunID{"run-1", "run-2"} {
		enr, err := store.Find(context.Background(), "alice", id)
		require.NoError(t, err)
		assert.Nil(t, enr, "no run may be auto-picked when several are eligible")
	}
}

func TestOnSettle_NoOpenRun_NothingProvisioned(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, false))
	o := settledOrder(t, store, "order-1")

	require.NoError(t, manager.OnSettle(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.Nil(t, enr)
}

func TestOnSettle_Idempotent(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, true))
	o := settledOrder(t, store, "order-1")

	require.NoError(t, manager.OnSettle(context.Background(), o))
	first, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)

	// Re-settling (pending_payment -> completed) finds the enrollment active.
	require.NoError(t, manager.OnSettle(context.Background(), o))
	second, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "no pointless rewrite")
}

func TestOnSettle_ReactivatesDeactivatedEnrollment(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, true))
	o := settledOrder(t, store, "order-1")

	// A previously deactivated enrollment exists for the run.
	require.NoError(t, store.Save(context.Background(), &enrollment.Enrollment{
		ID: "enr-old", OwnerID: "alice", CourseRunID: "run-1",
		IsActive: false, CreatedAt: testNow.AddDate(0, -3, 0), UpdatedAt: testNow.AddDate(0, -3, 0),
	}))

	require.NoError(t, manager.OnSettle(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.Equal(t, enrollment.EnrollmentID("enr-old"), enr.ID, "reactivated, not duplicated")
	assert.True(t, enr.IsActive)
	assert.Equal(t, o.ID, enr.CreatedByOrderID)
}

func TestOnSettle_RestrictedRuns_OnlySubsetEligible(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store,
		run("run-1", "course-1", false, true),
		run("run-2", "course-1", false, true))

	// Narrow the relation to run-2 only: it becomes the single eligible run.
	require.NoError(t, store.SaveTargetRelation(context.Background(), catalog.TargetCourseRelation{
		ProductID: "product-1", CourseID: "course-1", Position: 0,
		RestrictedRunIDs: []catalog.CourseRunID{"run-2"},
	}))
	o := settledOrder(t, store, "order-1")

	require.NoError(t, manager.OnSettle(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-2")
	require.NoError(t, err)
	require.NotNil(t, enr)
	assert.True(t, enr.IsActive)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestOnCancel_DeactivatesOrderProvisionedEnrollment(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, true))
	o := settledOrder(t, store, "order-1")
	require.NoError(t, manager.OnSettle(context.Background(), o))

	o.State = order.StateCanceled
	require.NoError(t, manager.OnCancel(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	require.NotNil(t, enr, "enrollments are deactivated, never deleted")
	assert.False(t, enr.IsActive)
}

func TestOnCancel_KeepsEnrollmentOnListedRun(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", true, true))
	o := settledOrder(t, store, "order-1")
	require.NoError(t, manager.OnSettle(context.Background(), o))

	o.State = order.StateCanceled
	require.NoError(t, manager.OnCancel(context.Background(), o))

	enr, err := store.Find(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, enr.IsActive, "listed runs are freely available; keep the enrollment")
}

func TestOnCancel_KeepsEnrollmentWhenAnotherOrderGrantsCourse(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store, run("run-1", "course-1", false, true))
	ctx := context.Background()

	// A second product also granting course-1, bought by alice as well.
	require.NoError(t, store.SaveProduct(ctx, catalog.Product{
		ID: "product-2", Type: catalog.ProductTypeAccess, Title: "Other Access",
		Price: decimal.Zero, Currency: "EUR",
	}))
	require.NoError(t, store.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
		ProductID: "product-2", CourseID: "course-1", Position: 0,
	}))

	o := settledOrder(t, store, "order-1")
	require.NoError(t, store.CreateOrder(ctx, &order.Order{
		ID: "order-2", OwnerID: "alice", ProductID: "product-2", CourseID: "course-1",
		State: order.StateNoPayment, Total: order.MustMoney("0", "EUR"),
		CreatedAt: testNow, UpdatedAt: testNow,
	}))
	require.NoError(t, manager.OnSettle(ctx, o))

	o.State = order.StateCanceled
	require.NoError(t, manager.OnCancel(ctx, o))

	enr, err := store.Find(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, enr.IsActive, "order-2 still entitles alice to the course")
}

func TestOnCancel_NothingProvisioned_NoOp(t *testing.T) {
	manager, store := newTestManager(t)
	seed(t, store)
	o := settledOrder(t, store, "order-1")

	o.State = order.StateCanceled
	assert.NoError(t, manager.OnCancel(context.Background(), o))
}

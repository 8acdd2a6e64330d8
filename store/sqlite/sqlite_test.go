/*
Tests for the SQLite store.

Every test opens a fresh :memory: database, so the suite exercises the real
schema, the unique indexes and the unit-of-work transaction semantics without
touching the filesystem.
*/
package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
	"github.com/openedu/settlement-engine/store/sqlite"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedCourseRun inserts the course and course run the enrollment fixtures
// reference, satisfying the enrollments.course_run_id foreign key.
func seedCourseRun(t *testing.T, store *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SaveCourse(ctx, catalog.Course{ID: "course-1", Code: "GO-101", Title: "Go Basics"}))
	require.NoError(t, store.SaveCourseRun(ctx, catalog.CourseRun{
		ID:              "run-1",
		CourseID:        "course-1",
		EnrollmentStart: testNow.Add(-24 * time.Hour),
		EnrollmentEnd:   testNow.Add(24 * time.Hour),
		Start:           testNow,
		End:             testNow.Add(30 * 24 * time.Hour),
	}))
}

func newOrder(id, owner string) *order.Order {
	return &order.Order{
		ID:               order.OrderID(id),
		OwnerID:          order.LearnerID(owner),
		ProductID:        "product-1",
		CourseID:         "course-1",
		State:            order.StatePending,
		Total:            order.MustMoney("100.00", "EUR"),
		BillingAddressID: "addr-1",
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
}

func installment(id, ref string, state order.InstallmentState, amount string) order.Installment {
	return order.Installment{
		ID:          order.InstallmentID(id),
		Amount:      order.MustMoney(amount, "EUR"),
		DueDate:     testNow,
		State:       state,
		ProviderRef: ref,
	}
}

// =============================================================================
// ORDER STORE
// =============================================================================

func TestCreateOrder_RoundTripWithSchedule(t *testing.T) {
	// GIVEN an order with a two-installment schedule
	store := newTestStore(t)
	ctx := context.Background()

	o := newOrder("order-1", "alice")
	o.Schedule = []order.Installment{
		installment("ins-1", "ref-1", order.InstallmentPaid, "20.00"),
		installment("ins-2", "", order.InstallmentPending, "80.00"),
	}
	require.NoError(t, store.CreateOrder(ctx, o))

	// WHEN reading it back
	got, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)

	// THEN the aggregate survives intact, schedule in position order
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, order.StatePending, got.State)
	assert.True(t, got.Total.Equal(o.Total))
	require.Len(t, got.Schedule, 2)
	assert.Equal(t, order.InstallmentID("ins-1"), got.Schedule[0].ID)
	assert.Equal(t, order.InstallmentPaid, got.Schedule[0].State)
	assert.Equal(t, "ref-1", got.Schedule[0].ProviderRef)
	assert.Equal(t, "EUR", got.Schedule[1].Amount.Currency)
	assert.True(t, got.Schedule[1].Amount.Equal(order.MustMoney("80.00", "EUR")))
}

func TestGetOrder_Unknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestCreateOrder_DuplicateActiveTripletRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOrder(ctx, newOrder("order-1", "alice")))

	// Same (owner, course, product) while the first is still live.
	dup := newOrder("order-2", "alice")
	assert.ErrorIs(t, store.CreateOrder(ctx, dup), order.ErrDuplicateOrder)

	// A different owner is unaffected.
	assert.NoError(t, store.CreateOrder(ctx, newOrder("order-3", "bob")))
}

func TestCreateOrder_CanceledOrderDoesNotBlockRepurchase(t *testing.T) {
	// GIVEN a canceled order for the triplet
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOrder(ctx, newOrder("order-1", "alice")))
	err := store.WithOrder(ctx, "order-1", func(ctx context.Context, o *order.Order) error {
		o.State = order.StateCanceled
		return nil
	})
	require.NoError(t, err)

	// THEN the partial unique index lets the learner buy again
	assert.NoError(t, store.CreateOrder(ctx, newOrder("order-2", "alice")))
}

func TestWithOrder_CommitsTransitionAndSideEffectsTogether(t *testing.T) {
	// GIVEN a pending order
	store := newTestStore(t)
	ctx := context.Background()
	seedCourseRun(t, store)
	require.NoError(t, store.CreateOrder(ctx, newOrder("order-1", "alice")))

	// WHEN the unit of work transitions the order and writes an enrollment
	// through the same transaction context
	err := store.WithOrder(ctx, "order-1", func(txCtx context.Context, o *order.Order) error {
		o.State = order.StateCompleted
		o.UpdatedAt = testNow.Add(time.Minute)
		return store.Save(txCtx, &enrollment.Enrollment{
			ID:                enrollment.EnrollmentID(uuid.NewString()),
			OwnerID:           "alice",
			CourseRunID:       "run-1",
			IsActive:          true,
			WasCreatedByOrder: true,
			CreatedByOrderID:  "order-1",
			CreatedAt:         testNow,
			UpdatedAt:         testNow,
		})
	})
	require.NoError(t, err)

	// THEN both writes are visible after commit
	got, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StateCompleted, got.State)

	enrollments, err := store.ListByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.True(t, enrollments[0].IsActive)
}

func TestWithOrder_RollsBackEverythingOnError(t *testing.T) {
	// GIVEN a pending order
	store := newTestStore(t)
	ctx := context.Background()
	seedCourseRun(t, store)
	require.NoError(t, store.CreateOrder(ctx, newOrder("order-1", "alice")))

	// WHEN fn writes an enrollment and mutates the order but then fails
	boom := errors.New("hook failed")
	err := store.WithOrder(ctx, "order-1", func(txCtx context.Context, o *order.Order) error {
		o.State = order.StateCompleted
		if err := store.Save(txCtx, &enrollment.Enrollment{
			ID:          "enr-1",
			OwnerID:     "alice",
			CourseRunID: "run-1",
			IsActive:    true,
			CreatedAt:   testNow,
			UpdatedAt:   testNow,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN neither the transition nor the enrollment was persisted
	got, err := store.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatePending, got.State)

	enr, err := store.Find(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.Nil(t, enr)
}

func TestWithOrder_UnknownOrder(t *testing.T) {
	store := newTestStore(t)

	err := store.WithOrder(context.Background(), "nope", func(ctx context.Context, o *order.Order) error {
		t.Fatal("fn must not run for an unknown order")
		return nil
	})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestFindByProviderRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := newOrder("order-1", "alice")
	o.Schedule = []order.Installment{
		installment("ins-1", "gw-ref-1", order.InstallmentPaid, "20.00"),
		installment("ins-2", "", order.InstallmentPending, "80.00"),
	}
	require.NoError(t, store.CreateOrder(ctx, o))

	orderID, installmentID, err := store.FindByProviderRef(ctx, "gw-ref-1")
	require.NoError(t, err)
	assert.Equal(t, order.OrderID("order-1"), orderID)
	assert.Equal(t, order.InstallmentID("ins-1"), installmentID)

	// An empty ref never matches the unset rows.
	_, _, err = store.FindByProviderRef(ctx, "")
	assert.ErrorIs(t, err, order.ErrUnknownProviderRef)

	_, _, err = store.FindByProviderRef(ctx, "unknown")
	assert.ErrorIs(t, err, order.ErrUnknownProviderRef)
}

func TestListByOwnerAndState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newOrder("order-1", "alice")
	require.NoError(t, store.CreateOrder(ctx, first))

	second := newOrder("order-2", "alice")
	second.ProductID = "product-2"
	second.State = order.StateCompleted
	second.CreatedAt = testNow.Add(time.Hour)
	require.NoError(t, store.CreateOrder(ctx, second))

	require.NoError(t, store.CreateOrder(ctx, newOrder("order-3", "bob")))

	byOwner, err := store.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byOwner, 2)
	assert.Equal(t, order.OrderID("order-1"), byOwner[0].ID)
	assert.Equal(t, order.OrderID("order-2"), byOwner[1].ID)

	completed, err := store.ListByState(ctx, order.StateCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, order.OrderID("order-2"), completed[0].ID)
}

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

func TestEnrollment_SaveIsAnUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedCourseRun(t, store)

	missing, err := store.Find(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	e := &enrollment.Enrollment{
		ID:                "enr-1",
		OwnerID:           "alice",
		CourseRunID:       "run-1",
		IsActive:          true,
		WasCreatedByOrder: true,
		CreatedByOrderID:  "order-1",
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, store.Save(ctx, e))

	// Deactivation rewrites the same row, it never deletes.
	e.IsActive = false
	e.UpdatedAt = testNow.Add(time.Minute)
	require.NoError(t, store.Save(ctx, e))

	got, err := store.Find(ctx, "alice", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enrollment.EnrollmentID("enr-1"), got.ID)
	assert.False(t, got.IsActive)
	assert.Equal(t, order.OrderID("order-1"), got.CreatedByOrderID)
	assert.True(t, got.UpdatedAt.Equal(testNow.Add(time.Minute)))
}

// =============================================================================
// CERTIFICATE STORE
// =============================================================================

func TestCertificate_OrderUniquenessBacksIdempotentIssuance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetByOrder(ctx, "order-1")
	assert.ErrorIs(t, err, certificate.ErrCertificateNotFound)

	// The order the certificates reference must exist to satisfy the
	// certificates.order_id foreign key.
	require.NoError(t, store.CreateOrder(ctx, newOrder("order-1", "alice")))

	winner := &certificate.Certificate{
		ID:       "cert-1",
		OrderID:  "order-1",
		IssuedOn: testNow,
		Context:  map[string]any{"owner": "alice"},
	}
	require.NoError(t, store.Create(ctx, winner))

	// A concurrent loser hits the unique index and fetches the winner's row.
	loser := &certificate.Certificate{ID: "cert-2", OrderID: "order-1", IssuedOn: testNow}
	assert.ErrorIs(t, store.Create(ctx, loser), certificate.ErrCertificateExists)

	got, err := store.GetByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, certificate.CertificateID("cert-1"), got.ID)
	assert.Equal(t, "alice", got.Context["owner"])
	assert.True(t, got.IssuedOn.Equal(testNow))
}

// =============================================================================
// CATALOG AND GRADES
// =============================================================================

func TestCatalog_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetProduct(ctx, "nope")
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)
	_, err = store.GetCourse(ctx, "nope")
	assert.ErrorIs(t, err, catalog.ErrCourseNotFound)
	_, err = store.GetCourseRun(ctx, "nope")
	assert.ErrorIs(t, err, catalog.ErrCourseRunNotFound)

	require.NoError(t, store.SaveProduct(ctx, catalog.Product{
		ID:                      "product-1",
		Type:                    catalog.ProductTypeCertificate,
		Title:                   "Go Certificate",
		Price:                   order.MustMoney("100.00", "EUR").Value,
		Currency:                "EUR",
		CertificateDefinitionID: "def-1",
	}))
	require.NoError(t, store.SaveCourse(ctx, catalog.Course{ID: "course-1", Code: "GO-101", Title: "Go Basics"}))
	require.NoError(t, store.SaveCourseRun(ctx, catalog.CourseRun{
		ID:              "run-1",
		CourseID:        "course-1",
		EnrollmentStart: testNow.Add(-24 * time.Hour),
		EnrollmentEnd:   testNow.Add(24 * time.Hour),
		IsGradable:      true,
		Start:           testNow,
		End:             testNow.Add(30 * 24 * time.Hour),
	}))
	require.NoError(t, store.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
		ProductID:        "product-1",
		CourseID:         "course-1",
		Position:         0,
		IsGraded:         true,
		RestrictedRunIDs: []catalog.CourseRunID{"run-1"},
	}))

	product, err := store.GetProduct(ctx, "product-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.ProductTypeCertificate, product.Type)
	assert.Equal(t, catalog.CertificateDefinitionID("def-1"), product.CertificateDefinitionID)

	run, err := store.GetCourseRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, run.IsGradable)
	assert.True(t, run.EnrollmentEnd.Equal(testNow.Add(24*time.Hour)))

	runs, err := store.ListCourseRuns(ctx, "course-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)

	relations, err := store.ListTargetRelations(ctx, "product-1")
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.True(t, relations[0].IsGraded)
	assert.Equal(t, []catalog.CourseRunID{"run-1"}, relations[0].RestrictedRunIDs)

	// Saves are upserts: scenario loaders rerun them freely.
	product.Title = "Go Certificate v2"
	require.NoError(t, store.SaveProduct(ctx, *product))
	reloaded, err := store.GetProduct(ctx, "product-1")
	require.NoError(t, err)
	assert.Equal(t, "Go Certificate v2", reloaded.Title)
}

func TestGrades_RecordAndLookup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Ungraded means not passed.
	passed, err := store.Passed(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, passed)

	require.NoError(t, store.RecordGrade(ctx, "alice", "run-1", true))
	passed, err = store.Passed(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, passed)

	// A regrade overwrites the outcome.
	require.NoError(t, store.RecordGrade(ctx, "alice", "run-1", false))
	passed, err = store.Passed(ctx, "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, passed)
}

package certificate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
	"github.com/openedu/settlement-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*certificate.Service, *memory.Store) {
	t.Helper()

	store := memory.New()
	svc := certificate.NewService(store, store, store, store, store, certificate.NewJSONRenderer())
	svc.Now = func() time.Time { return testNow }
	return svc, store
}

// seedCredential builds a credential product with two graded courses and one
// ungraded, a completed order of alice's, and her provisioned enrollments on
// gradable runs.
func seedCredential(t *testing.T, store *memory.Store) order.OrderID {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.SaveProduct(ctx, catalog.Product{
		ID: "product-cred", Type: catalog.ProductTypeCredential, Title: "Credential",
		Price: decimal.RequireFromString("500.00"), Currency: "EUR",
		CertificateDefinitionID: "def-1",
	}))

	for i, spec := range []struct {
		course string
		run    string
		graded bool
	}{
		{"course-a", "run-a", true},
		{"course-b", "run-b", true},
		{"course-c", "run-c", false},
	} {
		require.NoError(t, store.SaveCourse(ctx, catalog.Course{
			ID: catalog.CourseID(spec.course), Code: spec.course, Title: spec.course,
		}))
		require.NoError(t, store.SaveCourseRun(ctx, catalog.CourseRun{
			ID: catalog.CourseRunID(spec.run), CourseID: catalog.CourseID(spec.course),
			EnrollmentStart: testNow.AddDate(0, -1, 0), EnrollmentEnd: testNow.AddDate(0, 1, 0),
			IsGradable: true,
			Start:      testNow.AddDate(0, -1, 0), End: testNow.AddDate(0, 6, 0),
		}))
		require.NoError(t, store.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
			ProductID: "product-cred", CourseID: catalog.CourseID(spec.course),
			Position: i, IsGraded: spec.graded,
		}))
	}

	o := &order.Order{
		ID: "order-1", OwnerID: "alice", ProductID: "product-cred", CourseID: "course-a",
		State: order.StateCompleted, Total: order.MustMoney("500.00", "EUR"),
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	require.NoError(t, store.CreateOrder(ctx, o))

	for _, run := range []catalog.CourseRunID{"run-a", "run-b", "run-c"} {
		require.NoError(t, store.Save(ctx, &enrollment.Enrollment{
			ID: enrollment.EnrollmentID("enr-" + run), OwnerID: "alice", CourseRunID: run,
			IsActive: true, WasCreatedByOrder: true, CreatedByOrderID: o.ID,
			CreatedAt: testNow, UpdatedAt: testNow,
		}))
	}
	return o.ID
}

func pass(t *testing.T, store *memory.Store, runs ...catalog.CourseRunID) {
	t.Helper()
	for _, run := range runs {
		require.NoError(t, store.RecordGrade(context.Background(), "alice", run, true))
	}
}

// =============================================================================
// ELIGIBILITY LADDER
// =============================================================================

func TestGenerate_AllGradedCoursesPassed_Issues(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b") // the ungraded course-c doesn't matter

	result, err := svc.Generate(context.Background(), orderID)
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, orderID, result.Certificate.OrderID)
	assert.Equal(t, testNow, result.Certificate.IssuedOn)
	assert.Equal(t, "alice", result.Certificate.Context["owner"])
}

func TestGenerate_FailsFastOnFirstUnpassedCourse(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-b") // course-a (position 0) not passed

	_, err := svc.Generate(context.Background(), orderID)

	var notPassed *certificate.NotPassedError
	require.ErrorAs(t, err, &notPassed)
	assert.Equal(t, catalog.CourseID("course-a"), notPassed.CourseID,
		"the walk is deterministic by relation position")
}

func TestGenerate_PartiallyPaidOrderNotCertifiable(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")
	ctx := context.Background()

	// The order still has installments outstanding.
	require.NoError(t, store.WithOrder(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.State = order.StatePendingPayment
		return nil
	}))

	_, err := svc.Generate(ctx, orderID)
	assert.ErrorIs(t, err, certificate.ErrOrderNotPaid,
		"passing every graded course does not outrun the payment schedule")
}

func TestGenerate_FreeOrderIsCertifiable(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")
	ctx := context.Background()

	require.NoError(t, store.WithOrder(ctx, orderID, func(_ context.Context, o *order.Order) error {
		o.State = order.StateNoPayment
		return nil
	}))

	result, err := svc.Generate(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, result.Created)
}

func TestGenerate_NoCertificateDefinition(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)

	p, err := store.GetProduct(context.Background(), "product-cred")
	require.NoError(t, err)
	p.CertificateDefinitionID = ""
	require.NoError(t, store.SaveProduct(context.Background(), *p))

	_, err = svc.Generate(context.Background(), orderID)
	assert.ErrorIs(t, err, certificate.ErrNoCertificateDefinition)
}

func TestGenerate_AccessProductNeverCertifiable(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)

	p, err := store.GetProduct(context.Background(), "product-cred")
	require.NoError(t, err)
	p.Type = catalog.ProductTypeAccess
	require.NoError(t, store.SaveProduct(context.Background(), *p))

	_, err = svc.Generate(context.Background(), orderID)
	assert.ErrorIs(t, err, certificate.ErrNotGradable)
}

func TestGenerate_NoGradedCourses(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	ctx := context.Background()

	// Flip both graded relations off.
	for _, course := range []catalog.CourseID{"course-a", "course-b"} {
		relations, err := store.ListTargetRelations(ctx, "product-cred")
		require.NoError(t, err)
		for _, rel := range relations {
			if rel.CourseID == course {
				rel.IsGraded = false
				require.NoError(t, store.SaveTargetRelation(ctx, rel))
			}
		}
	}

	_, err := svc.Generate(ctx, orderID)
	assert.ErrorIs(t, err, certificate.ErrNoGradedCourses)
}

func TestGenerate_RunNotGradableYet(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")
	ctx := context.Background()

	run, err := store.GetCourseRun(ctx, "run-a")
	require.NoError(t, err)
	run.IsGradable = false
	require.NoError(t, store.SaveCourseRun(ctx, *run))

	_, err = svc.Generate(ctx, orderID)
	assert.ErrorIs(t, err, certificate.ErrNotReadyForGradation)
}

func TestGenerate_NoEnrollmentForGradedCourse(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")
	ctx := context.Background()

	// Detach the enrollment on course-a from the order.
	enr, err := store.Find(ctx, "alice", "run-a")
	require.NoError(t, err)
	enr.CreatedByOrderID = ""
	enr.WasCreatedByOrder = false
	require.NoError(t, store.Save(ctx, enr))

	_, err = svc.Generate(ctx, orderID)
	assert.ErrorIs(t, err, certificate.ErrNotEnrolled)
}

func TestGenerate_GradingCollaboratorFailure(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")

	svc.Grades = failingGrades{}

	_, err := svc.Generate(context.Background(), orderID)

	var collaborator *order.CollaboratorError
	require.ErrorAs(t, err, &collaborator)
	assert.Equal(t, "grading", collaborator.Collaborator)
}

type failingGrades struct{}

func (failingGrades) Passed(context.Context, order.LearnerID, catalog.CourseRunID) (bool, error) {
	return false, errors.New("grading service unavailable")
}

// =============================================================================
// CERTIFICATE PRODUCTS
// =============================================================================

func TestGenerate_CertificateProduct_UsesOrderCourse(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	ctx := context.Background()

	p, err := store.GetProduct(ctx, "product-cred")
	require.NoError(t, err)
	p.Type = catalog.ProductTypeCertificate
	require.NoError(t, store.SaveProduct(ctx, *p))

	// Only the order's course (course-a) needs passing; course-b does not.
	pass(t, store, "run-a")

	result, err := svc.Generate(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, result.Created)
}

// =============================================================================
// IDEMPOTENT ISSUANCE
// =============================================================================

func TestGenerate_SecondCallReturnsExisting(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")
	ctx := context.Background()

	first, err := svc.Generate(ctx, orderID)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := svc.Generate(ctx, orderID)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Certificate.ID, second.Certificate.ID)
}

func TestGenerate_ConcurrentCallsIssueExactlyOne(t *testing.T) {
	svc, store := newTestService(t)
	orderID := seedCredential(t, store)
	pass(t, store, "run-a", "run-b")

	const callers = 8
	results := make([]certificate.Result, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Generate(context.Background(), orderID)
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	created := 0
	for _, result := range results {
		if result.Created {
			created++
		}
		assert.Equal(t, results[0].Certificate.ID, result.Certificate.ID,
			"every caller sees the same certificate")
	}
	assert.Equal(t, 1, created, "exactly one caller wins the insert")
}

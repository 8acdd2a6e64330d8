/*
Package catalog defines the product/course structures the settlement engine
sells access to.

PURPOSE:
  Holds the read-mostly catalog entities: products, courses, course runs and
  the target-course relations that tie a product to the courses it grants.
  The settlement engine validates orders against this data and the
  enrollment/certificate components query it when provisioning side effects.

KEY CONCEPTS:
  - Product: what is sold. Three types:
      credential:  a bundle of target courses, certifiable when graded
                   courses are passed
      certificate: a certificate for a single course
      access:      pure course access, never certifiable
  - Course/CourseRun: a course is the abstract subject; a run is a concrete
    session with enrollment and grading windows.
  - TargetCourseRelation: product -> course link, ordered by position,
    optionally restricted to a subset of runs, optionally graded.

The catalog is treated as reference data here: the engine reads it, demo
scenarios and admin tooling write it. Full catalog CRUD is a separate system.

SEE ALSO:
  - order/engine.go: checkout validation against the catalog
  - enrollment/manager.go: auto-enrollment from target relations
  - certificate/service.go: graded-course eligibility
*/
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type CourseID string
type CourseRunID string
type CertificateDefinitionID string

// =============================================================================
// PRODUCT
// =============================================================================

// ProductType determines what a purchase grants and whether it can certify.
type ProductType string

const (
	// ProductTypeCredential bundles several target courses; passing all graded
	// ones earns a certificate.
	ProductTypeCredential ProductType = "credential"

	// ProductTypeCertificate certifies a single course the learner is already
	// enrolled in.
	ProductTypeCertificate ProductType = "certificate"

	// ProductTypeAccess grants course access only. Not certifiable.
	ProductTypeAccess ProductType = "access"
)

// Product is a sellable item.
type Product struct {
	ID           ProductID
	Type         ProductType
	Title        string
	Price        decimal.Decimal
	Currency     string
	CallToAction string

	// CertificateDefinitionID is empty when the product carries no certificate.
	CertificateDefinitionID CertificateDefinitionID
}

// Certifiable reports whether the product type supports certification at all.
// Access products grant content only; requesting a certificate for one is a
// caller error, not a grading failure.
func (p Product) Certifiable() bool {
	return p.Type == ProductTypeCredential || p.Type == ProductTypeCertificate
}

// IsFree reports whether the product settles without any payment.
func (p Product) IsFree() bool {
	return !p.Price.IsPositive()
}

// =============================================================================
// COURSE & COURSE RUN
// =============================================================================

type Course struct {
	ID    CourseID
	Code  string
	Title string
}

// CourseRun is a concrete session of a course.
type CourseRun struct {
	ID       CourseRunID
	CourseID CourseID

	// Enrollment window.
	EnrollmentStart time.Time
	EnrollmentEnd   time.Time

	// IsGradable means the run can produce grades. A certificate cannot be
	// issued against a non-gradable run, whatever the learner did.
	IsGradable bool

	// IsListed means the run is openly available for free self-service
	// enrollment, independently of any order.
	IsListed bool

	Start time.Time
	End   time.Time
}

// OpenForEnrollment reports whether the run accepts enrollments at the given
// time.
func (r CourseRun) OpenForEnrollment(at time.Time) bool {
	return !at.Before(r.EnrollmentStart) && at.Before(r.EnrollmentEnd)
}

// =============================================================================
// TARGET COURSE RELATION
// =============================================================================

// TargetCourseRelation links a product to a course it grants access to.
type TargetCourseRelation struct {
	ProductID ProductID
	CourseID  CourseID

	// Position orders relations within a product. Certificate eligibility
	// walks relations in this order so failures are deterministic.
	Position int

	// IsGraded marks the course as required for certification.
	IsGraded bool

	// RestrictedRunIDs optionally narrows the eligible runs to a subset.
	// Empty means every run of the course is eligible.
	RestrictedRunIDs []CourseRunID
}

// EligibleRuns filters the given runs down to the ones this relation accepts
// for order-driven enrollment: within the restricted subset (when present)
// and open for enrollment.
func (rel TargetCourseRelation) EligibleRuns(runs []CourseRun, at time.Time) []CourseRun {
	var eligible []CourseRun
	for _, run := range runs {
		if run.CourseID != rel.CourseID {
			continue
		}
		if len(rel.RestrictedRunIDs) > 0 && !containsRun(rel.RestrictedRunIDs, run.ID) {
			continue
		}
		if !run.OpenForEnrollment(at) {
			continue
		}
		eligible = append(eligible, run)
	}
	return eligible
}

func containsRun(ids []CourseRunID, id CourseRunID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

var (
	// ErrProductNotFound is returned when a referenced product doesn't exist.
	ErrProductNotFound = errors.New("product not found")

	// ErrCourseNotFound is returned when a referenced course doesn't exist.
	ErrCourseNotFound = errors.New("course not found")

	// ErrCourseRunNotFound is returned when a referenced run doesn't exist.
	ErrCourseRunNotFound = errors.New("course run not found")
)

// Store is the read interface the engine needs over catalog data.
// Implementations: store/memory, store/sqlite.
type Store interface {
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetCourse(ctx context.Context, id CourseID) (*Course, error)
	GetCourseRun(ctx context.Context, id CourseRunID) (*CourseRun, error)

	// ListTargetRelations returns the product's relations ordered by position.
	ListTargetRelations(ctx context.Context, id ProductID) ([]TargetCourseRelation, error)

	// ListCourseRuns returns every run of the course.
	ListCourseRuns(ctx context.Context, id CourseID) ([]CourseRun, error)
}

// Writer is the write side, used by demo scenarios and seeding.
type Writer interface {
	SaveProduct(ctx context.Context, p Product) error
	SaveCourse(ctx context.Context, c Course) error
	SaveCourseRun(ctx context.Context, r CourseRun) error
	SaveTargetRelation(ctx context.Context, rel TargetCourseRelation) error
}

/*
Package certificate computes certificate eligibility and issues certificates
exactly once per order.

PURPOSE:
  A certificate proves the learner passed every graded target course of a
  credential product (or the single course of a certificate product).
  Eligibility is recomputed on demand; issuance is idempotent and race-safe:
  two concurrent requests end up with the same single persisted certificate.

KEY CONCEPTS IN THIS FILE (types.go):
  - Certificate: the issued document record, unique per order
  - GradeReader: abstract grading collaborator (may fail transiently)
  - Renderer:    abstract document renderer (pure, no engine state)
  - Store:       persistence with a create-unique-or-fetch contract

ERROR LADDER (service.go):
  ErrOrderNotPaid            -> order not fully settled yet
  ErrNoCertificateDefinition -> product carries no certificate at all
  ErrNotGradable             -> product type can never certify (access)
  ErrNoGradedCourses         -> nothing graded to assess
  ErrNotReadyForGradation    -> the run cannot produce grades yet
  NotPassedError             -> a graded course is not passed (fail-fast,
                                deterministic by relation position)

SEE ALSO:
  - service.go: eligibility walk and idempotent issuance
  - api/scheduler.go: the periodic issuance batch
*/
package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/order"
)

type CertificateID string

// Certificate is issued at most once per order.
type Certificate struct {
	ID       CertificateID
	OrderID  order.OrderID
	IssuedOn time.Time

	// Context is the opaque rendering context captured at issuance
	// (learner, product, courses). Stored so re-renders are reproducible.
	Context map[string]any
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCertificateNotFound is returned when no certificate exists for an order.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateExists is the store-level uniqueness signal: a certificate
	// for the order was created concurrently. The service resolves it by
	// fetching the winner's row.
	ErrCertificateExists = errors.New("certificate already exists for order")

	// ErrOrderNotPaid: the order has not fully settled (completed, or
	// no_payment for a free product); a partially paid schedule never
	// certifies.
	ErrOrderNotPaid = errors.New("order has not completed payment")

	// ErrNoCertificateDefinition: the product carries no certificate.
	ErrNoCertificateDefinition = errors.New("product has no certificate definition")

	// ErrNotGradable: the product type does not support certification.
	ErrNotGradable = errors.New("product type is not certifiable")

	// ErrNoGradedCourses: no graded course to assess.
	ErrNoGradedCourses = errors.New("no graded courses on this product")

	// ErrNotReadyForGradation: the course run cannot be graded at all yet.
	ErrNotReadyForGradation = errors.New("course run is not gradable yet")

	// ErrNotEnrolled: the order never provisioned an enrollment for a graded
	// course, so there is nothing to grade.
	ErrNotEnrolled = errors.New("no order-provisioned enrollment for graded course")
)

// NotPassedError reports the first graded course that is not passed.
type NotPassedError struct {
	CourseID catalog.CourseID
}

func (e *NotPassedError) Error() string {
	return fmt.Sprintf("course %s not passed", e.CourseID)
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// GradeReader is the abstract grading collaborator. Transient failures are
// wrapped into order.CollaboratorError by the service; a clean false means
// the learner did not pass.
type GradeReader interface {
	Passed(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID) (bool, error)
}

// GradeWriter records grading outcomes. Production grades come from the
// learning platform; the sandbox stores implement this so demos and tests can
// set outcomes through the admin API.
type GradeWriter interface {
	RecordGrade(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID, passed bool) error
}

// Renderer turns a rendering context into document bytes. Pure: no side
// effects on engine state.
type Renderer interface {
	Render(ctx context.Context, context map[string]any) ([]byte, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store persists certificates. Create must be guarded by a uniqueness
// constraint on the order: the loser of a concurrent create gets
// ErrCertificateExists and fetches the winner's row.
type Store interface {
	Create(ctx context.Context, c *Certificate) error
	GetByOrder(ctx context.Context, id order.OrderID) (*Certificate, error)
}

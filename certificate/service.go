/*
service.go - Certificate eligibility and issuance

PURPOSE:
  Generate() walks the graded target courses of an order in relation-position
  order, fails fast on the first blocker, and issues the certificate exactly
  once. A second call - sequential or concurrent - returns the existing
  certificate with Created=false so callers can answer 200 instead of 201.

RACE SAFETY:
  Issuance relies on the store's uniqueness constraint per order: both
  concurrent callers render, one insert wins, the loser fetches the winner's
  row. No lock on the order is needed because Generate never mutates the
  schedule or the order state.

SEE ALSO:
  - types.go: error ladder and collaborator interfaces
  - store/sqlite/sqlite.go: the unique index backing Create
*/
package certificate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
)

// OrderReader is the slice of order storage the service needs.
type OrderReader interface {
	GetOrder(ctx context.Context, id order.OrderID) (*order.Order, error)
}

// Result reports whether the certificate was freshly created or already
// existed, so the API can distinguish 201 from 200.
type Result struct {
	Certificate *Certificate
	Created     bool
}

// Service computes eligibility and issues certificates.
type Service struct {
	Certificates Store
	Catalog      catalog.Store
	Enrollments  enrollment.Store
	Orders       OrderReader
	Grades       GradeReader
	Renderer     Renderer

	Now func() time.Time
	Log logrus.FieldLogger
}

func NewService(certs Store, cat catalog.Store, enrollments enrollment.Store, orders OrderReader, grades GradeReader, renderer Renderer) *Service {
	return &Service{
		Certificates: certs,
		Catalog:      cat,
		Enrollments:  enrollments,
		Orders:       orders,
		Grades:       grades,
		Renderer:     renderer,
		Now:          time.Now,
		Log:          logrus.StandardLogger(),
	}
}

// Generate issues the order's certificate, or returns the existing one.
func (s *Service) Generate(ctx context.Context, orderID order.OrderID) (Result, error) {
	o, err := s.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	// Certification requires the order fully settled: completed for priced
	// products, no_payment for free ones. A partially paid schedule does not
	// qualify even when every graded course is passed.
	if o.State != order.StateCompleted && o.State != order.StateNoPayment {
		return Result{}, ErrOrderNotPaid
	}

	product, err := s.Catalog.GetProduct(ctx, o.ProductID)
	if err != nil {
		return Result{}, err
	}
	if product.CertificateDefinitionID == "" {
		return Result{}, ErrNoCertificateDefinition
	}
	if !product.Certifiable() {
		return Result{}, ErrNotGradable
	}

	graded, err := s.gradedCourses(ctx, o, product)
	if err != nil {
		return Result{}, err
	}
	if len(graded) == 0 {
		return Result{}, ErrNoGradedCourses
	}

	// Fail-fast eligibility walk, deterministic by relation position.
	for _, courseID := range graded {
		if err := s.assertPassed(ctx, o, courseID); err != nil {
			return Result{}, err
		}
	}

	return s.issue(ctx, o, product)
}

// gradedCourses resolves the courses whose completion is required:
// every graded target course for credential products, the order's single
// course for certificate products.
func (s *Service) gradedCourses(ctx context.Context, o *order.Order, product *catalog.Product) ([]catalog.CourseID, error) {
	if product.Type == catalog.ProductTypeCertificate {
		return []catalog.CourseID{o.CourseID}, nil
	}

	relations, err := s.Catalog.ListTargetRelations(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	var graded []catalog.CourseID
	for _, rel := range relations {
		if rel.IsGraded {
			graded = append(graded, rel.CourseID)
		}
	}
	return graded, nil
}

// assertPassed resolves the order-provisioned enrollment for the course and
// queries the grading collaborator.
func (s *Service) assertPassed(ctx context.Context, o *order.Order, courseID catalog.CourseID) error {
	enr, run, err := s.findEnrollment(ctx, o, courseID)
	if err != nil {
		return err
	}
	if !run.IsGradable {
		return ErrNotReadyForGradation
	}

	passed, err := s.Grades.Passed(ctx, enr.OwnerID, enr.CourseRunID)
	if err != nil {
		return &order.CollaboratorError{Collaborator: "grading", Op: "get grade", Err: err}
	}
	if !passed {
		return &NotPassedError{CourseID: courseID}
	}
	return nil
}

// findEnrollment locates the enrollment this order provisioned on a run of
// the course.
func (s *Service) findEnrollment(ctx context.Context, o *order.Order, courseID catalog.CourseID) (*enrollment.Enrollment, *catalog.CourseRun, error) {
	provisioned, err := s.Enrollments.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, enr := range provisioned {
		run, err := s.Catalog.GetCourseRun(ctx, enr.CourseRunID)
		if err != nil {
			return nil, nil, err
		}
		if run.CourseID == courseID {
			return enr, run, nil
		}
	}
	return nil, nil, ErrNotEnrolled
}

// issue renders and persists the certificate, upsert-or-fetch style.
func (s *Service) issue(ctx context.Context, o *order.Order, product *catalog.Product) (Result, error) {
	existing, err := s.Certificates.GetByOrder(ctx, o.ID)
	if err != nil && !errors.Is(err, ErrCertificateNotFound) {
		return Result{}, err
	}
	if existing != nil {
		return Result{Certificate: existing, Created: false}, nil
	}

	renderContext := map[string]any{
		"order":      string(o.ID),
		"owner":      string(o.OwnerID),
		"product":    string(product.ID),
		"definition": string(product.CertificateDefinitionID),
		"title":      product.Title,
	}
	if _, err := s.Renderer.Render(ctx, renderContext); err != nil {
		return Result{}, &order.CollaboratorError{Collaborator: "renderer", Op: "render certificate", Err: err}
	}

	cert := &Certificate{
		ID:       CertificateID(uuid.NewString()),
		OrderID:  o.ID,
		IssuedOn: s.Now(),
		Context:  renderContext,
	}

	err = s.Certificates.Create(ctx, cert)
	if errors.Is(err, ErrCertificateExists) {
		// Lost the race: return the winner's certificate.
		winner, getErr := s.Certificates.GetByOrder(ctx, o.ID)
		if getErr != nil {
			return Result{}, getErr
		}
		return Result{Certificate: winner, Created: false}, nil
	}
	if err != nil {
		return Result{}, err
	}

	s.Log.WithFields(logrus.Fields{
		"order":       o.ID,
		"certificate": cert.ID,
	}).Info("certificate issued")
	return Result{Certificate: cert, Created: true}, nil
}

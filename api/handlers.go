/*
handlers.go - HTTP API handlers for the order settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Orders:
    POST   /api/orders                   Checkout (create + submit order)
    GET    /api/orders?owner={id}        List orders by owner
    GET    /api/orders/{id}              Get order details
    POST   /api/orders/{id}/retry        Retry the refused installment
    POST   /api/orders/{id}/cancel       Cancel the order
    POST   /api/orders/{id}/certificate  Generate (or fetch) the certificate

  Payments:
    POST   /api/payments/webhook         Provider outcome notification

  Admin:
    POST   /api/admin/grades             Record a grading outcome (sandbox)

  Scenarios:
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Engine: order mutations (checkout, outcomes, retry, cancel)
  - Certificates: eligibility evaluation and issuance
  - Orders: read access for GET endpoints
  - Catalog: read/write access for scenario loaders
  - Grades: sandbox grade recording

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, ineligible certificate
  - 404: Resource not found
  - 409: Conflict (duplicate order, invalid transition)
  - 502: Collaborator (payment provider, renderer) failure
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/order"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Catalog combines read and write access; the write half is only used by the
// scenario loaders.
type Catalog interface {
	catalog.Store
	catalog.Writer
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine       *order.Engine
	Certificates *certificate.Service
	Orders       order.Store
	Catalog      Catalog
	Grades       certificate.GradeWriter
	Log          logrus.FieldLogger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler with the given collaborators.
func NewHandler(engine *order.Engine, certs *certificate.Service, orders order.Store, cat Catalog, grades certificate.GradeWriter) *Handler {
	return &Handler{
		Engine:       engine,
		Certificates: certs,
		Orders:       orders,
		Catalog:      cat,
		Grades:       grades,
		Log:          logrus.StandardLogger(),
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// Checkout creates an order and drives it through submission.
// POST /api/orders
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OwnerID == "" || req.ProductID == "" || req.CourseID == "" {
		writeError(w, http.StatusBadRequest, "owner_id, product_id and course_id are required", nil)
		return
	}

	o, err := h.Engine.Checkout(r.Context(), order.CheckoutInput{
		OwnerID:          order.LearnerID(req.OwnerID),
		ProductID:        catalog.ProductID(req.ProductID),
		CourseID:         catalog.CourseID(req.CourseID),
		OrganizationID:   order.OrganizationID(req.OrganizationID),
		BillingAddressID: order.AddressID(req.BillingAddressID),
		CardRef:          req.CardRef,
		SplitPayment:     req.SplitPayment,
	})
	if err != nil {
		h.writeDomainError(w, "Checkout failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

// GetOrder returns a single order with its schedule.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := order.OrderID(chi.URLParam(r, "id"))

	o, err := h.Orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// ListOrders returns the orders of an owner.
// GET /api/orders?owner={id}
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required", nil)
		return
	}

	orders, err := h.Orders.ListByOwner(r.Context(), order.LearnerID(owner))
	if err != nil {
		h.writeDomainError(w, "Failed to list orders", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTOs(orders))
}

// Retry re-attempts the refused installment of a failed_payment order.
// POST /api/orders/{id}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id := order.OrderID(chi.URLParam(r, "id"))

	var req RetryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	o, err := h.Engine.Retry(r.Context(), id, req.CardRef)
	if err != nil {
		h.writeDomainError(w, "Retry failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// Cancel cancels an order. Canceling an already-canceled order is a no-op.
// POST /api/orders/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := order.OrderID(chi.URLParam(r, "id"))

	o, err := h.Engine.Cancel(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Cancel failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// CERTIFICATE HANDLERS
// =============================================================================

// GenerateCertificate evaluates eligibility and issues the certificate.
// Returns 201 when newly issued, 200 when it already existed.
// POST /api/orders/{id}/certificate
func (h *Handler) GenerateCertificate(w http.ResponseWriter, r *http.Request) {
	id := order.OrderID(chi.URLParam(r, "id"))

	result, err := h.Certificates.Generate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Certificate generation failed", err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toCertificateDTO(result.Certificate))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PaymentWebhook applies an asynchronous charge outcome reported by the
// payment provider. Replays of an already-applied outcome return 200.
// POST /api/payments/webhook
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required", nil)
		return
	}

	var outcome order.Outcome
	switch req.Outcome {
	case string(order.OutcomePaid):
		outcome = order.OutcomePaid
	case string(order.OutcomeRefused):
		outcome = order.OutcomeRefused
	default:
		writeError(w, http.StatusBadRequest, "outcome must be 'paid' or 'refused'", nil)
		return
	}

	o, err := h.Engine.ReportPaymentOutcome(r.Context(), req.Reference, outcome)
	if err != nil {
		h.writeDomainError(w, "Failed to apply payment outcome", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RecordGrade stores a grading outcome in the sandbox grade store.
// POST /api/admin/grades
func (h *Handler) RecordGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OwnerID == "" || req.CourseRunID == "" {
		writeError(w, http.StatusBadRequest, "owner_id and course_run_id are required", nil)
		return
	}

	err := h.Grades.RecordGrade(r.Context(),
		order.LearnerID(req.OwnerID), catalog.CourseRunID(req.CourseRunID), req.Passed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record grade", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeDomainError translates domain errors into HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	var invalidTransition *order.InvalidTransitionError
	var collaborator *order.CollaboratorError
	var notPassed *certificate.NotPassedError

	switch {
	case errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, order.ErrUnknownProviderRef),
		errors.Is(err, catalog.ErrProductNotFound),
		errors.Is(err, catalog.ErrCourseNotFound),
		errors.Is(err, catalog.ErrCourseRunNotFound):
		writeError(w, http.StatusNotFound, message, err)

	case errors.Is(err, order.ErrDuplicateOrder):
		writeError(w, http.StatusConflict, message, err)

	case errors.As(err, &invalidTransition):
		writeError(w, http.StatusConflict, message, err)

	case errors.Is(err, order.ErrBillingAddressRequired),
		errors.Is(err, order.ErrProductNotLinkedToCourse),
		errors.Is(err, order.ErrRetryNotAllowed),
		errors.Is(err, order.ErrNothingToRetry),
		errors.Is(err, order.ErrUnknownInstallment):
		writeError(w, http.StatusBadRequest, message, err)

	case errors.Is(err, certificate.ErrOrderNotPaid),
		errors.Is(err, certificate.ErrNoCertificateDefinition),
		errors.Is(err, certificate.ErrNotGradable),
		errors.Is(err, certificate.ErrNoGradedCourses),
		errors.Is(err, certificate.ErrNotReadyForGradation),
		errors.Is(err, certificate.ErrNotEnrolled),
		errors.As(err, &notPassed):
		writeError(w, http.StatusBadRequest, message, err)

	case errors.As(err, &collaborator):
		writeError(w, http.StatusBadGateway, message, err)

	default:
		h.Log.WithError(err).Error("unhandled domain error")
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

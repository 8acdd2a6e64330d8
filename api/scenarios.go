/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the catalog with realistic
	data for testing and demos. Each scenario creates courses, runs,
	products and target relations demonstrating specific settlement paths.

AVAILABLE SCENARIOS:

	free-access:        A listed run and a free access product (no_payment path)
	paid-certificate:   A priced single-course certificate product
	credential-program: A three-course credential with two graded courses and
	                    an installment-friendly price

HOW SCENARIOS WORK:
 1. Save courses and runs
 2. Save products
 3. Save target relations with positions and grading flags

Loaders are upserts: loading the same scenario twice is harmless. Orders and
enrollments from earlier runs are left untouched.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "credential-program"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios write to the catalog. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: LoadScenario, ListScenarios handlers
  - catalog/catalog.go: entity definitions
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openedu/settlement-engine/catalog"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "free-access",
		Name:        "Free Access",
		Description: "Free access product on a listed run; settles as no_payment",
	},
	{
		ID:          "paid-certificate",
		Name:        "Paid Certificate",
		Description: "Priced certificate product for a single gradable course",
	},
	{
		ID:          "credential-program",
		Name:        "Credential Program",
		Description: "Three-course credential, two graded, priced for installments",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var err error
	switch req.ScenarioID {
	case "free-access":
		err = h.loadFreeAccessScenario(ctx)
	case "paid-certificate":
		err = h.loadPaidCertificateScenario(ctx)
	case "credential-program":
		err = h.loadCredentialProgramScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// openRun builds a run whose enrollment window is currently open.
func openRun(id string, courseID string, gradable, listed bool) catalog.CourseRun {
	now := time.Now()
	return catalog.CourseRun{
		ID:              catalog.CourseRunID(id),
		CourseID:        catalog.CourseID(courseID),
		EnrollmentStart: now.AddDate(0, -1, 0),
		EnrollmentEnd:   now.AddDate(0, 2, 0),
		IsGradable:      gradable,
		IsListed:        listed,
		Start:           now.AddDate(0, 0, -7),
		End:             now.AddDate(0, 6, 0),
	}
}

func (h *Handler) loadFreeAccessScenario(ctx context.Context) error {
	course := catalog.Course{ID: "course-intro", Code: "INTRO-101", Title: "Introduction to Programming"}
	if err := h.Catalog.SaveCourse(ctx, course); err != nil {
		return err
	}
	if err := h.Catalog.SaveCourseRun(ctx, openRun("run-intro-1", "course-intro", false, true)); err != nil {
		return err
	}

	product := catalog.Product{
		ID:           "product-intro-free",
		Type:         catalog.ProductTypeAccess,
		Title:        "Introduction to Programming (free access)",
		Price:        decimal.Zero,
		Currency:     "EUR",
		CallToAction: "Start learning",
	}
	if err := h.Catalog.SaveProduct(ctx, product); err != nil {
		return err
	}

	return h.Catalog.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
		ProductID: product.ID,
		CourseID:  course.ID,
		Position:  0,
	})
}

func (h *Handler) loadPaidCertificateScenario(ctx context.Context) error {
	course := catalog.Course{ID: "course-go", Code: "GO-201", Title: "Production Go"}
	if err := h.Catalog.SaveCourse(ctx, course); err != nil {
		return err
	}
	if err := h.Catalog.SaveCourseRun(ctx, openRun("run-go-1", "course-go", true, false)); err != nil {
		return err
	}

	product := catalog.Product{
		ID:                      "product-go-cert",
		Type:                    catalog.ProductTypeCertificate,
		Title:                   "Production Go Certificate",
		Price:                   decimal.RequireFromString("149.00"),
		Currency:                "EUR",
		CallToAction:            "Get certified",
		CertificateDefinitionID: "def-go-cert",
	}
	if err := h.Catalog.SaveProduct(ctx, product); err != nil {
		return err
	}

	return h.Catalog.SaveTargetRelation(ctx, catalog.TargetCourseRelation{
		ProductID: product.ID,
		CourseID:  course.ID,
		Position:  0,
		IsGraded:  true,
	})
}

func (h *Handler) loadCredentialProgramScenario(ctx context.Context) error {
	courses := []catalog.Course{
		{ID: "course-ds-1", Code: "DS-101", Title: "Data Foundations"},
		{ID: "course-ds-2", Code: "DS-201", Title: "Machine Learning"},
		{ID: "course-ds-3", Code: "DS-OPT", Title: "Ethics Workshop"},
	}
	for _, c := range courses {
		if err := h.Catalog.SaveCourse(ctx, c); err != nil {
			return err
		}
	}

	runs := []catalog.CourseRun{
		openRun("run-ds-1a", "course-ds-1", true, false),
		openRun("run-ds-2a", "course-ds-2", true, false),
		openRun("run-ds-3a", "course-ds-3", false, true),
	}
	for _, r := range runs {
		if err := h.Catalog.SaveCourseRun(ctx, r); err != nil {
			return err
		}
	}

	product := catalog.Product{
		ID:                      "product-ds-credential",
		Type:                    catalog.ProductTypeCredential,
		Title:                   "Data Science Credential",
		Price:                   decimal.RequireFromString("999.99"),
		Currency:                "EUR",
		CallToAction:            "Enroll now",
		CertificateDefinitionID: "def-ds-credential",
	}
	if err := h.Catalog.SaveProduct(ctx, product); err != nil {
		return err
	}

	relations := []catalog.TargetCourseRelation{
		{ProductID: product.ID, CourseID: "course-ds-1", Position: 0, IsGraded: true},
		{ProductID: product.ID, CourseID: "course-ds-2", Position: 1, IsGraded: true},
		{ProductID: product.ID, CourseID: "course-ds-3", Position: 2},
	}
	for _, rel := range relations {
		if err := h.Catalog.SaveTargetRelation(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

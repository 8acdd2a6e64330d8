/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Orders:
    OrderDTO, InstallmentDTO, CheckoutRequest, RetryRequest

  Payments:
    WebhookRequest

  Certificates:
    CertificateDTO

  Admin:
    GradeRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - order/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/order"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// OrderDTO represents an order in API responses.
type OrderDTO struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"owner_id"`
	ProductID      string           `json:"product_id"`
	CourseID       string           `json:"course_id"`
	OrganizationID string           `json:"organization_id,omitempty"`
	State          string           `json:"state"`
	Total          string           `json:"total"`
	Currency       string           `json:"currency"`
	MainInvoiceRef string           `json:"main_invoice_ref,omitempty"`
	Schedule       []InstallmentDTO `json:"schedule"`
	CreatedAt      string           `json:"created_at,omitempty"`
	UpdatedAt      string           `json:"updated_at,omitempty"`
}

// InstallmentDTO represents one payment schedule entry.
type InstallmentDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	DueDate     string `json:"due_date"`
	State       string `json:"state"`
	ProviderRef string `json:"provider_ref,omitempty"`
}

// CheckoutRequest is the request to create an order.
type CheckoutRequest struct {
	OwnerID          string `json:"owner_id"`
	ProductID        string `json:"product_id"`
	CourseID         string `json:"course_id"`
	OrganizationID   string `json:"organization_id,omitempty"`
	BillingAddressID string `json:"billing_address_id,omitempty"`
	CardRef          string `json:"card_ref,omitempty"`
	SplitPayment     bool   `json:"split_payment"`
}

// RetryRequest is the request to retry a refused installment,
// optionally with a different stored card.
type RetryRequest struct {
	CardRef string `json:"card_ref,omitempty"`
}

// WebhookRequest is the payment provider's asynchronous outcome notification.
type WebhookRequest struct {
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"` // "paid" or "refused"
}

// CertificateDTO represents an issued certificate.
type CertificateDTO struct {
	ID       string         `json:"id"`
	OrderID  string         `json:"order_id"`
	IssuedOn string         `json:"issued_on"`
	Context  map[string]any `json:"context"`
}

// GradeRequest records a grading outcome in the sandbox grade store.
type GradeRequest struct {
	OwnerID     string `json:"owner_id"`
	CourseRunID string `json:"course_run_id"`
	Passed      bool   `json:"passed"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toOrderDTO(o *order.Order) OrderDTO {
	schedule := make([]InstallmentDTO, len(o.Schedule))
	for i, ins := range o.Schedule {
		schedule[i] = InstallmentDTO{
			ID:          string(ins.ID),
			Amount:      ins.Amount.Value.StringFixed(2),
			DueDate:     ins.DueDate.Format("2006-01-02"),
			State:       string(ins.State),
			ProviderRef: ins.ProviderRef,
		}
	}

	return OrderDTO{
		ID:             string(o.ID),
		OwnerID:        string(o.OwnerID),
		ProductID:      string(o.ProductID),
		CourseID:       string(o.CourseID),
		OrganizationID: string(o.OrganizationID),
		State:          string(o.State),
		Total:          o.Total.Value.StringFixed(2),
		Currency:       o.Total.Currency,
		MainInvoiceRef: string(o.MainInvoiceRef),
		Schedule:       schedule,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      o.UpdatedAt.Format(time.RFC3339),
	}
}

func toOrderDTOs(orders []*order.Order) []OrderDTO {
	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	return dtos
}

func toCertificateDTO(c *certificate.Certificate) CertificateDTO {
	return CertificateDTO{
		ID:       string(c.ID),
		OrderID:  string(c.OrderID),
		IssuedOn: c.IssuedOn.Format(time.RFC3339),
		Context:  c.Context,
	}
}

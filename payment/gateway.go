/*
Package payment provides the payment gateway backends.

PURPOSE:
  The engine only knows the abstract order.PaymentGateway capability; this
  package holds the concrete backends and the registry that picks one by
  name at startup. There is no runtime reflection or configuration-driven
  dynamic dispatch: the set of backends is closed and chosen once.

BACKENDS:
  sandbox  In-process simulator. Settles charges inline by card-reference
           convention, so demos and tests can script every flow:
             card "refused-*"  -> inline refusal
             card "async-*"    -> accepted, outcome delivered later via the
                                  webhook (the caller drives it)
             anything else     -> inline success
  Real provider integrations (tokenization, card storage) are separate
  services; they talk to this engine through the webhook.

USAGE:
  gw, err := payment.New("sandbox")
  engine := order.NewEngine(store, catalog, gw, hooks)

SEE ALSO:
  - order/engine.go: PaymentGateway interface and charge handling
  - api/handlers.go: the webhook endpoint outcomes arrive through
*/
package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openedu/settlement-engine/order"
)

// =============================================================================
// REGISTRY - Closed set of backends, chosen at startup
// =============================================================================

var backends = map[string]func() order.PaymentGateway{
	"sandbox": func() order.PaymentGateway { return NewSandbox() },
}

// New returns the named backend or an error listing the known ones.
func New(name string) (order.PaymentGateway, error) {
	factory, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment backend %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return factory(), nil
}

// Names returns the registered backend names.
func Names() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// SANDBOX BACKEND
// =============================================================================

// Sandbox simulates a payment provider without any I/O.
type Sandbox struct{}

func NewSandbox() *Sandbox {
	return &Sandbox{}
}

func (s *Sandbox) Name() string { return "sandbox" }

// Charge resolves by card-reference convention. Every charge gets a fresh
// provider reference, like a real provider would issue.
func (s *Sandbox) Charge(_ context.Context, req order.ChargeRequest) (order.ChargeResult, error) {
	ref := "sandbox-" + uuid.NewString()

	switch {
	case strings.HasPrefix(req.CardRef, "refused"):
		return order.ChargeResult{Status: order.ChargeRefused, Reference: ref}, nil
	case strings.HasPrefix(req.CardRef, "async"):
		return order.ChargeResult{Status: order.ChargePending, Reference: ref}, nil
	default:
		return order.ChargeResult{Status: order.ChargePaid, Reference: ref}, nil
	}
}

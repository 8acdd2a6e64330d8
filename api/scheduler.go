/*
scheduler.go - Automated certificate issuance scheduler

PURPOSE:
  Periodically scans completed orders on certifiable products and attempts
  certificate generation for any that don't have one yet. Learners who pass
  their graded courses after completion get their certificate without having
  to call the endpoint themselves.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only considers completed orders (no_payment orders settle free access
    products, which are never certifiable through this path)
  - Eligibility failures (not passed, run not gradable yet) are expected and
    skipped quietly; the next sweep re-evaluates them
  - Issuance is idempotent, so a sweep racing the HTTP endpoint is safe

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewCertificateScheduler(orders, cat, certs)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GenerateCertificate endpoint (on-demand issuance)
  - certificate/service.go: eligibility walk and idempotent issuance
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/order"
)

// CertificateScheduler handles automated certificate issuance.
type CertificateScheduler struct {
	Orders        order.Store
	Catalog       Catalog
	Certificates  *certificate.Service
	CheckInterval time.Duration
	Enabled       bool
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCertificateScheduler creates a new scheduler.
func NewCertificateScheduler(orders order.Store, cat Catalog, certs *certificate.Service) *CertificateScheduler {
	return &CertificateScheduler{
		Orders:        orders,
		Catalog:       cat,
		Certificates:  certs,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           logrus.StandardLogger().WithField("component", "certificate-scheduler"),
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (cs *CertificateScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.Log.Info("disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.Log.WithField("interval", cs.CheckInterval).Info("started")
}

// Stop stops the scheduler.
func (cs *CertificateScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.Log.Info("stopped")
	}
}

func (cs *CertificateScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.sweep()

	for {
		select {
		case <-cs.ticker.C:
			cs.sweep()
		case <-cs.stop:
			return
		}
	}
}

func (cs *CertificateScheduler) sweep() {
	ctx := context.Background()

	completed, err := cs.Orders.ListByState(ctx, order.StateCompleted)
	if err != nil {
		cs.Log.WithError(err).Error("failed to list completed orders")
		return
	}

	issued := 0
	skipped := 0

	for _, o := range completed {
		product, err := cs.Catalog.GetProduct(ctx, o.ProductID)
		if err != nil {
			cs.Log.WithError(err).WithField("order", o.ID).Warn("failed to load product")
			continue
		}
		if !product.Certifiable() {
			continue
		}

		result, err := cs.Certificates.Generate(ctx, o.ID)
		switch {
		case err == nil:
			if result.Created {
				issued++
				cs.Log.WithFields(logrus.Fields{
					"order":       o.ID,
					"certificate": result.Certificate.ID,
				}).Info("issued certificate")
			}
		case isEligibilityFailure(err):
			// Not there yet; the next sweep re-evaluates.
			skipped++
		default:
			cs.Log.WithError(err).WithField("order", o.ID).Warn("certificate generation failed")
		}
	}

	if issued > 0 || skipped > 0 {
		cs.Log.WithFields(logrus.Fields{
			"issued":  issued,
			"skipped": skipped,
		}).Info("sweep completed")
	}
}

// isEligibilityFailure reports whether the error is an expected "not eligible
// yet" outcome rather than a fault.
func isEligibilityFailure(err error) bool {
	var notPassed *certificate.NotPassedError
	return errors.Is(err, certificate.ErrNoCertificateDefinition) ||
		errors.Is(err, certificate.ErrNoGradedCourses) ||
		errors.Is(err, certificate.ErrNotReadyForGradation) ||
		errors.Is(err, certificate.ErrNotEnrolled) ||
		errors.Is(err, certificate.ErrNotGradable) ||
		errors.As(err, &notPassed)
}

// RunNow triggers an immediate sweep (for testing/admin).
func (cs *CertificateScheduler) RunNow() {
	cs.sweep()
}

/*
payments_scheduler.go - Due-installment payment scheduler

PURPOSE:
  Periodically scans orders that are awaiting payment and initiates the
  charge for the earliest pending installment once its due date has arrived.
  Only the first installment is charged at checkout; every later one is
  charged by this sweep when it falls due.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps pending and pending_payment orders; failed_payment is excluded
    because the refused installment blocks the schedule until a retry
  - ChargeNextDue is a no-op for orders with nothing due or a charge already
    in flight, so sweeping the same order repeatedly is safe
  - Inline outcomes settle within the sweep; async outcomes arrive later
    through the payment webhook

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

SEE ALSO:
  - order/engine.go: ChargeNextDue
  - scheduler.go: the certificate scheduler this mirrors
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/order"
)

// PaymentScheduler charges due installments in the background.
type PaymentScheduler struct {
	Engine        *order.Engine
	Orders        order.Store
	CheckInterval time.Duration
	Enabled       bool
	Log           logrus.FieldLogger

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPaymentScheduler creates a new scheduler.
func NewPaymentScheduler(engine *order.Engine, orders order.Store) *PaymentScheduler {
	return &PaymentScheduler{
		Engine:        engine,
		Orders:        orders,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           logrus.StandardLogger().WithField("component", "payment-scheduler"),
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ps *PaymentScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Log.Info("disabled, not starting")
		return
	}

	ps.ticker = time.NewTicker(ps.CheckInterval)
	ps.wg.Add(1)

	go ps.run()

	ps.Log.WithField("interval", ps.CheckInterval).Info("started")
}

// Stop stops the scheduler.
func (ps *PaymentScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.Log.Info("stopped")
	}
}

func (ps *PaymentScheduler) run() {
	defer ps.wg.Done()

	// Run immediately on start
	ps.sweep()

	for {
		select {
		case <-ps.ticker.C:
			ps.sweep()
		case <-ps.stop:
			return
		}
	}
}

func (ps *PaymentScheduler) sweep() {
	ctx := context.Background()

	var awaiting []*order.Order
	for _, state := range []order.State{order.StatePending, order.StatePendingPayment} {
		orders, err := ps.Orders.ListByState(ctx, state)
		if err != nil {
			ps.Log.WithError(err).WithField("state", state).Error("failed to list orders")
			return
		}
		awaiting = append(awaiting, orders...)
	}

	for _, o := range awaiting {
		if _, err := ps.Engine.ChargeNextDue(ctx, o.ID); err != nil {
			ps.Log.WithError(err).WithField("order", o.ID).Warn("charge sweep failed")
		}
	}

	if len(awaiting) > 0 {
		ps.Log.WithField("swept", len(awaiting)).Debug("sweep completed")
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ps *PaymentScheduler) RunNow() {
	ps.sweep()
}

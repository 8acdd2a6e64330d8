/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Order Settlement Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire domain components (engine, enrollment manager, certificate service)
  4. Configure HTTP router and the background schedulers
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port             HTTP server port (default: 8080)
  -db               SQLite database path (default: settlement.db)
                    Use ":memory:" for an in-memory database
  -gateway          Payment gateway backend (default: sandbox)
  -schedule         Installment split as percent:day pairs
                    (default: 20:0,30:30,30:60,20:90)
  -vat              Flat VAT percentage applied at checkout (default: 0)
  -cert-interval    Certificate scheduler sweep interval (default: 1h)
  -charge-interval  Due-installment charge sweep interval (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the background schedulers
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Run with in-memory database and 20% VAT
  ./server -db=":memory:" -vat=20

  # Two-way split
  ./server -schedule="50:0,50:30"

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/openedu/settlement-engine/api"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
	"github.com/openedu/settlement-engine/payment"
	"github.com/openedu/settlement-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "settlement.db", "SQLite database path")
	gatewayName := flag.String("gateway", "sandbox", "payment gateway backend")
	scheduleSpec := flag.String("schedule", "20:0,30:30,30:60,20:90", "installment split as percent:day pairs")
	vat := flag.Float64("vat", 0, "flat VAT percentage applied at checkout")
	certInterval := flag.Duration("cert-interval", time.Hour, "certificate scheduler sweep interval")
	chargeInterval := flag.Duration("charge-interval", time.Hour, "due-installment charge sweep interval")
	flag.Parse()

	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Payment gateway
	gateway, err := payment.New(*gatewayName)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize payment gateway")
	}

	// Installment split
	schedule, err := parseSchedule(*scheduleSpec)
	if err != nil {
		log.WithError(err).Fatal("invalid -schedule")
	}

	// Domain wiring: settlement hooks run inside the order's unit of work,
	// so the enrollment writes commit with the state transition.
	manager := enrollment.NewManager(store, store, store)

	engine := order.NewEngine(store, store, gateway, manager)
	engine.Schedule = schedule
	engine.VATRate = decimal.NewFromFloat(*vat)
	engine.Notifier = settlementLogger{log: log}

	certs := certificate.NewService(store, store, store, store, store, certificate.NewJSONRenderer())

	// HTTP layer
	handler := api.NewHandler(engine, certs, store, store, store)
	router := api.NewRouter(handler)

	// Background schedulers: due-installment charges and certificate issuance
	payments := api.NewPaymentScheduler(engine, store)
	payments.CheckInterval = *chargeInterval
	payments.Start()
	defer payments.Stop()

	scheduler := api.NewCertificateScheduler(store, store, certs)
	scheduler.CheckInterval = *certInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("server starting on http://localhost:%d", *port)
		log.Infof("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	log.Info("server stopped")
}

// settlementLogger propagates settlements to the log. A real deployment would
// notify the catalog service here instead.
type settlementLogger struct {
	log logrus.FieldLogger
}

func (n settlementLogger) NotifySettled(_ context.Context, o *order.Order) {
	n.log.WithFields(logrus.Fields{
		"order": o.ID,
		"state": o.State,
	}).Info("order settled")
}

// parseSchedule parses "percent:day,percent:day,..." into a schedule config.
func parseSchedule(spec string) (order.ScheduleConfig, error) {
	var cfg order.ScheduleConfig
	for _, part := range strings.Split(spec, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed step %q (want percent:day)", part)
		}
		percent, err := decimal.NewFromString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed percent in %q: %w", part, err)
		}
		day, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed day offset in %q: %w", part, err)
		}
		cfg = append(cfg, order.ScheduleStep{Percent: percent, DayOffset: day})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

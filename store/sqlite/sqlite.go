/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements every persistence interface (order.Store, enrollment.Store,
  certificate.Store, catalog.Store/Writer, grade store) using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

UNIT OF WORK:
  WithOrder opens a write transaction (the connection uses _txlock=immediate,
  so the transaction takes the database write lock up front - the SQLite
  equivalent of SELECT ... FOR UPDATE on the order row), loads the aggregate,
  runs fn with the transaction carried in the context, and persists the
  working copy on success. Every store method routes through the transaction
  when one is in the context, so settlement side effects (enrollment writes)
  commit or roll back together with the state transition.

KEY CONSTRAINTS:
  idx_orders_active_unique: one non-canceled order per (owner, course,
    product)
  certificates.order_id UNIQUE: at most one certificate per order; the loser
    of a concurrent create gets ErrCertificateExists and fetches the winner
  enrollments (owner_id, course_run_id) UNIQUE

WAL MODE:
  Opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - order/store.go: Interface definitions and the unit-of-work contract
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes
	// the write transactions WithOrder relies on.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		call_to_action TEXT,
		certificate_definition_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		title TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS course_runs (
		id TEXT PRIMARY KEY,
		course_id TEXT NOT NULL REFERENCES courses(id),
		enrollment_start TEXT NOT NULL,
		enrollment_end TEXT NOT NULL,
		is_gradable BOOLEAN NOT NULL DEFAULT FALSE,
		is_listed BOOLEAN NOT NULL DEFAULT FALSE,
		run_start TEXT NOT NULL,
		run_end TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_course_runs_course
		ON course_runs(course_id);

	CREATE TABLE IF NOT EXISTS target_course_relations (
		product_id TEXT NOT NULL REFERENCES products(id),
		course_id TEXT NOT NULL REFERENCES courses(id),
		position INTEGER NOT NULL,
		is_graded BOOLEAN NOT NULL DEFAULT FALSE,
		restricted_run_ids TEXT,
		PRIMARY KEY (product_id, course_id)
	);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		course_id TEXT NOT NULL,
		organization_id TEXT,
		state TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		main_invoice_ref TEXT,
		billing_address_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one non-canceled order per (owner, course, product)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_active_unique
		ON orders(owner_id, course_id, product_id)
		WHERE state != 'canceled';

	CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner_id);
	CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);

	-- Installments (at most one refused per schedule, paid is immutable)
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		position INTEGER NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT NOT NULL,
		state TEXT NOT NULL,
		provider_ref TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_installments_order
		ON installments(order_id, position);
	CREATE INDEX IF NOT EXISTS idx_installments_provider_ref
		ON installments(provider_ref) WHERE provider_ref IS NOT NULL AND provider_ref != '';

	-- Enrollments (deactivated on cancellation, never deleted)
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		course_run_id TEXT NOT NULL REFERENCES course_runs(id),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		was_created_by_order BOOLEAN NOT NULL DEFAULT FALSE,
		created_by_order_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(owner_id, course_run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_order
		ON enrollments(created_by_order_id) WHERE created_by_order_id != '';

	-- Certificates: the unique index is what makes concurrent generation safe
	CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
		issued_on TEXT NOT NULL,
		context_json TEXT NOT NULL
	);

	-- Grading outcomes recorded by the sandbox grade store
	CREATE TABLE IF NOT EXISTS grades (
		owner_id TEXT NOT NULL,
		course_run_id TEXT NOT NULL,
		passed BOOLEAN NOT NULL,
		PRIMARY KEY (owner_id, course_run_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION PLUMBING - the tx travels in the context during a unit of work
// =============================================================================

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// ORDER STORE
// =============================================================================

func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	const stmt = `
	INSERT INTO orders (id, owner_id, product_id, course_id, organization_id, state,
		total, currency, main_invoice_ref, billing_address_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(o.ID), string(o.OwnerID), string(o.ProductID), string(o.CourseID),
		string(o.OrganizationID), string(o.State),
		o.Total.Value.String(), o.Total.Currency,
		string(o.MainInvoiceRef), string(o.BillingAddressID),
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return order.ErrDuplicateOrder
		}
		return fmt.Errorf("create order: %w", err)
	}
	return s.saveInstallments(ctx, o)
}

func (s *Store) GetOrder(ctx context.Context, id order.OrderID) (*order.Order, error) {
	return s.getOrder(ctx, id)
}

func (s *Store) getOrder(ctx context.Context, id order.OrderID) (*order.Order, error) {
	const query = `
	SELECT id, owner_id, product_id, course_id, organization_id, state,
		total, currency, main_invoice_ref, billing_address_id, created_at, updated_at
	FROM orders WHERE id = ?`

	row := s.q(ctx).QueryRowContext(ctx, query, string(id))
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	schedule, err := s.loadSchedule(ctx, o.ID, o.Total.Currency)
	if err != nil {
		return nil, err
	}
	o.Schedule = schedule
	return o, nil
}

// WithOrder runs fn inside a write transaction holding the database write
// lock, then persists the working copy.
func (s *Store) WithOrder(ctx context.Context, id order.OrderID, fn func(ctx context.Context, o *order.Order) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)

	working, err := s.getOrder(txCtx, id)
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := fn(txCtx, working); err != nil {
		tx.Rollback()
		return err
	}

	if err := s.updateOrder(txCtx, working); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) updateOrder(ctx context.Context, o *order.Order) error {
	const stmt = `
	UPDATE orders SET state = ?, total = ?, currency = ?, main_invoice_ref = ?,
		billing_address_id = ?, updated_at = ?
	WHERE id = ?`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(o.State), o.Total.Value.String(), o.Total.Currency,
		string(o.MainInvoiceRef), string(o.BillingAddressID),
		o.UpdatedAt.Format(time.RFC3339Nano), string(o.ID))
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return s.saveInstallments(ctx, o)
}

func (s *Store) saveInstallments(ctx context.Context, o *order.Order) error {
	const stmt = `
	INSERT INTO installments (id, order_id, position, amount, due_date, state, provider_ref)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET state = excluded.state, provider_ref = excluded.provider_ref`

	for i, ins := range o.Schedule {
		_, err := s.q(ctx).ExecContext(ctx, stmt,
			string(ins.ID), string(o.ID), i,
			ins.Amount.Value.String(), ins.DueDate.Format(time.RFC3339Nano),
			string(ins.State), ins.ProviderRef)
		if err != nil {
			return fmt.Errorf("save installment: %w", err)
		}
	}
	return nil
}

func (s *Store) loadSchedule(ctx context.Context, id order.OrderID, currency string) ([]order.Installment, error) {
	const query = `
	SELECT id, amount, due_date, state, provider_ref
	FROM installments WHERE order_id = ? ORDER BY position`

	rows, err := s.q(ctx).QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	defer rows.Close()

	var schedule []order.Installment
	for rows.Next() {
		var insID, amount, due, state string
		var providerRef sql.NullString
		if err := rows.Scan(&insID, &amount, &due, &state, &providerRef); err != nil {
			return nil, fmt.Errorf("scan installment: %w", err)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse installment amount: %w", err)
		}
		dueDate, err := time.Parse(time.RFC3339Nano, due)
		if err != nil {
			return nil, fmt.Errorf("parse due date: %w", err)
		}
		schedule = append(schedule, order.Installment{
			ID:          order.InstallmentID(insID),
			Amount:      order.Money{Value: value, Currency: currency},
			DueDate:     dueDate,
			State:       order.InstallmentState(state),
			ProviderRef: providerRef.String,
		})
	}
	return schedule, rows.Err()
}

func (s *Store) FindByProviderRef(ctx context.Context, ref string) (order.OrderID, order.InstallmentID, error) {
	if ref == "" {
		return "", "", order.ErrUnknownProviderRef
	}

	const query = `SELECT order_id, id FROM installments WHERE provider_ref = ?`

	var orderID, installmentID string
	err := s.q(ctx).QueryRowContext(ctx, query, ref).Scan(&orderID, &installmentID)
	if err == sql.ErrNoRows {
		return "", "", order.ErrUnknownProviderRef
	}
	if err != nil {
		return "", "", fmt.Errorf("find by provider ref: %w", err)
	}
	return order.OrderID(orderID), order.InstallmentID(installmentID), nil
}

func (s *Store) ListByOwner(ctx context.Context, owner order.LearnerID) ([]*order.Order, error) {
	return s.listOrders(ctx, `owner_id = ?`, string(owner))
}

func (s *Store) ListByState(ctx context.Context, state order.State) ([]*order.Order, error) {
	return s.listOrders(ctx, `state = ?`, string(state))
}

func (s *Store) listOrders(ctx context.Context, where string, arg any) ([]*order.Order, error) {
	query := `
	SELECT id, owner_id, product_id, course_id, organization_id, state,
		total, currency, main_invoice_ref, billing_address_id, created_at, updated_at
	FROM orders WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := s.q(ctx).QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var result []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range result {
		schedule, err := s.loadSchedule(ctx, o.ID, o.Total.Currency)
		if err != nil {
			return nil, err
		}
		o.Schedule = schedule
	}
	return result, nil
}

// scanner abstracts *sql.Row / *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*order.Order, error) {
	var id, owner, product, course, state, total, currency, createdAt, updatedAt string
	var organization, invoiceRef, billingAddress sql.NullString

	err := row.Scan(&id, &owner, &product, &course, &organization, &state,
		&total, &currency, &invoiceRef, &billingAddress, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	value, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse order total: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &order.Order{
		ID:               order.OrderID(id),
		OwnerID:          order.LearnerID(owner),
		ProductID:        catalog.ProductID(product),
		CourseID:         catalog.CourseID(course),
		OrganizationID:   order.OrganizationID(organization.String),
		State:            order.State(state),
		Total:            order.Money{Value: value, Currency: currency},
		MainInvoiceRef:   order.InvoiceRef(invoiceRef.String),
		BillingAddressID: order.AddressID(billingAddress.String),
		CreatedAt:        created,
		UpdatedAt:        updated,
	}, nil
}

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

func (s *Store) Find(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID) (*enrollment.Enrollment, error) {
	const query = `
	SELECT id, owner_id, course_run_id, is_active, was_created_by_order,
		created_by_order_id, created_at, updated_at
	FROM enrollments WHERE owner_id = ? AND course_run_id = ?`

	e, err := scanEnrollment(s.q(ctx).QueryRowContext(ctx, query, string(owner), string(run)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return e, nil
}

func (s *Store) Save(ctx context.Context, e *enrollment.Enrollment) error {
	const stmt = `
	INSERT INTO enrollments (id, owner_id, course_run_id, is_active,
		was_created_by_order, created_by_order_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET is_active = excluded.is_active,
		was_created_by_order = excluded.was_created_by_order,
		created_by_order_id = excluded.created_by_order_id,
		updated_at = excluded.updated_at`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(e.ID), string(e.OwnerID), string(e.CourseRunID),
		e.IsActive, e.WasCreatedByOrder, string(e.CreatedByOrderID),
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	return nil
}

func (s *Store) ListByOrder(ctx context.Context, id order.OrderID) ([]*enrollment.Enrollment, error) {
	const query = `
	SELECT id, owner_id, course_run_id, is_active, was_created_by_order,
		created_by_order_id, created_at, updated_at
	FROM enrollments WHERE created_by_order_id = ? ORDER BY id`

	rows, err := s.q(ctx).QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var result []*enrollment.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEnrollment(row scanner) (*enrollment.Enrollment, error) {
	var id, owner, run, orderID, createdAt, updatedAt string
	var isActive, byOrder bool

	err := row.Scan(&id, &owner, &run, &isActive, &byOrder, &orderID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &enrollment.Enrollment{
		ID:                enrollment.EnrollmentID(id),
		OwnerID:           order.LearnerID(owner),
		CourseRunID:       catalog.CourseRunID(run),
		IsActive:          isActive,
		WasCreatedByOrder: byOrder,
		CreatedByOrderID:  order.OrderID(orderID),
		CreatedAt:         created,
		UpdatedAt:         updated,
	}, nil
}

// =============================================================================
// CERTIFICATE STORE
// =============================================================================

func (s *Store) Create(ctx context.Context, c *certificate.Certificate) error {
	contextJSON, err := json.Marshal(c.Context)
	if err != nil {
		return fmt.Errorf("marshal certificate context: %w", err)
	}

	const stmt = `
	INSERT INTO certificates (id, order_id, issued_on, context_json)
	VALUES (?, ?, ?, ?)`

	_, err = s.q(ctx).ExecContext(ctx, stmt,
		string(c.ID), string(c.OrderID), c.IssuedOn.Format(time.RFC3339Nano), string(contextJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return certificate.ErrCertificateExists
		}
		return fmt.Errorf("create certificate: %w", err)
	}
	return nil
}

func (s *Store) GetByOrder(ctx context.Context, id order.OrderID) (*certificate.Certificate, error) {
	const query = `SELECT id, order_id, issued_on, context_json FROM certificates WHERE order_id = ?`

	var certID, orderID, issuedOn, contextJSON string
	err := s.q(ctx).QueryRowContext(ctx, query, string(id)).
		Scan(&certID, &orderID, &issuedOn, &contextJSON)
	if err == sql.ErrNoRows {
		return nil, certificate.ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate: %w", err)
	}

	issued, err := time.Parse(time.RFC3339Nano, issuedOn)
	if err != nil {
		return nil, fmt.Errorf("parse issued_on: %w", err)
	}
	var renderContext map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &renderContext); err != nil {
		return nil, fmt.Errorf("unmarshal certificate context: %w", err)
	}

	return &certificate.Certificate{
		ID:       certificate.CertificateID(certID),
		OrderID:  order.OrderID(orderID),
		IssuedOn: issued,
		Context:  renderContext,
	}, nil
}

// =============================================================================
// CATALOG STORE
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id catalog.ProductID) (*catalog.Product, error) {
	const query = `
	SELECT id, type, title, price, currency, call_to_action, certificate_definition_id
	FROM products WHERE id = ?`

	var pid, ptype, title, price, currency, defID string
	var cta sql.NullString
	err := s.q(ctx).QueryRowContext(ctx, query, string(id)).
		Scan(&pid, &ptype, &title, &price, &currency, &cta, &defID)
	if err == sql.ErrNoRows {
		return nil, catalog.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}

	value, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse product price: %w", err)
	}
	return &catalog.Product{
		ID:                      catalog.ProductID(pid),
		Type:                    catalog.ProductType(ptype),
		Title:                   title,
		Price:                   value,
		Currency:                currency,
		CallToAction:            cta.String,
		CertificateDefinitionID: catalog.CertificateDefinitionID(defID),
	}, nil
}

func (s *Store) GetCourse(ctx context.Context, id catalog.CourseID) (*catalog.Course, error) {
	const query = `SELECT id, code, title FROM courses WHERE id = ?`

	var cid, code, title string
	err := s.q(ctx).QueryRowContext(ctx, query, string(id)).Scan(&cid, &code, &title)
	if err == sql.ErrNoRows {
		return nil, catalog.ErrCourseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &catalog.Course{ID: catalog.CourseID(cid), Code: code, Title: title}, nil
}

func (s *Store) GetCourseRun(ctx context.Context, id catalog.CourseRunID) (*catalog.CourseRun, error) {
	const query = `
	SELECT id, course_id, enrollment_start, enrollment_end, is_gradable, is_listed, run_start, run_end
	FROM course_runs WHERE id = ?`

	run, err := scanCourseRun(s.q(ctx).QueryRowContext(ctx, query, string(id)))
	if err == sql.ErrNoRows {
		return nil, catalog.ErrCourseRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course run: %w", err)
	}
	return run, nil
}

func (s *Store) ListTargetRelations(ctx context.Context, id catalog.ProductID) ([]catalog.TargetCourseRelation, error) {
	const query = `
	SELECT product_id, course_id, position, is_graded, restricted_run_ids
	FROM target_course_relations WHERE product_id = ? ORDER BY position`

	rows, err := s.q(ctx).QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("list target relations: %w", err)
	}
	defer rows.Close()

	var result []catalog.TargetCourseRelation
	for rows.Next() {
		var productID, courseID string
		var position int
		var isGraded bool
		var restricted sql.NullString
		if err := rows.Scan(&productID, &courseID, &position, &isGraded, &restricted); err != nil {
			return nil, fmt.Errorf("scan target relation: %w", err)
		}

		rel := catalog.TargetCourseRelation{
			ProductID: catalog.ProductID(productID),
			CourseID:  catalog.CourseID(courseID),
			Position:  position,
			IsGraded:  isGraded,
		}
		if restricted.Valid && restricted.String != "" {
			if err := json.Unmarshal([]byte(restricted.String), &rel.RestrictedRunIDs); err != nil {
				return nil, fmt.Errorf("unmarshal restricted runs: %w", err)
			}
		}
		result = append(result, rel)
	}
	return result, rows.Err()
}

func (s *Store) ListCourseRuns(ctx context.Context, id catalog.CourseID) ([]catalog.CourseRun, error) {
	const query = `
	SELECT id, course_id, enrollment_start, enrollment_end, is_gradable, is_listed, run_start, run_end
	FROM course_runs WHERE course_id = ? ORDER BY id`

	rows, err := s.q(ctx).QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("list course runs: %w", err)
	}
	defer rows.Close()

	var result []catalog.CourseRun
	for rows.Next() {
		run, err := scanCourseRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan course run: %w", err)
		}
		result = append(result, *run)
	}
	return result, rows.Err()
}

func scanCourseRun(row scanner) (*catalog.CourseRun, error) {
	var id, courseID, enrollStart, enrollEnd, runStart, runEnd string
	var isGradable, isListed bool

	err := row.Scan(&id, &courseID, &enrollStart, &enrollEnd, &isGradable, &isListed, &runStart, &runEnd)
	if err != nil {
		return nil, err
	}

	run := &catalog.CourseRun{
		ID:         catalog.CourseRunID(id),
		CourseID:   catalog.CourseID(courseID),
		IsGradable: isGradable,
		IsListed:   isListed,
	}
	for _, field := range []struct {
		raw  string
		dest *time.Time
	}{
		{enrollStart, &run.EnrollmentStart},
		{enrollEnd, &run.EnrollmentEnd},
		{runStart, &run.Start},
		{runEnd, &run.End},
	} {
		t, err := time.Parse(time.RFC3339Nano, field.raw)
		if err != nil {
			return nil, fmt.Errorf("parse course run time: %w", err)
		}
		*field.dest = t
	}
	return run, nil
}

func (s *Store) SaveProduct(ctx context.Context, p catalog.Product) error {
	const stmt = `
	INSERT INTO products (id, type, title, price, currency, call_to_action, certificate_definition_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET type = excluded.type, title = excluded.title,
		price = excluded.price, currency = excluded.currency,
		call_to_action = excluded.call_to_action,
		certificate_definition_id = excluded.certificate_definition_id`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(p.ID), string(p.Type), p.Title, p.Price.String(), p.Currency,
		p.CallToAction, string(p.CertificateDefinitionID))
	if err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

func (s *Store) SaveCourse(ctx context.Context, c catalog.Course) error {
	const stmt = `
	INSERT INTO courses (id, code, title) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET code = excluded.code, title = excluded.title`

	_, err := s.q(ctx).ExecContext(ctx, stmt, string(c.ID), c.Code, c.Title)
	if err != nil {
		return fmt.Errorf("save course: %w", err)
	}
	return nil
}

func (s *Store) SaveCourseRun(ctx context.Context, r catalog.CourseRun) error {
	const stmt = `
	INSERT INTO course_runs (id, course_id, enrollment_start, enrollment_end,
		is_gradable, is_listed, run_start, run_end)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET enrollment_start = excluded.enrollment_start,
		enrollment_end = excluded.enrollment_end, is_gradable = excluded.is_gradable,
		is_listed = excluded.is_listed, run_start = excluded.run_start,
		run_end = excluded.run_end`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(r.ID), string(r.CourseID),
		r.EnrollmentStart.Format(time.RFC3339Nano), r.EnrollmentEnd.Format(time.RFC3339Nano),
		r.IsGradable, r.IsListed,
		r.Start.Format(time.RFC3339Nano), r.End.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save course run: %w", err)
	}
	return nil
}

func (s *Store) SaveTargetRelation(ctx context.Context, rel catalog.TargetCourseRelation) error {
	var restricted any
	if len(rel.RestrictedRunIDs) > 0 {
		raw, err := json.Marshal(rel.RestrictedRunIDs)
		if err != nil {
			return fmt.Errorf("marshal restricted runs: %w", err)
		}
		restricted = string(raw)
	}

	const stmt = `
	INSERT INTO target_course_relations (product_id, course_id, position, is_graded, restricted_run_ids)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(product_id, course_id) DO UPDATE SET position = excluded.position,
		is_graded = excluded.is_graded, restricted_run_ids = excluded.restricted_run_ids`

	_, err := s.q(ctx).ExecContext(ctx, stmt,
		string(rel.ProductID), string(rel.CourseID), rel.Position, rel.IsGraded, restricted)
	if err != nil {
		return fmt.Errorf("save target relation: %w", err)
	}
	return nil
}

// =============================================================================
// GRADE STORE
// =============================================================================

// Passed reports the recorded outcome; an ungraded learner has not passed.
func (s *Store) Passed(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID) (bool, error) {
	const query = `SELECT passed FROM grades WHERE owner_id = ? AND course_run_id = ?`

	var passed bool
	err := s.q(ctx).QueryRowContext(ctx, query, string(owner), string(run)).Scan(&passed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get grade: %w", err)
	}
	return passed, nil
}

func (s *Store) RecordGrade(ctx context.Context, owner order.LearnerID, run catalog.CourseRunID, passed bool) error {
	const stmt = `
	INSERT INTO grades (owner_id, course_run_id, passed) VALUES (?, ?, ?)
	ON CONFLICT(owner_id, course_run_id) DO UPDATE SET passed = excluded.passed`

	_, err := s.q(ctx).ExecContext(ctx, stmt, string(owner), string(run), passed)
	if err != nil {
		return fmt.Errorf("record grade: %w", err)
	}
	return nil
}

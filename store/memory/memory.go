/*
Package memory provides the in-memory store implementation (tests/dev).

PURPOSE:
  Implements every persistence interface of the engine - order.Store,
  enrollment.Store, certificate.Store, catalog.Store/Writer and the grade
  store - backed by maps. Used by the test suites and the demo scenarios.

UNIT OF WORK:
  WithOrder serializes mutations per order with a dedicated mutex and hands
  fn a deep copy of the aggregate; the copy is swapped in only when fn
  succeeds, so a failed unit of work never publishes a partial order.
  Side-effect writes (enrollments) apply immediately; full cross-table
  rollback is the SQL store's job.

SEE ALSO:
  - store/sqlite: the production implementation
  - order/store.go: the unit-of-work contract
*/
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openedu/settlement-engine/catalog"
	"github.com/openedu/settlement-engine/certificate"
	"github.com/openedu/settlement-engine/enrollment"
	"github.com/openedu/settlement-engine/order"
)

// Store is the in-memory implementation of all engine stores.
type Store struct {
	mu sync.RWMutex

	orders       map[order.OrderID]*order.Order
	enrollments  map[enrollment.EnrollmentID]*enrollment.Enrollment
	certificates map[order.OrderID]*certificate.Certificate

	products  map[catalog.ProductID]catalog.Product
	courses   map[catalog.CourseID]catalog.Course
	runs      map[catalog.CourseRunID]catalog.CourseRun
	relations []catalog.TargetCourseRelation

	grades map[gradeKey]bool

	lockMu     sync.Mutex
	orderLocks map[order.OrderID]*sync.Mutex
}

type gradeKey struct {
	Owner order.LearnerID
	Run   catalog.CourseRunID
}

func New() *Store {
	return &Store{
		orders:       make(map[order.OrderID]*order.Order),
		enrollments:  make(map[enrollment.EnrollmentID]*enrollment.Enrollment),
		certificates: make(map[order.OrderID]*certificate.Certificate),
		products:     make(map[catalog.ProductID]catalog.Product),
		courses:      make(map[catalog.CourseID]catalog.Course),
		runs:         make(map[catalog.CourseRunID]catalog.CourseRun),
		grades:       make(map[gradeKey]bool),
		orderLocks:   make(map[order.OrderID]*sync.Mutex),
	}
}

// =============================================================================
// ORDER STORE
// =============================================================================

func (s *Store) CreateOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.orders {
		if existing.OwnerID == o.OwnerID &&
			existing.CourseID == o.CourseID &&
			existing.ProductID == o.ProductID &&
			existing.State != order.StateCanceled {
			return order.ErrDuplicateOrder
		}
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id order.OrderID) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// WithOrder serializes on a per-order mutex and publishes the working copy
// only when fn succeeds.
func (s *Store) WithOrder(ctx context.Context, id order.OrderID, fn func(ctx context.Context, o *order.Order) error) error {
	lock := s.orderLock(id)
	lock.Lock()
	defer lock.Unlock()

	working, err := s.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, working); err != nil {
		return err
	}

	s.mu.Lock()
	s.orders[id] = working.Clone()
	s.mu.Unlock()
	return nil
}

func (s *Store) orderLock(id order.OrderID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, ok := s.orderLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.orderLocks[id] = lock
	}
	return lock
}

func (s *Store) FindByProviderRef(_ context.Context, ref string) (order.OrderID, order.InstallmentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		for _, ins := range o.Schedule {
			if ins.ProviderRef == ref && ref != "" {
				return o.ID, ins.ID, nil
			}
		}
	}
	return "", "", order.ErrUnknownProviderRef
}

func (s *Store) ListByOwner(_ context.Context, owner order.LearnerID) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*order.Order
	for _, o := range s.orders {
		if o.OwnerID == owner {
			result = append(result, o.Clone())
		}
	}
	sortOrders(result)
	return result, nil
}

func (s *Store) ListByState(_ context.Context, state order.State) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*order.Order
	for _, o := range s.orders {
		if o.State == state {
			result = append(result, o.Clone())
		}
	}
	sortOrders(result)
	return result, nil
}

func sortOrders(orders []*order.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// =============================================================================
// ENROLLMENT STORE
// =============================================================================

func (s *Store) Find(_ context.Context, owner order.LearnerID, run catalog.CourseRunID) (*enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.enrollments {
		if e.OwnerID == owner && e.CourseRunID == run {
			clone := *e
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *Store) Save(_ context.Context, e *enrollment.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *e
	s.enrollments[e.ID] = &clone
	return nil
}

func (s *Store) ListByOrder(_ context.Context, id order.OrderID) ([]*enrollment.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*enrollment.Enrollment
	for _, e := range s.enrollments {
		if e.CreatedByOrderID == id {
			clone := *e
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// CERTIFICATE STORE
// =============================================================================

func (s *Store) Create(_ context.Context, c *certificate.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certificates[c.OrderID]; exists {
		return certificate.ErrCertificateExists
	}
	clone := *c
	s.certificates[c.OrderID] = &clone
	return nil
}

func (s *Store) GetByOrder(_ context.Context, id order.OrderID) (*certificate.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.certificates[id]
	if !ok {
		return nil, certificate.ErrCertificateNotFound
	}
	clone := *c
	return &clone, nil
}

// =============================================================================
// CATALOG STORE
// =============================================================================

func (s *Store) GetProduct(_ context.Context, id catalog.ProductID) (*catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return &p, nil
}

func (s *Store) GetCourse(_ context.Context, id catalog.CourseID) (*catalog.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.courses[id]
	if !ok {
		return nil, catalog.ErrCourseNotFound
	}
	return &c, nil
}

func (s *Store) GetCourseRun(_ context.Context, id catalog.CourseRunID) (*catalog.CourseRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, catalog.ErrCourseRunNotFound
	}
	return &r, nil
}

func (s *Store) ListTargetRelations(_ context.Context, id catalog.ProductID) ([]catalog.TargetCourseRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []catalog.TargetCourseRelation
	for _, rel := range s.relations {
		if rel.ProductID == id {
			result = append(result, rel)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (s *Store) ListCourseRuns(_ context.Context, id catalog.CourseID) ([]catalog.CourseRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []catalog.CourseRun
	for _, run := range s.runs {
		if run.CourseID == id {
			result = append(result, run)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) SaveProduct(_ context.Context, p catalog.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	return nil
}

func (s *Store) SaveCourse(_ context.Context, c catalog.Course) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[c.ID] = c
	return nil
}

func (s *Store) SaveCourseRun(_ context.Context, r catalog.CourseRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *Store) SaveTargetRelation(_ context.Context, rel catalog.TargetCourseRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.relations {
		if existing.ProductID == rel.ProductID && existing.CourseID == rel.CourseID {
			s.relations[i] = rel
			return nil
		}
	}
	s.relations = append(s.relations, rel)
	return nil
}

// =============================================================================
// GRADE STORE
// =============================================================================

// Passed reports the recorded grading outcome; an ungraded learner has not
// passed.
func (s *Store) Passed(_ context.Context, owner order.LearnerID, run catalog.CourseRunID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grades[gradeKey{Owner: owner, Run: run}], nil
}

func (s *Store) RecordGrade(_ context.Context, owner order.LearnerID, run catalog.CourseRunID, passed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grades[gradeKey{Owner: owner, Run: run}] = passed
	return nil
}

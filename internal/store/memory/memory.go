/**
 * @description
 * This package provides an in-memory implementation of `store.Repository`. It keeps
 * the same transactional contract as the PostgreSQL store: a per-loan lock is held from
 * `FindLoanByIDForUpdate` until the transaction ends and writes become visible only on
 * commit. It backs `STORAGE_DRIVER=memory` and the service tests.
 *
 * @dependencies
 * - sync, sort: Standard Go libraries.
 * - github.com/google/uuid, github.com/shopspring/decimal: Identifiers and money.
 * - internal/store: For the repository contract and sentinel errors.
 */

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store is a process-local repository.
type Store struct {
	mu        sync.RWMutex
	loans     map[uuid.UUID]*domain.Loan
	userIndex map[uuid.UUID][]uuid.UUID
	payments  map[uuid.UUID][]domain.Payment
	audit     []domain.AuditEvent

	locksMu   sync.Mutex
	loanLocks map[uuid.UUID]chan struct{}
	outbox    chan struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		loans:     make(map[uuid.UUID]*domain.Loan),
		userIndex: make(map[uuid.UUID][]uuid.UUID),
		payments:  make(map[uuid.UUID][]domain.Payment),
		loanLocks: make(map[uuid.UUID]chan struct{}),
		outbox:    make(chan struct{}, 1),
	}
}

func (s *Store) FindLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	cp := *loan
	return &cp, nil
}

func (s *Store) SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sum(s.payments[loanID]), nil
}

func (s *Store) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return store.ErrLoanNotFound
	}
	if len(s.payments[loanID]) > 0 {
		return fmt.Errorf("%w: payments reference loan %s", store.ErrLoanProtected, loanID)
	}
	for _, event := range s.audit {
		if event.LoanID == loanID {
			return fmt.Errorf("%w: audit entries reference loan %s", store.ErrLoanProtected, loanID)
		}
	}

	delete(s.loans, loanID)
	ids := s.userIndex[loan.UserID]
	for i, id := range ids {
		if id == loanID {
			s.userIndex[loan.UserID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ListLoansByUser(ctx context.Context, userID uuid.UUID, params store.ListParams) ([]store.LoanPosition, error) {
	positions, _ := s.ListAllLoanPositions(ctx, userID)

	limit := store.NormalizeLimit(params.Limit)
	page := make([]store.LoanPosition, 0, limit)
	for _, position := range positions {
		if !params.After.Admits(position.Loan.CreatedAt, position.Loan.ID) {
			continue
		}
		page = append(page, position)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *Store) ListAllLoanPositions(ctx context.Context, userID uuid.UUID) ([]store.LoanPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]store.LoanPosition, 0, len(s.userIndex[userID]))
	for _, id := range s.userIndex[userID] {
		positions = append(positions, store.LoanPosition{
			Loan:      *s.loans[id],
			TotalPaid: sum(s.payments[id]),
		})
	}
	sort.Slice(positions, func(i, j int) bool {
		return newer(positions[i].Loan.CreatedAt, positions[i].Loan.ID, positions[j].Loan.CreatedAt, positions[j].Loan.ID)
	})
	return positions, nil
}

func (s *Store) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, params store.ListParams) ([]domain.Payment, error) {
	s.mu.RLock()
	all := make([]domain.Payment, 0)
	for _, loanID := range s.userIndex[userID] {
		all = append(all, s.payments[loanID]...)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return newer(all[i].CreatedAt, all[i].ID, all[j].CreatedAt, all[j].ID)
	})

	limit := store.NormalizeLimit(params.Limit)
	page := make([]domain.Payment, 0, limit)
	for _, payment := range all {
		if !params.After.Admits(payment.CreatedAt, payment.ID) {
			continue
		}
		page = append(page, payment)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *Store) ListAuditEvents(ctx context.Context, loanID uuid.UUID) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]domain.AuditEvent, 0)
	for _, event := range s.audit {
		if event.LoanID == loanID {
			events = append(events, copyEvent(event))
		}
	}
	return events, nil
}

// WithinTransaction runs fn against a transaction whose writes are applied only
// when fn returns nil. Locks taken by fn are released in every case.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &memTx{store: s, held: make(map[uuid.UUID]chan struct{})}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) loanLock(loanID uuid.UUID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.loanLocks[loanID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.loanLocks[loanID] = lock
	}
	return lock
}

// memTx buffers writes until commit.
type memTx struct {
	store *Store
	held  map[uuid.UUID]chan struct{}

	outboxHeld bool

	loans     []domain.Loan
	payments  []domain.Payment
	audit     []domain.AuditEvent
	paidLoans map[uuid.UUID]time.Time
	published map[uuid.UUID]time.Time
}

func (t *memTx) FindLoanByIDForUpdate(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	if _, ok := t.held[loanID]; !ok {
		lock := t.store.loanLock(loanID)
		select {
		case lock <- struct{}{}:
			t.held[loanID] = lock
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", store.ErrLockTimeout, ctx.Err())
		}
	}

	loan, err := t.lookupLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if at, ok := t.paidLoans[loanID]; ok {
		loan.IsFullyPaid = true
		loan.UpdatedAt = at
	}
	return loan, nil
}

func (t *memTx) lookupLoan(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	for i := range t.loans {
		if t.loans[i].ID == loanID {
			cp := t.loans[i]
			return &cp, nil
		}
	}
	return t.store.FindLoanByID(ctx, loanID)
}

func (t *memTx) SumPayments(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	total, _ := t.store.SumPayments(ctx, loanID)
	for _, payment := range t.payments {
		if payment.LoanID == loanID {
			total = total.Add(payment.Amount)
		}
	}
	return total, nil
}

func (t *memTx) InsertLoan(ctx context.Context, loan *domain.Loan) error {
	t.loans = append(t.loans, *loan)
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	if _, err := t.lookupLoan(ctx, payment.LoanID); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	t.payments = append(t.payments, *payment)
	return nil
}

func (t *memTx) MarkLoanFullyPaid(ctx context.Context, loanID uuid.UUID, at time.Time) error {
	if _, err := t.lookupLoan(ctx, loanID); err != nil {
		return err
	}
	if t.paidLoans == nil {
		t.paidLoans = make(map[uuid.UUID]time.Time)
	}
	t.paidLoans[loanID] = at
	return nil
}

func (t *memTx) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if _, err := t.lookupLoan(ctx, event.LoanID); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	t.audit = append(t.audit, copyEvent(*event))
	return nil
}

// LockUnpublishedAuditEvents serialises relays on a single outbox lock.
func (t *memTx) LockUnpublishedAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if !t.outboxHeld {
		select {
		case t.store.outbox <- struct{}{}:
			t.outboxHeld = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	pending := make([]domain.AuditEvent, 0, limit)
	for _, event := range t.store.audit {
		if event.PublishedAt != nil {
			continue
		}
		pending = append(pending, copyEvent(event))
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (t *memTx) MarkAuditEventsPublished(ctx context.Context, eventIDs []uuid.UUID, at time.Time) error {
	if t.published == nil {
		t.published = make(map[uuid.UUID]time.Time)
	}
	for _, id := range eventIDs {
		t.published[id] = at
	}
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range t.loans {
		loan := t.loans[i]
		s.loans[loan.ID] = &loan
		s.userIndex[loan.UserID] = append(s.userIndex[loan.UserID], loan.ID)
	}
	for _, payment := range t.payments {
		s.payments[payment.LoanID] = append(s.payments[payment.LoanID], payment)
	}
	for loanID, at := range t.paidLoans {
		if loan, ok := s.loans[loanID]; ok {
			loan.IsFullyPaid = true
			loan.UpdatedAt = at
		}
	}
	s.audit = append(s.audit, t.audit...)
	for i := range s.audit {
		if at, ok := t.published[s.audit[i].ID]; ok {
			stamp := at
			s.audit[i].PublishedAt = &stamp
		}
	}
}

func (t *memTx) release() {
	for id, lock := range t.held {
		<-lock
		delete(t.held, id)
	}
	if t.outboxHeld {
		<-t.store.outbox
		t.outboxHeld = false
	}
}

func sum(payments []domain.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, payment := range payments {
		total = total.Add(payment.Amount)
	}
	return total
}

// newer orders rows by (createdAt, id) descending.
func newer(aCreated time.Time, aID uuid.UUID, bCreated time.Time, bID uuid.UUID) bool {
	if aCreated.Equal(bCreated) {
		return aID.String() > bID.String()
	}
	return aCreated.After(bCreated)
}

func copyEvent(event domain.AuditEvent) domain.AuditEvent {
	metadata := make(map[string]string, len(event.Metadata))
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	event.Metadata = metadata
	return event
}

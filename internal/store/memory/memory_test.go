package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
)

var base = time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)

func seedLoan(t *testing.T, s *Store, userID uuid.UUID, createdAt time.Time) domain.Loan {
	t.Helper()
	loan := domain.Loan{
		ID:                  uuid.New(),
		UserID:              userID,
		PrincipalAmount:     decimal.RequireFromString("1000.00"),
		MonthlyInterestRate: decimal.RequireFromString("0.0200"),
		InsuranceRate:       domain.DefaultInsuranceRate,
		RequestedDate:       createdAt,
		Bank:                "Banco",
		Client:              "Cliente",
		CreatedAt:           createdAt,
		UpdatedAt:           createdAt,
	}
	err := s.WithinTransaction(context.Background(), func(tx store.Tx) error {
		return tx.InsertLoan(context.Background(), &loan)
	})
	require.NoError(t, err)
	return loan
}

func payment(loanID uuid.UUID, amount string, at time.Time) *domain.Payment {
	return &domain.Payment{
		ID:          uuid.New(),
		LoanID:      loanID,
		Amount:      decimal.RequireFromString(amount),
		PaymentDate: at,
		CreatedAt:   at,
	}
}

func TestWithinTransaction_CommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	s := New()
	loan := seedLoan(t, s, uuid.New(), base)

	err := s.WithinTransaction(ctx, func(tx store.Tx) error {
		locked, err := tx.FindLoanByIDForUpdate(ctx, loan.ID)
		require.NoError(t, err)
		assert.False(t, locked.IsFullyPaid)

		require.NoError(t, tx.InsertPayment(ctx, payment(loan.ID, "400.00", base)))
		inside, err := tx.SumPayments(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, "400", inside.String())

		outside, err := s.SumPayments(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, outside.IsZero(), "uncommitted payment must not be visible")

		return tx.MarkLoanFullyPaid(ctx, loan.ID, base)
	})
	require.NoError(t, err)

	total, err := s.SumPayments(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "400", total.String())

	got, err := s.FindLoanByID(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFullyPaid)
}

func TestWithinTransaction_ErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	loan := seedLoan(t, s, uuid.New(), base)
	boom := errors.New("audit sink unavailable")

	err := s.WithinTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.FindLoanByIDForUpdate(ctx, loan.ID)
		require.NoError(t, err)
		require.NoError(t, tx.InsertPayment(ctx, payment(loan.ID, "10.00", base)))
		require.NoError(t, tx.MarkLoanFullyPaid(ctx, loan.ID, base))
		return boom
	})
	require.ErrorIs(t, err, boom)

	total, err := s.SumPayments(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	got, err := s.FindLoanByID(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, got.IsFullyPaid)

	// The lock was released by the rollback.
	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.FindLoanByIDForUpdate(ctx, loan.ID)
		return err
	}))
}

func TestFindLoanByIDForUpdate_BlocksUntilHolderEnds(t *testing.T) {
	ctx := context.Background()
	s := New()
	loan := seedLoan(t, s, uuid.New(), base)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithinTransaction(ctx, func(tx store.Tx) error {
			if _, err := tx.FindLoanByIDForUpdate(ctx, loan.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return tx.InsertPayment(ctx, payment(loan.ID, "1.00", base))
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.WithinTransaction(waitCtx, func(tx store.Tx) error {
		_, err := tx.FindLoanByIDForUpdate(waitCtx, loan.ID)
		return err
	})
	require.ErrorIs(t, err, store.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		total, err := tx.SumPayments(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, "1", total.String())
		_, err = tx.FindLoanByIDForUpdate(ctx, loan.ID)
		return err
	}))
}

func TestFindLoanByIDForUpdate_MissingLoan(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithinTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.FindLoanByIDForUpdate(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, store.ErrLoanNotFound)
}

func TestDeleteLoan(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := uuid.New()

	free := seedLoan(t, s, userID, base)
	require.NoError(t, s.DeleteLoan(ctx, free.ID))
	_, err := s.FindLoanByID(ctx, free.ID)
	assert.ErrorIs(t, err, store.ErrLoanNotFound)
	assert.ErrorIs(t, s.DeleteLoan(ctx, free.ID), store.ErrLoanNotFound)

	paid := seedLoan(t, s, userID, base)
	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		return tx.InsertPayment(ctx, payment(paid.ID, "5.00", base))
	}))
	assert.ErrorIs(t, s.DeleteLoan(ctx, paid.ID), store.ErrLoanProtected)

	audited := seedLoan(t, s, userID, base)
	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		return tx.InsertAuditEvent(ctx, &domain.AuditEvent{ID: uuid.New(), LoanID: audited.ID, Action: domain.LoanActionCreated, Timestamp: base})
	}))
	assert.ErrorIs(t, s.DeleteLoan(ctx, audited.ID), store.ErrLoanProtected)
}

func TestListLoansByUser_PaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := uuid.New()
	seedLoan(t, s, uuid.New(), base)

	var created []domain.Loan
	for i := 0; i < 5; i++ {
		created = append(created, seedLoan(t, s, userID, base.Add(time.Duration(i)*time.Hour)))
	}

	first, err := s.ListLoansByUser(ctx, userID, store.ListParams{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, created[4].ID, first[0].Loan.ID)
	assert.Equal(t, created[3].ID, first[1].Loan.ID)

	last := first[1].Loan
	second, err := s.ListLoansByUser(ctx, userID, store.ListParams{
		Limit: 10,
		After: &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, created[2].ID, second[0].Loan.ID)
	assert.Equal(t, created[0].ID, second[2].Loan.ID)
}

func TestListPaymentsByUser_OnlyOwnLoans(t *testing.T) {
	ctx := context.Background()
	s := New()
	owner := uuid.New()
	mine := seedLoan(t, s, owner, base)
	theirs := seedLoan(t, s, uuid.New(), base)

	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertPayment(ctx, payment(mine.ID, "1.00", base)))
		require.NoError(t, tx.InsertPayment(ctx, payment(mine.ID, "2.00", base.Add(time.Minute))))
		return tx.InsertPayment(ctx, payment(theirs.ID, "3.00", base))
	}))

	payments, err := s.ListPaymentsByUser(ctx, owner, store.ListParams{})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "2", payments[0].Amount.String())
	assert.Equal(t, "1", payments[1].Amount.String())

	positions, err := s.ListAllLoanPositions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "3", positions[0].TotalPaid.String())
}

func TestOutbox_ClaimAndMarkPublished(t *testing.T) {
	ctx := context.Background()
	s := New()
	loan := seedLoan(t, s, uuid.New(), base)

	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		for i := 0; i < 3; i++ {
			event := &domain.AuditEvent{
				ID:        uuid.New(),
				LoanID:    loan.ID,
				Action:    domain.LoanActionPayment,
				Metadata:  map[string]string{"amount": "1.00"},
				Timestamp: base.Add(time.Duration(i) * time.Second),
			}
			if err := tx.InsertAuditEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		pending, err := tx.LockUnpublishedAuditEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		return tx.MarkAuditEventsPublished(ctx, []uuid.UUID{pending[0].ID, pending[1].ID}, base)
	}))

	require.NoError(t, s.WithinTransaction(ctx, func(tx store.Tx) error {
		pending, err := tx.LockUnpublishedAuditEvents(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
		return nil
	}))

	events, err := s.ListAuditEvents(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.NotNil(t, events[0].PublishedAt)
	assert.Nil(t, events[2].PublishedAt)
}

package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAmountExceedsBalance, KindOf(ErrAmountExceedsBalance))
	assert.Equal(t, KindAuthorization, KindOf(fmt.Errorf("wrapped: %w", ErrNotLoanOwner)))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("connection refused")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorIsMatchesKind(t *testing.T) {
	detailed := &Error{Kind: KindInvalidLoanTerms, Message: "bank is required"}

	assert.ErrorIs(t, detailed, ErrInvalidLoanTerms)
	assert.NotErrorIs(t, detailed, ErrInvalidPaymentAmount)
	assert.Equal(t, "INVALID_LOAN_TERMS: bank is required", detailed.Error())
}

func TestLoanStatus(t *testing.T) {
	loan := &Loan{}
	assert.Equal(t, LoanStatusOpen, loan.Status())

	loan.IsFullyPaid = true
	assert.Equal(t, LoanStatusSettled, loan.Status())
}

func TestLoanActionValid(t *testing.T) {
	for _, action := range []LoanAction{LoanActionCreated, LoanActionUpdated, LoanActionPayment, LoanActionClosed} {
		assert.True(t, action.Valid(), action)
	}
	assert.False(t, LoanAction("refund").Valid())
}

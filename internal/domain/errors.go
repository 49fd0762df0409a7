package domain

import "errors"

// ErrorKind is a stable identifier clients can branch on.
type ErrorKind string

const (
	KindAuthorization        ErrorKind = "AUTHORIZATION"
	KindAlreadySettled       ErrorKind = "ALREADY_SETTLED"
	KindAmountExceedsBalance ErrorKind = "AMOUNT_EXCEEDS_BALANCE"
	KindInvalidAmount        ErrorKind = "INVALID_AMOUNT"
	KindInvalidLoanTerms     ErrorKind = "INVALID_LOAN_TERMS"
	KindLoanNotFound         ErrorKind = "LOAN_NOT_FOUND"
	KindLoanProtected        ErrorKind = "LOAN_PROTECTED"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
)

// Error is a local rejection. It never carries side effects and is not retried.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Is matches any *Error of the same kind, so detailed messages still satisfy
// errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotLoanOwner         = &Error{Kind: KindAuthorization, Message: "you do not have permission to act on this loan"}
	ErrLoanAlreadySettled   = &Error{Kind: KindAlreadySettled, Message: "this loan is already settled"}
	ErrAmountExceedsBalance = &Error{Kind: KindAmountExceedsBalance, Message: "amount exceeds outstanding balance"}
	ErrInvalidPaymentAmount = &Error{Kind: KindInvalidAmount, Message: "amount must be at least 0.01 with at most 2 decimal places"}
	ErrInvalidLoanTerms     = &Error{Kind: KindInvalidLoanTerms, Message: "loan terms are invalid"}
	ErrLoanNotFound         = &Error{Kind: KindLoanNotFound, Message: "loan not found"}
	ErrLoanProtected        = &Error{Kind: KindLoanProtected, Message: "loan has payments or audit entries and cannot be deleted"}
	ErrPaymentRateLimited   = &Error{Kind: KindRateLimited, Message: "too many payment attempts, try again later"}
)

// KindOf returns the kind of the first *Error in err's chain, or "" for
// infrastructure errors.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}

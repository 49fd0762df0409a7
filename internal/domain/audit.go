package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoanAction is the kind of state-changing action recorded in the audit trail.
type LoanAction string

const (
	LoanActionCreated LoanAction = "created"
	LoanActionUpdated LoanAction = "updated"
	LoanActionPayment LoanAction = "payment"
	LoanActionClosed  LoanAction = "closed"
)

// Valid reports whether the action is one of the known kinds.
func (a LoanAction) Valid() bool {
	switch a {
	case LoanActionCreated, LoanActionUpdated, LoanActionPayment, LoanActionClosed:
		return true
	}
	return false
}

// AuditEvent is an append-only record of an action on a loan.
// PublishedAt is set once the event has been relayed to the message broker.
type AuditEvent struct {
	ID          uuid.UUID         `json:"id"`
	LoanID      uuid.UUID         `json:"loan_id"`
	Action      LoanAction        `json:"action"`
	PerformedBy *uuid.UUID        `json:"performed_by,omitempty"`
	IPAddress   *string           `json:"ip_address,omitempty"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   time.Time         `json:"timestamp"`
	PublishedAt *time.Time        `json:"-"`
}

/**
 * @description
 * This file contains the HTTP handlers for the loan-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/sirupsen/logrus: Request outcome logging.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/transfa/loan-service/internal/app"
	"github.com/transfa/loan-service/internal/domain"
	"github.com/transfa/loan-service/internal/store"
)

const maxBodyBytes = 1 << 20

const (
	codeUnauthenticated = "UNAUTHENTICATED"
	codeInvalidRequest  = "INVALID_REQUEST"
	codeLockTimeout     = "LOCK_TIMEOUT"
	codeInternal        = "INTERNAL"
)

// LoanHandlers holds the application service that handlers will use.
type LoanHandlers struct {
	service *app.Service
	logger  logrus.FieldLogger
}

// NewLoanHandlers creates a new instance of LoanHandlers.
func NewLoanHandlers(service *app.Service, logger logrus.FieldLogger) *LoanHandlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoanHandlers{service: service, logger: logger.WithField("component", "api")}
}

type paymentRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

type loanPaymentRequest struct {
	Loan   string           `json:"loan" validate:"required,uuid"`
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

type createLoanRequest struct {
	PrincipalAmount     *decimal.Decimal `json:"principal_amount" validate:"required"`
	MonthlyInterestRate *decimal.Decimal `json:"monthly_interest_rate" validate:"required"`
	InsuranceRate       *decimal.Decimal `json:"insurance_rate"`
	Bank                string           `json:"bank" validate:"required,max=255"`
	Client              string           `json:"client" validate:"required,max=255"`
}

// ProcessPaymentHandler applies a payment to the loan in the URL.
func (h *LoanHandlers) ProcessPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := h.loanIDParam(w, r)
	if !ok {
		return
	}

	var req paymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.processPayment(w, r, userID, loanID, *req.Amount)
}

// CreatePaymentHandler accepts the payment-collection form with the loan id in the body.
func (h *LoanHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req loanPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	loanID, err := uuid.Parse(req.Loan)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "loan must be a valid UUID")
		return
	}
	h.processPayment(w, r, userID, loanID, *req.Amount)
}

func (h *LoanHandlers) processPayment(w http.ResponseWriter, r *http.Request, userID, loanID uuid.UUID, amount decimal.Decimal) {
	payment, err := h.service.ProcessPayment(r.Context(), loanID, userID, amount, clientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPaymentResponse(payment))
}

// GetObligationHandler returns the obligation of a loan, optionally as of `as_of`.
func (h *LoanHandlers) GetObligationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := h.loanIDParam(w, r)
	if !ok {
		return
	}

	var asOf time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("as_of")); raw != "" {
		parsed, err := parseAsOf(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "as_of must be an RFC3339 timestamp or a YYYY-MM-DD date")
			return
		}
		asOf = parsed
	}

	obligation, err := h.service.GetObligation(r.Context(), loanID, userID, asOf)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newObligationResponse(obligation))
}

// CreateLoanHandler creates a loan for the caller.
func (h *LoanHandlers) CreateLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createLoanRequest
	if !h.decode(w, r, &req) {
		return
	}

	loan, err := h.service.CreateLoan(r.Context(), userID, domain.LoanRequest{
		PrincipalAmount:     *req.PrincipalAmount,
		MonthlyInterestRate: *req.MonthlyInterestRate,
		InsuranceRate:       req.InsuranceRate,
		Bank:                req.Bank,
		Client:              req.Client,
	}, clientIP(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newLoanResponse(*loan, nil))
}

// ListLoansHandler lists the caller's loans newest first.
func (h *LoanHandlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.ListLoans(r.Context(), userID, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]loanResponse, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, newLoanViewResponse(&result.Items[i]))
	}
	writeJSON(w, http.StatusOK, pageResponse[loanResponse]{Results: items, NextCursor: result.NextCursor})
}

// GetLoanHandler returns one loan with its current obligation.
func (h *LoanHandlers) GetLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := h.loanIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetLoan(r.Context(), loanID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLoanViewResponse(view))
}

// DeleteLoanHandler removes a loan nothing references yet.
func (h *LoanHandlers) DeleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := h.loanIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteLoan(r.Context(), loanID, userID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAuditEventsHandler returns the audit trail of one loan.
func (h *LoanHandlers) ListAuditEventsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	loanID, ok := h.loanIDParam(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListAuditEvents(r.Context(), loanID, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]auditEventResponse, 0, len(events))
	for _, event := range events {
		items = append(items, newAuditEventResponse(event))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": items})
}

// ListPaymentsHandler lists payments on the caller's loans newest first.
func (h *LoanHandlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}

	result, err := h.service.ListPayments(r.Context(), userID, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	items := make([]paymentResponse, 0, len(result.Items))
	for i := range result.Items {
		items = append(items, newPaymentResponse(&result.Items[i]))
	}
	writeJSON(w, http.StatusOK, pageResponse[paymentResponse]{Results: items, NextCursor: result.NextCursor})
}

// AccountSummaryHandler aggregates the caller's loans.
func (h *LoanHandlers) AccountSummaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	summary, err := h.service.GetAccountSummary(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSummaryResponse(summary))
}

func (h *LoanHandlers) requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, "Could not get user ID from context")
		return uuid.Nil, false
	}
	return userID, true
}

func (h *LoanHandlers) loanIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	loanID, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid loan ID format")
		return uuid.Nil, false
	}
	return loanID, true
}

func (h *LoanHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WithError(err).WithField("path", r.URL.Path).Debug("invalid request body")
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return false
	}
	if err := validateRequest(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps service errors to status codes. Rejections carry their
// kind as the error code.
func (h *LoanHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}

	var rejection *domain.Error
	if errors.As(err, &rejection) {
		writeError(w, statusForKind(rejection.Kind), string(rejection.Kind), rejection.Message)
		return
	}

	switch {
	case errors.Is(err, store.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid cursor")
		return
	case errors.Is(err, store.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, codeLockTimeout, "Loan is busy, try again")
		return
	}

	h.logger.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
	writeError(w, http.StatusInternalServerError, codeInternal, "Internal server error")
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindAlreadySettled, domain.KindAmountExceedsBalance, domain.KindInvalidAmount:
		return http.StatusUnprocessableEntity
	case domain.KindInvalidLoanTerms:
		return http.StatusBadRequest
	case domain.KindLoanNotFound:
		return http.StatusNotFound
	case domain.KindLoanProtected:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func pageRequest(w http.ResponseWriter, r *http.Request) (domain.PageRequest, bool) {
	query := r.URL.Query()
	page := domain.PageRequest{Cursor: strings.TrimSpace(query.Get("cursor"))}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return domain.PageRequest{}, false
		}
		page.Limit = limit
	}
	return page, true
}

func parseAsOf(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

// clientIP is the remote host; RealIP middleware has already applied forwarding headers.
func clientIP(r *http.Request) *string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return nil
	}
	return &host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

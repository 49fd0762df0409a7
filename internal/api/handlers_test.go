package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/loan-service/internal/app"
	"github.com/transfa/loan-service/internal/balance"
	"github.com/transfa/loan-service/internal/store/memory"
	"github.com/transfa/loan-service/pkg/metrics"
)

var testSecret = []byte("test-secret")

type stubLimiter struct {
	count int
}

func (l *stubLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return l.count, 17, nil
}

type testServer struct {
	handler http.Handler
	repo    *memory.Store
}

func newTestServer(t *testing.T, opts ...app.Option) *testServer {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	repo := memory.New()
	base := []app.Option{app.WithLogger(logger)}
	svc := app.NewService(repo, balance.NewEngine(balance.Config{}), append(base, opts...)...)
	handler := LoanRoutes(NewLoanHandlers(svc, logger), RouterConfig{
		JWTSecret: testSecret,
		Metrics:   metrics.NewCollector().Handler(),
	})
	return &testServer{handler: handler, repo: repo}
}

func signToken(t *testing.T, secret []byte, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, userID uuid.UUID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, userID.String(), time.Now().Add(time.Hour)))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errBody, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error body: %s", rec.Body.String())
	return errBody["code"].(string)
}

func (s *testServer) createLoan(t *testing.T, userID uuid.UUID, principal string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/loans", userID, `{"principal_amount":"`+principal+`","monthly_interest_rate":"0","insurance_rate":"0","bank":"Banco","client":"Cliente"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/health", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/ready", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/metrics", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReportsFailure(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	svc := app.NewService(memory.New(), nil, app.WithLogger(logger))
	handler := LoanRoutes(NewLoanHandlers(svc, logger), RouterConfig{
		JWTSecret: testSecret,
		Ready:     func(ctx context.Context) error { return errors.New("database down") },
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	userID := uuid.New()

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "not bearer", header: "Token abc"},
		{name: "garbage token", header: "Bearer not.a.jwt"},
		{name: "wrong secret", header: "Bearer " + signToken(t, []byte("other"), userID.String(), time.Now().Add(time.Hour))},
		{name: "expired", header: "Bearer " + signToken(t, testSecret, userID.String(), time.Now().Add(-time.Hour))},
		{name: "subject not a uuid", header: "Bearer " + signToken(t, testSecret, "user_123", time.Now().Add(time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/loans", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, codeUnauthenticated, errorCode(t, rec))
		})
	}
}

func TestAuthMiddleware_RejectsOtherAlgorithms(t *testing.T) {
	srv := newTestServer(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/loans", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateLoanHandler(t *testing.T) {
	srv := newTestServer(t)
	userID := uuid.New()

	rec := srv.do(t, http.MethodPost, "/loans", userID, `{"principal_amount":1000,"monthly_interest_rate":"0.0200","bank":"Banco","client":"Cliente"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "1000.00", body["principal_amount"])
	assert.Equal(t, "0.0200", body["monthly_interest_rate"])
	assert.Equal(t, "0.0100", body["insurance_rate"])
	assert.Equal(t, "OPEN", body["status"])
	assert.Equal(t, false, body["is_fully_paid"])
	assert.Equal(t, "192.0.2.1", body["ip_address"])
}

func TestCreateLoanHandler_Invalid(t *testing.T) {
	srv := newTestServer(t)
	userID := uuid.New()

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "malformed json", body: `{"principal_amount":`, code: codeInvalidRequest},
		{name: "missing principal", body: `{"monthly_interest_rate":"0.02","bank":"B","client":"C"}`, code: codeInvalidRequest},
		{name: "missing bank", body: `{"principal_amount":"10","monthly_interest_rate":"0.02","client":"C"}`, code: codeInvalidRequest},
		{name: "non numeric", body: `{"principal_amount":"ten","monthly_interest_rate":"0.02","bank":"B","client":"C"}`, code: codeInvalidRequest},
		{name: "negative principal", body: `{"principal_amount":"-10","monthly_interest_rate":"0.02","bank":"B","client":"C"}`, code: "INVALID_LOAN_TERMS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/loans", userID, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestProcessPaymentHandler(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "1000.00")

	t.Run("exceeding total due", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"1000.01"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "AMOUNT_EXCEEDS_BALANCE", errorCode(t, rec))
	})

	t.Run("invalid amount", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"0"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "INVALID_AMOUNT", errorCode(t, rec))
	})

	t.Run("missing amount", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("other user", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", uuid.New(), `{"amount":"10.00"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "AUTHORIZATION", errorCode(t, rec))
	})

	t.Run("unknown loan", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+uuid.NewString()+"/payments", owner, `{"amount":"10.00"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "LOAN_NOT_FOUND", errorCode(t, rec))
	})

	t.Run("bad loan id", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/not-a-uuid/payments", owner, `{"amount":"10.00"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("settling payment", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"1000.00"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		body := decodeBody(t, rec)
		assert.Equal(t, "1000.00", body["amount"])
		assert.Equal(t, loanID, body["loan"])
	})

	t.Run("already settled", func(t *testing.T) {
		rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"1.00"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "ALREADY_SETTLED", errorCode(t, rec))
	})
}

func TestCreatePaymentHandler_LoanInBody(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "50.00")

	rec := srv.do(t, http.MethodPost, "/payments", owner, `{"loan":"`+loanID+`","amount":"20.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = srv.do(t, http.MethodPost, "/payments", owner, `{"loan":"nope","amount":"20.00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/payments", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decodeBody(t, rec)["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "20.00", results[0].(map[string]interface{})["amount"])
}

func TestProcessPaymentHandler_RateLimited(t *testing.T) {
	srv := newTestServer(t, app.WithRateLimiter(&stubLimiter{count: 101}, 100, time.Minute))
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "50.00")

	rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"1.00"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "17", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
}

func TestGetObligationHandler(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "750.00")

	rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"250.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodGet, "/loans/"+loanID+"/obligation", owner, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "750.00", body["total_due"])
	assert.Equal(t, "250.00", body["total_paid"])
	assert.Equal(t, "500.00", body["outstanding_balance"])
	assert.Equal(t, float64(0), body["days_since_requested"])

	future := time.Now().UTC().AddDate(0, 0, 10).Format(time.DateOnly)
	rec = srv.do(t, http.MethodGet, "/loans/"+loanID+"/obligation?as_of="+future, owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(10), decodeBody(t, rec)["days_since_requested"])

	rec = srv.do(t, http.MethodGet, "/loans/"+loanID+"/obligation?as_of=yesterday", owner, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoanListingAndDetail(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	first := srv.createLoan(t, owner, "100.00")
	second := srv.createLoan(t, owner, "200.00")
	srv.createLoan(t, uuid.New(), "300.00")

	rec := srv.do(t, http.MethodGet, "/loans?limit=1", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	cursor, _ := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	rec = srv.do(t, http.MethodGet, "/loans?limit=5&cursor="+cursor, owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decodeBody(t, rec)["results"].([]interface{})
	require.Len(t, rest, 1)

	ids := []string{
		results[0].(map[string]interface{})["id"].(string),
		rest[0].(map[string]interface{})["id"].(string),
	}
	assert.ElementsMatch(t, []string{first, second}, ids)

	rec = srv.do(t, http.MethodGet, "/loans?limit=zero", owner, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = srv.do(t, http.MethodGet, "/loans?cursor=%25%25", owner, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodGet, "/loans/"+first, owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	obligation := detail["obligation"].(map[string]interface{})
	assert.Equal(t, "100.00", obligation["total_due"])

	rec = srv.do(t, http.MethodGet, "/loans/"+first, uuid.New(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditAndDelete(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "100.00")

	rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"100.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodGet, "/loans/"+loanID+"/audit", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["results"].([]interface{})
	require.Len(t, events, 3)
	actions := make([]string, 0, len(events))
	for _, event := range events {
		actions = append(actions, event.(map[string]interface{})["action"].(string))
	}
	assert.Equal(t, []string{"created", "payment", "closed"}, actions)

	rec = srv.do(t, http.MethodDelete, "/loans/"+loanID, owner, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LOAN_PROTECTED", errorCode(t, rec))
}

func TestAccountSummaryHandler(t *testing.T) {
	srv := newTestServer(t)
	owner := uuid.New()
	loanID := srv.createLoan(t, owner, "400.00")
	srv.createLoan(t, owner, "600.00")

	rec := srv.do(t, http.MethodPost, "/loans/"+loanID+"/payments", owner, `{"amount":"400.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodGet, "/accounts/me", owner, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total_loans"])
	assert.Equal(t, float64(1), body["fully_paid_loans"])
	assert.Equal(t, float64(1), body["active_loans"])
	assert.Equal(t, "1000.00", body["principal_amount_total"])
	assert.Equal(t, "400.00", body["amount_paid_total"])
	assert.Equal(t, "600.00", body["outstanding_balance_total"])
	assert.Equal(t, "40.00", body["percent_paid"])
}

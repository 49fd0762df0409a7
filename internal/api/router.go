/**
 * @description
 * This file sets up the HTTP router for the loan-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the non-handler dependencies of the router.
type RouterConfig struct {
	JWTSecret      []byte
	JWTIssuer      string
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Ready backs /ready when set.
	Ready func(ctx context.Context) error
}

// LoanRoutes creates and returns a new router for the loan service.
func LoanRoutes(h *LoanHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				h.logger.WithError(err).Warn("readiness check failed")
				writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Service is not ready")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret, cfg.JWTIssuer))

		r.Post("/loans", h.CreateLoanHandler)
		r.Get("/loans", h.ListLoansHandler)
		r.Route("/loans/{loanID}", func(r chi.Router) {
			r.Get("/", h.GetLoanHandler)
			r.Delete("/", h.DeleteLoanHandler)
			r.Post("/payments", h.ProcessPaymentHandler)
			r.Get("/obligation", h.GetObligationHandler)
			r.Get("/audit", h.ListAuditEventsHandler)
		})

		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/payments", h.ListPaymentsHandler)

		r.Get("/accounts/me", h.AccountSummaryHandler)
	})

	return r
}

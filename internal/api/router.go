/**
 * @description
 * HTTP router setup for the settlement service using go-chi/chi.
 */
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/metrics"
)

// RouterOptions carries the cross-cutting pieces the routes are wrapped in.
type RouterOptions struct {
	Authenticator  func(http.Handler) http.Handler
	InternalKey    string
	AllowedOrigins string
	MatchLimiter   *RateLimiter
	Logger         *zap.Logger
}

// NewRouter creates a new Chi router and registers the settlement routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log.With(zap.String("component", "http"))))
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(opts.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalKey))
		r.Post("/deposits", h.handleDeposit)
		r.Post("/withdrawals", h.handleWithdraw)
		r.Post("/adjustments", h.handleAdjust)
		r.Put("/participants/{userID}", h.handleUpsertParticipant)
		r.Get("/accounts/{userID}/reconcile", h.handleReconcile)
		r.Get("/fraud/statistics", h.handleFraudStatistics)
	})

	r.Group(func(r chi.Router) {
		if opts.Authenticator != nil {
			r.Use(opts.Authenticator)
		}

		r.With(limit(opts.MatchLimiter)).Post("/match", h.handleMatch)

		r.Route("/cycles/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetCycle)
			r.Get("/history", h.handleCycleHistory)
			r.Post("/confirm-receipt", h.handleConfirmReceipt)
			r.Post("/accept-obligation", h.handleAcceptObligation)
			r.Post("/fulfill", h.handleFulfill)
		})

		r.Get("/accounts/{userID}/balance", h.handleGetBalance)
		r.Get("/accounts/{userID}/transactions", h.handleListTransactions)

		r.Post("/fraud/false-positive", h.handleReportFalsePositive)
		r.Get("/fraud/risk-profile", h.handleRiskProfile)
	})

	return r
}

func limit(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rl.Handler
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"https://*", "http://*"}
	}
	return origins
}

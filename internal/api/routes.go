package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"valetdrive/internal/auth"
	"valetdrive/internal/booking"
	"valetdrive/internal/dispatch"
	"valetdrive/internal/realtime"
	"valetdrive/internal/refund"
)

// Deps carries everything the HTTP layer needs; nil optional fields
// degrade gracefully (no auth enforcement, no guest stream tokens).
type Deps struct {
	Store       *booking.Store
	Coordinator *dispatch.Coordinator
	Canceller   *refund.Canceller
	Hub         *realtime.Hub
	Stream      *realtime.StreamServer
	AuthStore   *auth.InMemoryStore
	IdentityDB  IdentityDB
	TokenTTL    time.Duration
	StreamToken *StreamTokenIssuer
	Metrics     *Metrics
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, deps Deps) {
	authCfg := newAuthConfig(deps.AuthStore, deps.IdentityDB, deps.TokenTTL)
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	handler := &Handler{
		store:       deps.Store,
		coordinator: deps.Coordinator,
		canceller:   deps.Canceller,
		hub:         deps.Hub,
		stream:      deps.Stream,
		auth:        authCfg,
		tokens:      deps.StreamToken,
		metrics:     metrics,
	}

	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := deps.Store.HealthCheck(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/auth/register", handler.RegisterIdentity)
		pr.Post("/api/bookings", handler.CreateBooking)
		pr.Get("/api/bookings/{bookingID}", handler.GetBooking)
		pr.Get("/api/bookings/{bookingID}/updates", handler.ListUpdates)
		pr.Post("/api/bookings/{bookingID}/stage", handler.UpdateStage)
		pr.Post("/api/bookings/{bookingID}/legs/{leg}/assign", handler.AssignLeg)
		pr.Post("/api/bookings/{bookingID}/legs/{leg}/unassign", handler.UnassignLeg)
		pr.Post("/api/bookings/{bookingID}/legs/{leg}/progress", handler.ProgressLeg)
		pr.Get("/api/dispatch/overview", handler.DispatchOverview)
		pr.Get("/api/admin/metrics", handler.MetricsReport)
	})

	// Cancellation and its quote are reachable without a bearer token so
	// guests can cancel with contact proof.
	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.optional)
		pr.Post("/api/bookings/{bookingID}/cancel", handler.CancelBooking)
		pr.Get("/api/bookings/{bookingID}/cancel-quote", handler.CancelQuote)
		pr.Post("/api/bookings/{bookingID}/stream-token", handler.StreamToken)
	})

	r.Get("/ws/bookings/{bookingID}", handler.BookingStream)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"valetdrive/internal/auth"
	"valetdrive/internal/booking"
)

type authConfig struct {
	store *auth.InMemoryStore
	db    IdentityDB
	ttl   time.Duration
}

type IdentityDB interface {
	Lookup(ctx context.Context, token string) (booking.Identity, bool, error)
	Save(ctx context.Context, ident booking.Identity, ttl time.Duration) (booking.Identity, error)
}

func newAuthConfig(store *auth.InMemoryStore, db IdentityDB, ttl time.Duration) authConfig {
	return authConfig{store: store, db: db, ttl: ttl}
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.store == nil && a.db == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := parseToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusForbidden, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optional attaches an identity when a valid token is present but lets
// anonymous requests through; guest cancellation carries its own proof.
func (a authConfig) optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := parseToken(r); token != "" {
			if identity, ok := a.lookup(r.Context(), token); ok {
				r = r.WithContext(context.WithValue(r.Context(), identityCtxKey{}, identity))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authorized returns identity when present and valid.
func (a authConfig) authorized(r *http.Request) (booking.Identity, bool) {
	token := parseToken(r)
	if token == "" {
		return booking.Identity{}, false
	}
	return a.lookup(r.Context(), token)
}

func (a authConfig) enforced() bool {
	return a.store != nil || a.db != nil
}

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (booking.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(booking.Identity)
	return id, ok
}

func (a authConfig) lookup(ctx context.Context, token string) (booking.Identity, bool) {
	if a.store != nil {
		if id, ok := a.store.Lookup(token); ok {
			return id, true
		}
	}
	if a.db != nil {
		id, ok, err := a.db.Lookup(ctx, token)
		if err == nil && ok {
			return id, true
		}
	}
	return booking.Identity{}, false
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, allowed ...booking.IdentityRole) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return false
}

// canAccessBooking limits reads to staff, garage, the owning customer,
// and the drivers assigned to either leg.
func canAccessBooking(id booking.Identity, b booking.Booking) bool {
	switch id.Role {
	case booking.RoleStaff, booking.RoleGarage:
		return true
	case booking.RoleCustomer:
		return b.CustomerID == id.ID
	case booking.RoleDriver:
		return b.PickupLeg.DriverID == id.ID || b.ReturnLeg.DriverID == id.ID
	}
	return false
}

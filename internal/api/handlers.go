package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"valetdrive/internal/booking"
	"valetdrive/internal/dispatch"
	"valetdrive/internal/realtime"
	"valetdrive/internal/refund"
)

type Handler struct {
	store       *booking.Store
	coordinator *dispatch.Coordinator
	canceller   *refund.Canceller
	hub         *realtime.Hub
	stream      *realtime.StreamServer
	auth        authConfig
	tokens      *StreamTokenIssuer
	metrics     *Metrics
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff) {
		return
	}
	var payload struct {
		Role       booking.IdentityRole `json:"role"`
		TTLSeconds int64                `json:"ttlSeconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	ttl := h.auth.ttl
	if payload.TTLSeconds > 0 {
		ttl = time.Duration(payload.TTLSeconds) * time.Second
	}
	identity, err := h.auth.store.Register(payload.Role, ttl)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.auth.db != nil {
		if saved, dbErr := h.auth.db.Save(r.Context(), identity, ttl); dbErr == nil {
			identity = saved
		}
	}
	respondJSON(w, http.StatusCreated, identity)
}

type createBookingPayload struct {
	CustomerID     string                `json:"customerId,omitempty"`
	Guest          *booking.GuestContact `json:"guest,omitempty"`
	PickupAddress  string                `json:"pickupAddress"`
	DropoffAddress string                `json:"dropoffAddress"`
	PickupAt       time.Time             `json:"pickupAt"`
	ReturnAt       *time.Time            `json:"returnAt,omitempty"`
	Vehicle        string                `json:"vehicle,omitempty"`
	Service        string                `json:"service,omitempty"`
	AmountPaid     int64                 `json:"amountPaid"`
	PaymentRef     string                `json:"paymentRef,omitempty"`
}

func (p createBookingPayload) validate() string {
	if p.PickupAddress == "" || p.DropoffAddress == "" {
		return "pickupAddress and dropoffAddress are required"
	}
	if p.PickupAt.IsZero() {
		return "pickupAt is required"
	}
	hasCustomer := p.CustomerID != ""
	hasGuest := p.Guest != nil
	if hasCustomer == hasGuest {
		return "exactly one of customerId or guest is required"
	}
	if hasGuest && (p.Guest.Email == "" || p.Guest.Phone == "") {
		return "guest email and phone are required"
	}
	if p.AmountPaid < 0 {
		return "amountPaid must not be negative"
	}
	return ""
}

// CreateBooking registers a confirmed booking. Payment is captured before
// this call; the amount and reference arrive as facts, not instructions.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff) {
		return
	}
	var payload createBookingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if msg := payload.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if existing, ok := h.store.LookupIdempotent(idemKey); ok {
			respondJSON(w, http.StatusOK, existing)
			return
		}
	}

	paymentStatus := booking.PaymentPending
	if payload.AmountPaid > 0 {
		paymentStatus = booking.PaymentPaid
	}
	b := booking.Booking{
		CustomerID:     payload.CustomerID,
		Guest:          payload.Guest,
		PickupAddress:  payload.PickupAddress,
		DropoffAddress: payload.DropoffAddress,
		PickupAt:       payload.PickupAt,
		ReturnAt:       payload.ReturnAt,
		Vehicle:        payload.Vehicle,
		Service:        payload.Service,
		Payment: booking.Payment{
			Status: paymentStatus,
			Amount: payload.AmountPaid,
			Ref:    payload.PaymentRef,
		},
	}
	created, err := h.store.Create(b, actorFromContext(r), idemKey)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	h.hub.Notify(created)
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBooking(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// ListUpdates returns the append-only log in insertion order. Limit and
// offset are optional query parameters.
func (h *Handler) ListUpdates(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBooking(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")
	updates, err := h.store.Updates(b.ID, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"bookingId": b.ID,
		"updates":   updates,
	})
}

type stagePayload struct {
	Stage         booking.Stage `json:"stage"`
	Message       string        `json:"message,omitempty"`
	AllowBackward bool          `json:"allowBackward,omitempty"`
}

// UpdateStage moves the booking along the fixed progression. Backward
// moves are a staff-only correction.
func (h *Handler) UpdateStage(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff, booking.RoleGarage) {
		return
	}
	var payload stagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	actor := actorFromContext(r)
	if payload.AllowBackward && h.auth.enforced() && actor.Role != booking.RoleStaff {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	bookingID := chi.URLParam(r, "bookingID")
	updated, entry, err := h.store.Transition(bookingID, payload.Stage, actor, payload.Message, payload.AllowBackward)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if entry != nil {
		h.hub.Notify(updated)
	}
	respondJSON(w, http.StatusOK, updated)
}

type assignPayload struct {
	DriverID string `json:"driverId"`
}

func (h *Handler) AssignLeg(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff) {
		return
	}
	var payload assignPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.DriverID == "" {
		respondError(w, http.StatusBadRequest, "driverId is required")
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	kind := booking.LegKind(chi.URLParam(r, "leg"))
	updated, err := h.coordinator.AssignDriver(r.Context(), bookingID, payload.DriverID, kind, actorFromContext(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) UnassignLeg(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff) {
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	kind := booking.LegKind(chi.URLParam(r, "leg"))
	updated, err := h.coordinator.UnassignDriver(r.Context(), bookingID, kind, actorFromContext(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type progressPayload struct {
	Event booking.LegEvent `json:"event"`
}

// ProgressLeg stamps a driver milestone. Drivers may only progress the leg
// they are assigned to.
func (h *Handler) ProgressLeg(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleDriver, booking.RoleStaff) {
		return
	}
	var payload progressPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	kind := booking.LegKind(chi.URLParam(r, "leg"))

	if h.auth.enforced() {
		identity, _ := identityFromContext(r.Context())
		if identity.Role == booking.RoleDriver {
			b, found := h.store.Get(bookingID)
			if !found {
				respondError(w, http.StatusNotFound, "booking not found")
				return
			}
			assigned := b.PickupLeg.DriverID
			if kind == booking.ReturnLeg {
				assigned = b.ReturnLeg.DriverID
			}
			if assigned != identity.ID {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
	}

	updated, err := h.coordinator.ProgressLeg(r.Context(), bookingID, kind, payload.Event, actorFromContext(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type cancelPayload struct {
	Reason          string                `json:"reason,omitempty"`
	ForceFullRefund bool                  `json:"forceFullRefund,omitempty"`
	Guest           *booking.GuestContact `json:"guest,omitempty"`
}

// CancelBooking serves authenticated customers and staff, and also guests
// who present both contact identifiers. It sits outside the strict auth
// group; authorization happens in the canceller.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var payload cancelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	req := refund.Request{
		BookingID:  chi.URLParam(r, "bookingID"),
		Reason:     payload.Reason,
		GuestProof: payload.Guest,
	}
	if identity, ok := identityFromContext(r.Context()); ok {
		req.Actor = booking.Actor{ID: identity.ID, Role: identity.Role}
		if identity.Role == booking.RoleStaff {
			req.ForceFullRefund = payload.ForceFullRefund
		}
	} else if !h.auth.enforced() {
		// Disabled auth (AUTH_MODE off, no identity store) means an
		// open deployment: every anonymous caller is trusted as staff,
		// privileged overrides included. Guest proof, when supplied,
		// is still checked on the guest path.
		if payload.Guest != nil {
			req.Actor = booking.Actor{Role: booking.RoleCustomer}
		} else {
			req.Actor = booking.Actor{Role: booking.RoleStaff}
			req.ForceFullRefund = payload.ForceFullRefund
		}
	}

	outcome, err := h.canceller.Cancel(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// CancelQuote runs the refund policy without mutating the booking.
func (h *Handler) CancelQuote(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	assessment, err := h.canceller.Quote(bookingID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, assessment)
}

type streamTokenPayload struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// StreamToken exchanges guest contact proof for a websocket token bound
// to one booking. Failures are deliberately uniform.
func (h *Handler) StreamToken(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	var payload streamTokenPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	b, ok := h.store.Get(bookingID)
	if !ok || !booking.MatchesGuest(b, payload.Email, payload.Phone) {
		respondError(w, http.StatusForbidden, "could not verify booking ownership")
		return
	}
	token, expires, err := h.tokens.Issue(bookingID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"streamToken": token,
		"expiresAt":   expires.UTC(),
	})
}

func (h *Handler) DispatchOverview(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff, booking.RoleGarage) {
		return
	}
	overview, err := h.coordinator.DispatchOverview(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "dispatch overview unavailable")
		return
	}
	respondJSON(w, http.StatusOK, overview)
}

func (h *Handler) MetricsReport(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), booking.RoleStaff) {
		return
	}
	respondJSON(w, http.StatusOK, h.metrics.Report())
}

// BookingStream upgrades to a websocket. Access requires either an
// identity allowed to read the booking or a guest stream token.
func (h *Handler) BookingStream(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	if h.auth.enforced() {
		allowed := false
		if h.tokens != nil {
			if st := r.URL.Query().Get("stream_token"); st != "" {
				allowed = h.tokens.Verify(st, bookingID) == nil
			}
		}
		if !allowed {
			identity, ok := h.auth.authorized(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			b, found := h.store.Get(bookingID)
			if !found {
				respondError(w, http.StatusNotFound, "booking not found")
				return
			}
			if !canAccessBooking(identity, b) {
				respondError(w, http.StatusForbidden, "forbidden")
				return
			}
		}
	}
	h.stream.ServeBooking(w, r, bookingID)
}

// loadBooking fetches the booking and applies read access control.
func (h *Handler) loadBooking(w http.ResponseWriter, r *http.Request) (booking.Booking, bool) {
	bookingID := chi.URLParam(r, "bookingID")
	b, ok := h.store.Get(bookingID)
	if !ok {
		respondError(w, http.StatusNotFound, "booking not found")
		return booking.Booking{}, false
	}
	if h.auth.enforced() {
		identity, found := identityFromContext(r.Context())
		if !found {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return booking.Booking{}, false
		}
		if !canAccessBooking(identity, b) {
			respondError(w, http.StatusForbidden, "forbidden")
			return booking.Booking{}, false
		}
	}
	return b, true
}

func actorFromContext(r *http.Request) booking.Actor {
	if identity, ok := identityFromContext(r.Context()); ok {
		return booking.Actor{ID: identity.ID, Role: identity.Role}
	}
	return booking.Actor{Role: booking.RoleStaff}
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// respondDomainError maps domain errors to HTTP statuses. Conflicts with
// current booking state are 409; malformed input is 400.
func respondDomainError(w http.ResponseWriter, err error) {
	var invalidStage *booking.InvalidStageError
	var backward *booking.BackwardTransitionError
	var blocked *refund.PolicyBlockedError

	switch {
	case errors.Is(err, booking.ErrNotFound):
		respondError(w, http.StatusNotFound, "booking not found")
	case errors.Is(err, dispatch.ErrDriverNotFound):
		respondError(w, http.StatusNotFound, "driver not found")
	case errors.Is(err, refund.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &invalidStage),
		errors.Is(err, dispatch.ErrUnknownLeg),
		errors.Is(err, dispatch.ErrDriverIneligible):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &backward),
		errors.As(err, &blocked),
		errors.Is(err, booking.ErrBookingTerminal),
		errors.Is(err, booking.ErrAlreadyCancelled),
		errors.Is(err, booking.ErrLegAlreadyAssigned),
		errors.Is(err, booking.ErrAssignmentConflict),
		errors.Is(err, booking.ErrLegInProgress),
		errors.Is(err, booking.ErrLegNotAssigned),
		errors.Is(err, booking.ErrPickupRequired),
		errors.Is(err, booking.ErrDuplicateBooking):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

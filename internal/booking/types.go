package booking

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type RefundStatus string

const (
	RefundProcessed     RefundStatus = "processed"
	RefundFailed        RefundStatus = "failed"
	RefundNotApplicable RefundStatus = "not_applicable"
)

type IdentityRole string

const (
	RoleCustomer IdentityRole = "customer"
	RoleDriver   IdentityRole = "driver"
	RoleGarage   IdentityRole = "garage"
	RoleStaff    IdentityRole = "staff"
)

type Identity struct {
	ID    string       `json:"id"`
	Role  IdentityRole `json:"role"`
	Token string       `json:"token,omitempty"`
	// ExpiresAt is optional; nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Actor identifies who performed a mutation, for the update log.
type Actor struct {
	ID   string       `json:"id,omitempty"`
	Role IdentityRole `json:"role"`
}

// GuestContact is the identity form for bookings made without an account.
// A booking carries either CustomerID or a GuestContact, never both.
type GuestContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Payment struct {
	Status PaymentStatus `json:"status"`
	Amount int64         `json:"amount"`
	Ref    string        `json:"ref,omitempty"`
}

// Leg holds the timestamps of one transport segment. Which fields are
// populated determines the derived LegState; see StateOf.
type Leg struct {
	DriverID    string     `json:"driverId,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	ArrivedAt   *time.Time `json:"arrivedAt,omitempty"`
	CollectedAt *time.Time `json:"collectedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type LegKind string

const (
	PickupLeg LegKind = "pickup"
	ReturnLeg LegKind = "return"
)

// Update is one append-only log entry. Insertion order is authoritative;
// consumers must not re-sort by timestamp.
type Update struct {
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message"`
	ActorID   string    `json:"actorId,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Cancellation is the immutable terminal record written by a cancel.
type Cancellation struct {
	CancelledAt      time.Time    `json:"cancelledAt"`
	CancelledBy      string       `json:"cancelledBy,omitempty"`
	Role             IdentityRole `json:"role"`
	Reason           string       `json:"reason,omitempty"`
	RefundAmount     int64        `json:"refundAmount"`
	RefundPercentage int          `json:"refundPercentage"`
	RefundRef        string       `json:"refundRef,omitempty"`
	RefundStatus     RefundStatus `json:"refundStatus"`
}

type Booking struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customerId,omitempty"`
	Guest      *GuestContact `json:"guest,omitempty"`

	PickupAddress  string     `json:"pickupAddress"`
	DropoffAddress string     `json:"dropoffAddress"`
	PickupAt       time.Time  `json:"pickupAt"`
	ReturnAt       *time.Time `json:"returnAt,omitempty"`
	Vehicle        string     `json:"vehicle,omitempty"`
	Service        string     `json:"service,omitempty"`

	Payment Payment `json:"payment"`

	Status          Status `json:"status"`
	CurrentStage    Stage  `json:"currentStage"`
	OverallProgress int    `json:"overallProgress"`

	PickupLeg Leg `json:"pickupLeg"`
	ReturnLeg Leg `json:"returnLeg"`

	Cancellation *Cancellation `json:"cancellation,omitempty"`
	Updates      []Update      `json:"updates"`

	CreatedAt time.Time `json:"createdAt"`
}

// Terminal reports whether the booking may no longer be mutated.
func (b Booking) Terminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusCancelled
}

func (b Booking) legFor(kind LegKind) *Leg {
	if kind == ReturnLeg {
		return &b.ReturnLeg
	}
	return &b.PickupLeg
}

// Persistence allows persisting and retrieving booking state.
// A nil Persistence keeps the Store purely in-memory.
type Persistence interface {
	// CreateBookingWithEntry inserts the booking row and its confirmation
	// entry in one transaction.
	CreateBookingWithEntry(ctx context.Context, b Booking, entry Update) error
	GetBooking(ctx context.Context, id string) (Booking, bool, error)
	// UpdateBookingWithEntry writes the mutated booking row and appends the
	// update entries in one transaction.
	UpdateBookingWithEntry(ctx context.Context, b Booking, entries ...Update) error
	// AssignLegDriver mutates the leg's driver fields only if they are still
	// unset, as a single conditional write. Returns false when another
	// assignment won the race.
	AssignLegDriver(ctx context.Context, id string, kind LegKind, driverID string, at time.Time, entry Update) (bool, error)
	ListUpdates(ctx context.Context, bookingID string, limit, offset int) ([]Update, error)
}

// IdempotencyStore persists creation idempotency keys.
type IdempotencyStore interface {
	Remember(ctx context.Context, key, bookingID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

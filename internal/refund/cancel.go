package refund

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"valetdrive/internal/booking"
	"valetdrive/internal/payments"
)

// ErrUnauthorized is deliberately generic: it never discloses whether the
// email or the phone failed guest verification.
var ErrUnauthorized = errors.New("could not verify booking ownership")

// PolicyBlockedError carries the policy reason for a refused cancellation.
type PolicyBlockedError struct {
	Reason string
}

func (e *PolicyBlockedError) Error() string {
	return "cancellation not allowed: " + e.Reason
}

// Notifier receives the booking snapshot after the cancel commits.
type Notifier interface {
	Notify(b booking.Booking)
}

// Canceller applies the cancellation policy and commits the terminal
// record. The booking state change is authoritative even when the refund
// call fails; payment reconciliation is a separate, retryable concern.
type Canceller struct {
	store    *booking.Store
	policy   Policy
	gateway  payments.Gateway
	notifier Notifier
	now      func() time.Time
}

func NewCanceller(store *booking.Store, policy Policy, gateway payments.Gateway, notifier Notifier) *Canceller {
	if gateway == nil {
		gateway = payments.LogGateway{}
	}
	return &Canceller{store: store, policy: policy, gateway: gateway, notifier: notifier, now: time.Now}
}

// SetClock overrides the time source, for tests.
func (c *Canceller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

type Request struct {
	BookingID       string
	Actor           booking.Actor
	Reason          string
	ForceFullRefund bool
	// GuestProof must carry both contact identifiers for unauthenticated
	// cancellation of a guest booking.
	GuestProof *booking.GuestContact
}

type Outcome struct {
	Booking booking.Booking `json:"booking"`
	Message string          `json:"message"`
	Refund  RefundOutcome   `json:"refund"`
	Policy  Assessment      `json:"policy"`
}

type RefundOutcome struct {
	Amount     int64                `json:"amount"`
	Percentage int                  `json:"percentage"`
	Status     booking.RefundStatus `json:"status"`
	Ref        string               `json:"ref,omitempty"`
}

// Quote runs the policy without mutating anything.
func (c *Canceller) Quote(bookingID string) (Assessment, error) {
	b, ok := c.store.Get(bookingID)
	if !ok {
		return Assessment{}, booking.ErrNotFound
	}
	return c.policy.Calculate(b.PickupAt, c.now(), b.Payment.Amount, b.Status, b.CurrentStage), nil
}

// Cancel authorizes, applies policy, issues the refund, and commits the
// terminal record.
func (c *Canceller) Cancel(ctx context.Context, req Request) (Outcome, error) {
	b, ok := c.store.Get(req.BookingID)
	if !ok {
		return Outcome{}, booking.ErrNotFound
	}
	if b.Status == booking.StatusCancelled {
		return Outcome{}, booking.ErrAlreadyCancelled
	}
	if err := authorize(b, req); err != nil {
		return Outcome{}, err
	}

	privileged := req.Actor.Role == booking.RoleStaff
	assessment := c.policy.Calculate(b.PickupAt, c.now(), b.Payment.Amount, b.Status, b.CurrentStage)
	if !assessment.CanCancel && !privileged {
		return Outcome{}, &PolicyBlockedError{Reason: assessment.Reason}
	}
	if privileged && req.ForceFullRefund {
		assessment.CanCancel = true
		assessment.Percentage = 100
		assessment.Amount = refundAmount(b.Payment.Amount, 100)
		assessment.Eligible = assessment.Amount > 0
		assessment.Reason = "full refund forced by staff"
	}

	rec := booking.Cancellation{
		CancelledAt:      c.now(),
		CancelledBy:      req.Actor.ID,
		Role:             req.Actor.Role,
		Reason:           req.Reason,
		RefundAmount:     assessment.Amount,
		RefundPercentage: assessment.Percentage,
		RefundStatus:     booking.RefundNotApplicable,
	}

	if assessment.Amount > 0 && b.Payment.Ref != "" {
		result, err := c.gateway.IssueRefund(ctx, b.Payment.Ref, assessment.Amount, req.Reason)
		switch {
		case err != nil:
			log.Printf("refund: gateway call failed for %s: %v", b.ID, err)
			rec.RefundStatus = booking.RefundFailed
		case !result.Success:
			log.Printf("refund: gateway rejected refund for %s: %s", b.ID, result.Error)
			rec.RefundStatus = booking.RefundFailed
		default:
			rec.RefundStatus = booking.RefundProcessed
			rec.RefundRef = result.RefundRef
		}
	} else if assessment.Amount > 0 {
		// paid amount but no gateway reference to refund against
		rec.RefundStatus = booking.RefundFailed
	}

	message := cancelMessage(rec)
	updated, err := c.store.ApplyCancellation(b.ID, rec, message)
	if err != nil {
		return Outcome{}, err
	}
	if c.notifier != nil {
		c.notifier.Notify(updated)
	}

	return Outcome{
		Booking: updated,
		Message: message,
		Refund: RefundOutcome{
			Amount:     rec.RefundAmount,
			Percentage: rec.RefundPercentage,
			Status:     rec.RefundStatus,
			Ref:        rec.RefundRef,
		},
		Policy: assessment,
	}, nil
}

// authorize enforces who may cancel: staff always, the booking's own
// identified customer, or a guest presenting both matching contact
// identifiers. Partial guest matches fail with the same generic error.
func authorize(b booking.Booking, req Request) error {
	switch req.Actor.Role {
	case booking.RoleStaff:
		return nil
	case booking.RoleCustomer:
		if req.Actor.ID != "" && b.CustomerID == req.Actor.ID {
			return nil
		}
	}
	if req.GuestProof != nil && booking.MatchesGuest(b, req.GuestProof.Email, req.GuestProof.Phone) {
		return nil
	}
	return ErrUnauthorized
}

func cancelMessage(rec booking.Cancellation) string {
	switch rec.RefundStatus {
	case booking.RefundProcessed:
		return fmt.Sprintf("Booking cancelled by %s; refund of %d (%d%%) issued", rec.Role, rec.RefundAmount, rec.RefundPercentage)
	case booking.RefundFailed:
		return fmt.Sprintf("Booking cancelled by %s; refund of %d (%d%%) failed and needs manual reconciliation", rec.Role, rec.RefundAmount, rec.RefundPercentage)
	default:
		return fmt.Sprintf("Booking cancelled by %s; no refund applicable", rec.Role)
	}
}

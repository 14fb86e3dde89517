// Package refund computes time-sensitive cancellation refunds and
// orchestrates the cancel itself.
package refund

import (
	"math"
	"time"

	"valetdrive/internal/booking"
)

// Policy holds the refund bands. The hour thresholds and partial tier are
// deployment configuration, not constants.
type Policy struct {
	// FullRefundHours or more before pickup refunds 100%.
	FullRefundHours float64
	// PartialHours up to FullRefundHours refunds PartialPercent.
	PartialHours   float64
	PartialPercent int
}

// DefaultPolicy mirrors the published cancellation terms.
func DefaultPolicy() Policy {
	return Policy{FullRefundHours: 24, PartialHours: 3, PartialPercent: 50}
}

// Assessment is the outcome of the pure policy computation.
type Assessment struct {
	CanCancel        bool    `json:"canCancel"`
	Eligible         bool    `json:"eligible"`
	Amount           int64   `json:"amount"`
	Percentage       int     `json:"percentage"`
	Reason           string  `json:"reason"`
	HoursUntilPickup float64 `json:"hoursUntilPickup"`
}

// Calculate is a pure function of its inputs: same booking state and clock
// always yield the same assessment. Amount never exceeds amountPaid and
// Percentage stays within [0,100].
func (p Policy) Calculate(pickupAt, now time.Time, amountPaid int64, status booking.Status, stage booking.Stage) Assessment {
	hours := pickupAt.Sub(now).Hours()
	out := Assessment{HoursUntilPickup: hours}

	switch status {
	case booking.StatusCancelled:
		out.Reason = "booking is already cancelled"
		return out
	case booking.StatusCompleted:
		out.Reason = "booking is already completed"
		return out
	}
	if booking.PastServiceCheckpoint(stage) {
		out.Reason = "service already in progress; contact support for assistance"
		return out
	}

	switch {
	case hours >= p.FullRefundHours:
		out.Percentage = 100
	case hours >= p.PartialHours:
		out.Percentage = clampPercent(p.PartialPercent)
	default:
		out.Reason = "too close to pickup time to cancel"
		return out
	}

	out.CanCancel = true
	out.Amount = refundAmount(amountPaid, out.Percentage)
	out.Eligible = out.Amount > 0
	out.Reason = "cancellation available"
	return out
}

func refundAmount(amountPaid int64, percent int) int64 {
	if amountPaid <= 0 || percent <= 0 {
		return 0
	}
	amount := int64(math.Round(float64(amountPaid) * float64(percent) / 100))
	if amount > amountPaid {
		amount = amountPaid
	}
	return amount
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

package refund

import (
	"testing"
	"time"

	"valetdrive/internal/booking"
)

func TestCalculateBands(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		hoursAhead time.Duration
		amount     int64
		wantCan    bool
		wantPct    int
		wantAmount int64
	}{
		{"well ahead full refund", 30 * time.Hour, 20000, true, 100, 20000},
		{"exactly at full boundary", 24 * time.Hour, 20000, true, 100, 20000},
		{"partial band", 5 * time.Hour, 20000, true, 50, 10000},
		{"exactly at partial boundary", 3 * time.Hour, 20000, true, 50, 10000},
		{"too close to pickup", 2 * time.Hour, 20000, false, 0, 0},
		{"already past pickup", -1 * time.Hour, 20000, false, 0, 0},
		{"zero paid still cancellable", 30 * time.Hour, 0, true, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.Calculate(now.Add(tc.hoursAhead), now, tc.amount, booking.StatusPending, booking.StageBookingConfirmed)
			if got.CanCancel != tc.wantCan {
				t.Fatalf("CanCancel = %v, want %v (%s)", got.CanCancel, tc.wantCan, got.Reason)
			}
			if got.Percentage != tc.wantPct {
				t.Fatalf("Percentage = %d, want %d", got.Percentage, tc.wantPct)
			}
			if got.Amount != tc.wantAmount {
				t.Fatalf("Amount = %d, want %d", got.Amount, tc.wantAmount)
			}
			if got.Eligible != (tc.wantAmount > 0) {
				t.Fatalf("Eligible = %v with amount %d", got.Eligible, got.Amount)
			}
		})
	}
}

func TestCalculateTerminalStates(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()
	pickup := now.Add(48 * time.Hour)

	if got := policy.Calculate(pickup, now, 20000, booking.StatusCancelled, booking.StageCancelled); got.CanCancel {
		t.Fatalf("cancelled booking must not be cancellable again")
	}
	if got := policy.Calculate(pickup, now, 20000, booking.StatusCompleted, booking.StageCarDelivered); got.CanCancel {
		t.Fatalf("completed booking must not be cancellable")
	}
}

func TestCalculateServiceCheckpoint(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Now()
	pickup := now.Add(48 * time.Hour)

	got := policy.Calculate(pickup, now, 20000, booking.StatusInProgress, booking.StageServiceInProgress)
	if got.CanCancel {
		t.Fatalf("past the service checkpoint the policy must refuse")
	}
	if got.Reason == "" {
		t.Fatalf("refusal must carry a reason")
	}

	// car_picked_up itself is still on the refundable side
	got = policy.Calculate(pickup, now, 20000, booking.StatusInProgress, booking.StageCarPickedUp)
	if !got.CanCancel {
		t.Fatalf("car_picked_up should still allow cancellation: %s", got.Reason)
	}
}

func TestCalculateDeterministic(t *testing.T) {
	policy := DefaultPolicy()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	pickup := now.Add(26 * time.Hour)

	first := policy.Calculate(pickup, now, 17350, booking.StatusPending, booking.StageBookingConfirmed)
	for i := 0; i < 10; i++ {
		if got := policy.Calculate(pickup, now, 17350, booking.StatusPending, booking.StageBookingConfirmed); got != first {
			t.Fatalf("same inputs produced different assessments: %+v vs %+v", got, first)
		}
	}
}

func TestRefundAmountClamps(t *testing.T) {
	if got := refundAmount(101, 50); got != 51 {
		t.Fatalf("rounding: got %d, want 51", got)
	}
	if got := refundAmount(100, 200); got != 100 {
		t.Fatalf("amount must never exceed paid: got %d", got)
	}
	if got := refundAmount(-5, 100); got != 0 {
		t.Fatalf("negative paid: got %d", got)
	}
	if clampPercent(120) != 100 || clampPercent(-3) != 0 {
		t.Fatalf("percent clamp broken")
	}
}

func TestCustomBands(t *testing.T) {
	policy := Policy{FullRefundHours: 48, PartialHours: 12, PartialPercent: 75}
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	got := policy.Calculate(now.Add(24*time.Hour), now, 10000, booking.StatusPending, booking.StageBookingConfirmed)
	if !got.CanCancel || got.Percentage != 75 || got.Amount != 7500 {
		t.Fatalf("custom partial band: %+v", got)
	}
}

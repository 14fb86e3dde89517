package booking

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var staffActor = Actor{ID: "staff_1", Role: RoleStaff}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return s
}

func createTestBooking(t *testing.T, s *Store) Booking {
	t.Helper()
	b, err := s.Create(Booking{
		CustomerID:     "cust_1",
		PickupAddress:  "12 King Street",
		DropoffAddress: "Unit 4, Trafford Park",
		PickupAt:       time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		Payment:        Payment{Status: PaymentPaid, Amount: 20000, Ref: "pay_1"},
	}, staffActor, "")
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return b
}

func TestCreateInitialState(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	if b.Status != StatusPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}
	if b.CurrentStage != StageBookingConfirmed {
		t.Fatalf("stage = %s, want booking_confirmed", b.CurrentStage)
	}
	if b.OverallProgress != 14 {
		t.Fatalf("progress = %d, want 14", b.OverallProgress)
	}
	if len(b.Updates) != 1 || b.Updates[0].Stage != StageBookingConfirmed {
		t.Fatalf("expected single confirmation entry, got %+v", b.Updates)
	}
	if !strings.HasPrefix(b.ID, "bk_") {
		t.Fatalf("unexpected id format: %s", b.ID)
	}
	if b.Updates[0].ActorID != staffActor.ID || b.Updates[0].ActorRole != string(RoleStaff) {
		t.Fatalf("confirmation entry not attributed to creator: %+v", b.Updates[0])
	}
}

func TestCreateIdempotent(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Create(Booking{
		CustomerID:     "cust_1",
		PickupAddress:  "a",
		DropoffAddress: "b",
		PickupAt:       time.Now().Add(48 * time.Hour),
	}, staffActor, "key-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.Create(Booking{
		CustomerID:     "cust_other",
		PickupAddress:  "x",
		DropoffAddress: "y",
		PickupAt:       time.Now().Add(48 * time.Hour),
	}, staffActor, "key-1")
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("idempotent replay created a new booking: %s vs %s", second.ID, first.ID)
	}
	if got, ok := s.LookupIdempotent("key-1"); !ok || got.ID != first.ID {
		t.Fatalf("LookupIdempotent miss")
	}
}

func TestCreateIdempotentKeyExpires(t *testing.T) {
	s := NewStore()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	first, err := s.Create(Booking{
		CustomerID:     "cust_1",
		PickupAddress:  "a",
		DropoffAddress: "b",
		PickupAt:       now.Add(48 * time.Hour),
	}, staffActor, "key-ttl")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(31 * time.Minute)
	if _, ok := s.LookupIdempotent("key-ttl"); ok {
		t.Fatalf("key survived past its ttl")
	}
	second, err := s.Create(Booking{
		CustomerID:     "cust_1",
		PickupAddress:  "a",
		DropoffAddress: "b",
		PickupAt:       now.Add(48 * time.Hour),
	}, staffActor, "key-ttl")
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expired key replayed the original booking")
	}
}

func TestTransitionForwardFlow(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	updated, entry, err := s.Transition(b.ID, StageDriverAssigned, staffActor, "", false)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", updated.Status)
	}
	if updated.OverallProgress != 28 {
		t.Fatalf("progress = %d, want 28", updated.OverallProgress)
	}
	if entry.Message != DefaultMessage(StageDriverAssigned) {
		t.Fatalf("empty message should take the stage template, got %q", entry.Message)
	}

	// skipping ahead is allowed; only backward moves are restricted
	updated, _, err = s.Transition(b.ID, StageCarDelivered, staffActor, "handed over", false)
	if err != nil {
		t.Fatalf("transition to final: %v", err)
	}
	if updated.Status != StatusCompleted {
		t.Fatalf("final stage should complete the booking, got %s", updated.Status)
	}
	if updated.OverallProgress != 100 {
		t.Fatalf("progress = %d, want 100", updated.OverallProgress)
	}
}

func TestTransitionNoOpAppendsNothing(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	updated, entry, err := s.Transition(b.ID, StageBookingConfirmed, staffActor, "again", false)
	if err != nil {
		t.Fatalf("no-op transition: %v", err)
	}
	if entry != nil {
		t.Fatalf("no-op must not produce an entry")
	}
	if len(updated.Updates) != 1 {
		t.Fatalf("log grew on no-op: %d entries", len(updated.Updates))
	}
}

func TestTransitionBackward(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	if _, _, err := s.Transition(b.ID, StageCarPickedUp, staffActor, "", false); err != nil {
		t.Fatalf("advance: %v", err)
	}

	_, _, err := s.Transition(b.ID, StageDriverAssigned, staffActor, "", false)
	var backward *BackwardTransitionError
	if !errors.As(err, &backward) {
		t.Fatalf("expected BackwardTransitionError, got %v", err)
	}
	if backward.Current != StageCarPickedUp || backward.Attempted != StageDriverAssigned {
		t.Fatalf("error details wrong: %+v", backward)
	}

	updated, entry, err := s.Transition(b.ID, StageDriverAssigned, staffActor, "correction", true)
	if err != nil {
		t.Fatalf("privileged backward: %v", err)
	}
	if entry == nil || updated.CurrentStage != StageDriverAssigned {
		t.Fatalf("backward move not applied")
	}
	if updated.OverallProgress != 28 {
		t.Fatalf("progress must track the stage backward too, got %d", updated.OverallProgress)
	}
}

func TestTransitionReopensCompleted(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	if _, _, err := s.Transition(b.ID, StageCarDelivered, staffActor, "", false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, _, err := s.Transition(b.ID, StageCarInReturn, staffActor, "", false); !errors.Is(err, ErrBookingTerminal) {
		t.Fatalf("completed booking should reject moves without allowBackward, got %v", err)
	}

	updated, _, err := s.Transition(b.ID, StageCarInReturn, staffActor, "driver came back", true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("reopened booking status = %s, want in_progress", updated.Status)
	}
}

func TestTransitionUnknownStage(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	_, _, err := s.Transition(b.ID, Stage("warp"), staffActor, "", false)
	var invalid *InvalidStageError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStageError, got %v", err)
	}
	if _, _, err := s.Transition(b.ID, StageCancelled, staffActor, "", false); err == nil {
		t.Fatalf("cancelled must not be reachable through Transition")
	}
}

func TestAssignLegRules(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	if _, err := s.AssignLeg(b.ID, ReturnLeg, "drv_1", staffActor, "m"); !errors.Is(err, ErrPickupRequired) {
		t.Fatalf("return before pickup should fail, got %v", err)
	}

	updated, err := s.AssignLeg(b.ID, PickupLeg, "drv_1", staffActor, "assigned")
	if err != nil {
		t.Fatalf("assign pickup: %v", err)
	}
	if updated.PickupLeg.DriverID != "drv_1" || updated.PickupLeg.AssignedAt == nil {
		t.Fatalf("pickup leg not stamped: %+v", updated.PickupLeg)
	}

	if _, err := s.AssignLeg(b.ID, PickupLeg, "drv_2", staffActor, "m"); !errors.Is(err, ErrAssignmentConflict) {
		t.Fatalf("second assignment should conflict, got %v", err)
	}
	// loser must observe no mutation
	current, _ := s.Get(b.ID)
	if current.PickupLeg.DriverID != "drv_1" {
		t.Fatalf("losing assignment mutated the leg: %s", current.PickupLeg.DriverID)
	}

	if _, err := s.AssignLeg(b.ID, ReturnLeg, "drv_2", staffActor, "m"); err != nil {
		t.Fatalf("return after pickup: %v", err)
	}
}

func TestUnassignCascade(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	if _, err := s.AssignLeg(b.ID, PickupLeg, "drv_1", staffActor, "m"); err != nil {
		t.Fatalf("assign pickup: %v", err)
	}
	if _, err := s.AssignLeg(b.ID, ReturnLeg, "drv_2", staffActor, "m"); err != nil {
		t.Fatalf("assign return: %v", err)
	}

	before, _ := s.Get(b.ID)
	updated, cascaded, err := s.UnassignLeg(b.ID, PickupLeg, staffActor, "replanning")
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if !cascaded {
		t.Fatalf("expected cascade to return leg")
	}
	if updated.PickupLeg.DriverID != "" || updated.ReturnLeg.DriverID != "" {
		t.Fatalf("legs not cleared: %+v %+v", updated.PickupLeg, updated.ReturnLeg)
	}
	added := len(updated.Updates) - len(before.Updates)
	if added != 2 {
		t.Fatalf("cascade must append two entries, got %d", added)
	}
	last := updated.Updates[len(updated.Updates)-1]
	if !strings.Contains(last.Message, "drv_2") || !strings.Contains(last.Message, "auto-cleared") {
		t.Fatalf("cascade entry should name the cleared driver: %q", last.Message)
	}
}

func TestUnassignStartedLegBlocked(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	if _, err := s.AssignLeg(b.ID, PickupLeg, "drv_1", staffActor, "m"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := s.ProgressLeg(b.ID, PickupLeg, LegEventStarted, staffActor, "m"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, _, err := s.UnassignLeg(b.ID, PickupLeg, staffActor, "m"); !errors.Is(err, ErrLegInProgress) {
		t.Fatalf("started leg should refuse unassignment, got %v", err)
	}
}

func TestProgressLegIdempotent(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	if _, err := s.AssignLeg(b.ID, PickupLeg, "drv_1", staffActor, "m"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	first, err := s.ProgressLeg(b.ID, PickupLeg, LegEventArrived, staffActor, "at the kerb")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	again, err := s.ProgressLeg(b.ID, PickupLeg, LegEventArrived, staffActor, "at the kerb")
	if err != nil {
		t.Fatalf("re-stamp: %v", err)
	}
	if !again.PickupLeg.ArrivedAt.Equal(*first.PickupLeg.ArrivedAt) {
		t.Fatalf("re-stamp must not move the timestamp")
	}
	if len(again.Updates) != len(first.Updates) {
		t.Fatalf("re-stamp must not append an entry")
	}
}

func TestApplyCancellation(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)

	rec := Cancellation{
		CancelledAt:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CancelledBy:      "cust_1",
		Role:             RoleCustomer,
		RefundAmount:     20000,
		RefundPercentage: 100,
		RefundRef:        "rf_1",
		RefundStatus:     RefundProcessed,
	}
	updated, err := s.ApplyCancellation(b.ID, rec, "cancelled with full refund")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusCancelled || updated.CurrentStage != StageCancelled {
		t.Fatalf("terminal state wrong: %s / %s", updated.Status, updated.CurrentStage)
	}
	if updated.Payment.Status != PaymentRefunded {
		t.Fatalf("processed refund should flip payment to refunded")
	}

	if _, err := s.ApplyCancellation(b.ID, rec, "again"); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("second cancel should fail, got %v", err)
	}
	if _, _, err := s.Transition(b.ID, StageCarPickedUp, staffActor, "", false); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("cancelled booking should refuse transitions, got %v", err)
	}
	if _, err := s.AssignLeg(b.ID, PickupLeg, "drv_1", staffActor, "m"); !errors.Is(err, ErrBookingTerminal) {
		t.Fatalf("cancelled booking should refuse assignment, got %v", err)
	}
}

func TestUpdatesPagination(t *testing.T) {
	s := newTestStore(t)
	b := createTestBooking(t, s)
	for _, stage := range []Stage{StageDriverAssigned, StageCarPickedUp, StageServiceInProgress} {
		if _, _, err := s.Transition(b.ID, stage, staffActor, "", false); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	all, err := s.Updates(b.ID, 0, 0)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Fatalf("entries out of insertion order at %d", i)
		}
	}

	page, err := s.Updates(b.ID, 2, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page) != 2 || page[0].Stage != StageDriverAssigned {
		t.Fatalf("unexpected page: %+v", page)
	}
	if empty, _ := s.Updates(b.ID, 10, 99); empty != nil {
		t.Fatalf("offset past end should be empty")
	}
}

func TestMatchesGuest(t *testing.T) {
	b := Booking{Guest: &GuestContact{Email: "Jo@Example.com", Phone: "+44 7700 900123"}}

	if !MatchesGuest(b, "jo@example.com", "+447700900123") {
		t.Fatalf("normalized match should pass")
	}
	if MatchesGuest(b, "jo@example.com", "+447700900999") {
		t.Fatalf("phone mismatch must fail")
	}
	if MatchesGuest(b, "other@example.com", "+447700900123") {
		t.Fatalf("email mismatch must fail")
	}
	if MatchesGuest(Booking{CustomerID: "cust_1"}, "jo@example.com", "+447700900123") {
		t.Fatalf("non-guest booking must never match")
	}
}

package booking

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps the authoritative in-memory view of bookings, with optional
// persistence. All mutations validate before writing; a failed validation
// leaves both the in-memory record and the persistent row untouched.
type Store struct {
	mu          sync.RWMutex
	bookings    map[string]Booking
	persistence Persistence
	idemKeys    map[string]idemKey
	idemTTL     time.Duration
	idemDB      IdempotencyStore
	dbPing      func(context.Context) error
	redisPing   func(context.Context) error
	now         func() time.Time
}

// idemKey pins an Idempotency-Key header to the booking it created, long
// enough to absorb client retries.
type idemKey struct {
	bookingID string
	expires   time.Time
}

func NewStore() *Store {
	return NewStoreWithPersistence(nil)
}

func NewStoreWithPersistence(p Persistence) *Store {
	return &Store{
		bookings:    make(map[string]Booking),
		persistence: p,
		idemKeys:    make(map[string]idemKey),
		idemTTL:     30 * time.Minute,
		now:         time.Now,
	}
}

// AttachIdempotency connects a persistent idempotency store.
func (s *Store) AttachIdempotency(store IdempotencyStore) {
	s.idemDB = store
}

// AttachHealth sets ping functions used by readiness checks.
func (s *Store) AttachHealth(db func(context.Context) error, redis func(context.Context) error) {
	s.dbPing = db
	s.redisPing = redis
}

// SetClock overrides the time source, for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create registers a booking after external payment capture. The booking
// starts at the first stage with a confirmation entry attributed to the
// creating actor; an actor without a role is recorded as staff.
func (s *Store) Create(b Booking, actor Actor, key string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if existing, ok := s.lookupByKeyLocked(key); ok {
			return existing, nil
		}
	}

	if b.ID == "" {
		b.ID = "bk_" + uuid.NewString()
	}
	if _, exists := s.bookings[b.ID]; exists {
		return Booking{}, ErrDuplicateBooking
	}
	if actor.Role == "" {
		actor.Role = RoleStaff
	}

	now := s.now()
	b.CreatedAt = now
	b.Status = StatusPending
	b.CurrentStage = StageBookingConfirmed
	b.OverallProgress = ProgressOf(StageBookingConfirmed)
	b.Cancellation = nil
	entry := Update{
		Stage:     StageBookingConfirmed,
		Message:   DefaultMessage(StageBookingConfirmed),
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: now,
	}
	b.Updates = []Update{entry}

	if s.persistence != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		if err := s.persistence.CreateBookingWithEntry(ctx, b, entry); err != nil {
			return Booking{}, err
		}
	}
	s.bookings[b.ID] = b

	s.rememberKeyLocked(key, b.ID)
	if s.idemDB != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		_ = s.idemDB.Remember(ctx, key, b.ID)
	}
	return cloneBooking(b), nil
}

// Get returns a booking, falling back to persistence on a cache miss.
func (s *Store) Get(id string) (Booking, bool) {
	s.mu.RLock()
	b, ok := s.bookings[id]
	s.mu.RUnlock()
	if ok {
		return cloneBooking(b), true
	}
	if s.persistence != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		dbBooking, found, err := s.persistence.GetBooking(ctx, id)
		if err == nil && found {
			s.mu.Lock()
			s.bookings[id] = dbBooking
			s.mu.Unlock()
			return cloneBooking(dbBooking), true
		}
	}
	return Booking{}, false
}

// LookupIdempotent returns a booking if the idempotency key was seen.
func (s *Store) LookupIdempotent(key string) (Booking, bool) {
	s.mu.Lock()
	b, ok := s.lookupByKeyLocked(key)
	s.mu.Unlock()
	if ok {
		return cloneBooking(b), true
	}
	return Booking{}, false
}

// Transition applies a stage change. A transition to the current stage is
// a successful no-op and appends no duplicate log entry; the returned
// Update is nil in that case.
func (s *Store) Transition(id string, target Stage, actor Actor, message string, allowBackward bool) (Booking, *Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.getLocked(id)
	if err != nil {
		return Booking{}, nil, err
	}
	if b.Status == StatusCancelled {
		return Booking{}, nil, ErrAlreadyCancelled
	}
	if b.Status == StatusCompleted && !allowBackward {
		return Booking{}, nil, ErrBookingTerminal
	}

	targetIdx := StageIndex(target)
	if targetIdx < 0 {
		return Booking{}, nil, &InvalidStageError{Stage: target}
	}
	currentIdx := StageIndex(b.CurrentStage)
	if target == b.CurrentStage {
		return cloneBooking(b), nil, nil
	}
	if targetIdx < currentIdx && !allowBackward {
		return Booking{}, nil, &BackwardTransitionError{Current: b.CurrentStage, Attempted: target}
	}

	next := b
	next.CurrentStage = target
	next.OverallProgress = ProgressOf(target)
	switch {
	case target == FinalStage():
		next.Status = StatusCompleted
	case targetIdx > 0 && next.Status == StatusPending:
		next.Status = StatusInProgress
	case targetIdx < currentIdx && next.Status == StatusCompleted:
		// privileged rollback out of the final stage reopens the booking
		next.Status = StatusInProgress
	}

	if message == "" {
		message = DefaultMessage(target)
	}
	entry := Update{
		Stage:     target,
		Message:   message,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: s.now(),
	}
	next.Updates = append(cloneUpdates(b.Updates), entry)

	if err := s.persistUpdate(next, entry); err != nil {
		return Booking{}, nil, err
	}
	s.bookings[id] = next
	return cloneBooking(next), &entry, nil
}

// AssignLeg sets a driver on a leg only if it is still unset. The write is
// conditional end to end: when persistence is attached the row predicate
// decides, so exactly one of two racing assignments succeeds and the loser
// observes ErrAssignmentConflict with nothing mutated.
func (s *Store) AssignLeg(id string, kind LegKind, driverID string, actor Actor, message string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.getLocked(id)
	if err != nil {
		return Booking{}, err
	}
	if b.Terminal() {
		return Booking{}, ErrBookingTerminal
	}
	if kind == ReturnLeg && b.PickupLeg.DriverID == "" {
		return Booking{}, ErrPickupRequired
	}
	if b.legFor(kind).DriverID != "" {
		return Booking{}, ErrAssignmentConflict
	}

	now := s.now()
	next := b
	leg := Leg{DriverID: driverID, AssignedAt: &now}
	if kind == ReturnLeg {
		next.ReturnLeg = leg
	} else {
		next.PickupLeg = leg
	}
	entry := Update{
		Stage:     next.CurrentStage,
		Message:   message,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: now,
	}
	next.Updates = append(cloneUpdates(b.Updates), entry)

	if s.persistence != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		ok, err := s.persistence.AssignLegDriver(ctx, id, kind, driverID, now, entry)
		if err != nil {
			return Booking{}, err
		}
		if !ok {
			return Booking{}, ErrAssignmentConflict
		}
	}
	s.bookings[id] = next
	return cloneBooking(next), nil
}

// UnassignLeg clears a leg that has not started yet. Unassigning the pickup
// leg cascades to an unstarted return assignment, which cannot exist
// without an active pickup; the cascade appends its own log entry.
func (s *Store) UnassignLeg(id string, kind LegKind, actor Actor, message string) (Booking, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.getLocked(id)
	if err != nil {
		return Booking{}, false, err
	}
	if b.Terminal() {
		return Booking{}, false, ErrBookingTerminal
	}
	leg := b.legFor(kind)
	if leg.DriverID == "" {
		return Booking{}, false, ErrLegNotAssigned
	}
	if leg.StartedAt != nil {
		return Booking{}, false, ErrLegInProgress
	}

	now := s.now()
	next := b
	if kind == ReturnLeg {
		next.ReturnLeg = Leg{}
	} else {
		next.PickupLeg = Leg{}
	}
	entries := []Update{{
		Stage:     next.CurrentStage,
		Message:   message,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: now,
	}}

	cascaded := false
	if kind == PickupLeg && b.ReturnLeg.DriverID != "" && b.ReturnLeg.StartedAt == nil {
		cascaded = true
		clearedDriver := b.ReturnLeg.DriverID
		next.ReturnLeg = Leg{}
		entries = append(entries, Update{
			Stage:     next.CurrentStage,
			Message:   "Return assignment for driver " + clearedDriver + " auto-cleared after pickup unassignment",
			ActorRole: string(actor.Role),
			CreatedAt: now,
		})
	}
	next.Updates = append(cloneUpdates(b.Updates), entries...)

	if err := s.persistUpdate(next, entries...); err != nil {
		return Booking{}, false, err
	}
	s.bookings[id] = next
	return cloneBooking(next), cascaded, nil
}

// ProgressLeg stamps a driver progress event on a leg. Re-stamping an
// already populated event is a successful no-op.
func (s *Store) ProgressLeg(id string, kind LegKind, event LegEvent, actor Actor, message string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.getLocked(id)
	if err != nil {
		return Booking{}, err
	}
	if b.Terminal() {
		return Booking{}, ErrBookingTerminal
	}
	leg := *b.legFor(kind)
	if leg.DriverID == "" {
		return Booking{}, ErrLegNotAssigned
	}

	now := s.now()
	stamp := &now
	changed := false
	switch event {
	case LegEventAccepted:
		if leg.AcceptedAt == nil {
			leg.AcceptedAt, changed = stamp, true
		}
	case LegEventStarted:
		if leg.StartedAt == nil {
			leg.StartedAt, changed = stamp, true
		}
	case LegEventArrived:
		if leg.ArrivedAt == nil {
			leg.ArrivedAt, changed = stamp, true
		}
	case LegEventCollected:
		if leg.CollectedAt == nil {
			leg.CollectedAt, changed = stamp, true
		}
	case LegEventCompleted:
		if leg.CompletedAt == nil {
			leg.CompletedAt, changed = stamp, true
		}
	default:
		return Booking{}, &InvalidStageError{Stage: Stage(event)}
	}
	if !changed {
		return cloneBooking(b), nil
	}

	next := b
	if kind == ReturnLeg {
		next.ReturnLeg = leg
	} else {
		next.PickupLeg = leg
	}
	entry := Update{
		Stage:     next.CurrentStage,
		Message:   message,
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		CreatedAt: now,
	}
	next.Updates = append(cloneUpdates(b.Updates), entry)

	if err := s.persistUpdate(next, entry); err != nil {
		return Booking{}, err
	}
	s.bookings[id] = next
	return cloneBooking(next), nil
}

// ApplyCancellation commits the terminal cancellation record. The primary
// state change is authoritative even when the refund sub-status is failed.
func (s *Store) ApplyCancellation(id string, rec Cancellation, message string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.getLocked(id)
	if err != nil {
		return Booking{}, err
	}
	if b.Status == StatusCancelled {
		return Booking{}, ErrAlreadyCancelled
	}
	if b.Status == StatusCompleted {
		return Booking{}, ErrBookingTerminal
	}

	next := b
	next.Status = StatusCancelled
	next.CurrentStage = StageCancelled
	next.Cancellation = &rec
	if rec.RefundStatus == RefundProcessed && rec.RefundAmount > 0 {
		next.Payment.Status = PaymentRefunded
	}
	entry := Update{
		Stage:     StageCancelled,
		Message:   message,
		ActorID:   rec.CancelledBy,
		ActorRole: string(rec.Role),
		CreatedAt: rec.CancelledAt,
	}
	next.Updates = append(cloneUpdates(b.Updates), entry)

	if err := s.persistUpdate(next, entry); err != nil {
		return Booking{}, err
	}
	s.bookings[id] = next
	return cloneBooking(next), nil
}

// HealthCheck checks db/redis ping if configured.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			return err
		}
	}
	if s.redisPing != nil {
		if err := s.redisPing(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Updates returns a slice of the booking's log, newest last. Limit <= 0
// returns the whole log.
func (s *Store) Updates(id string, limit, offset int) ([]Update, error) {
	b, ok := s.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	all := b.Updates
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// MatchesGuest verifies both guest contact identifiers against the stored
// booking. Matching is all-or-nothing; callers must not reveal which
// field mismatched.
func MatchesGuest(b Booking, email, phone string) bool {
	if b.Guest == nil {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(email), strings.TrimSpace(b.Guest.Email)) {
		return false
	}
	return normalizePhone(phone) == normalizePhone(b.Guest.Phone)
}

func normalizePhone(p string) string {
	var out []rune
	for _, r := range p {
		if r >= '0' && r <= '9' || r == '+' {
			out = append(out, r)
		}
	}
	return string(out)
}

func (s *Store) getLocked(id string) (Booking, error) {
	if b, ok := s.bookings[id]; ok {
		return b, nil
	}
	if s.persistence != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		b, found, err := s.persistence.GetBooking(ctx, id)
		if err == nil && found {
			s.bookings[id] = b
			return b, nil
		}
	}
	return Booking{}, ErrNotFound
}

func (s *Store) rememberKeyLocked(key, bookingID string) {
	if key == "" || bookingID == "" {
		return
	}
	s.idemKeys[key] = idemKey{bookingID: bookingID, expires: s.now().Add(s.idemTTL)}
}

func (s *Store) lookupByKeyLocked(key string) (Booking, bool) {
	if key == "" {
		return Booking{}, false
	}
	if rec, ok := s.idemKeys[key]; ok {
		if s.now().After(rec.expires) {
			delete(s.idemKeys, key)
		} else if b, ok := s.bookings[rec.bookingID]; ok {
			return b, true
		}
	}
	if s.idemDB != nil {
		ctx, cancel := persistCtx()
		defer cancel()
		if id, ok, err := s.idemDB.Lookup(ctx, key); err == nil && ok {
			if b, ok := s.bookings[id]; ok {
				return b, true
			}
		}
	}
	return Booking{}, false
}

func (s *Store) persistUpdate(b Booking, entries ...Update) error {
	if s.persistence == nil {
		return nil
	}
	ctx, cancel := persistCtx()
	defer cancel()
	return s.persistence.UpdateBookingWithEntry(ctx, b, entries...)
}

func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func cloneBooking(b Booking) Booking {
	out := b
	out.Updates = cloneUpdates(b.Updates)
	if b.Guest != nil {
		g := *b.Guest
		out.Guest = &g
	}
	if b.Cancellation != nil {
		c := *b.Cancellation
		out.Cancellation = &c
	}
	return out
}

func cloneUpdates(in []Update) []Update {
	out := make([]Update, len(in))
	copy(out, in)
	return out
}

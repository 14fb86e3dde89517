package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"valetdrive/internal/booking"
	"valetdrive/internal/jobcount"
)

var (
	ErrDriverNotFound   = errors.New("driver not found")
	ErrDriverIneligible = errors.New("driver is not accepting jobs")
	ErrUnknownLeg       = errors.New("unknown leg")
)

// Notifier receives the booking snapshot after every committed mutation.
type Notifier interface {
	Notify(b booking.Booking)
}

// Coordinator owns driver-leg assignment. A driver's time is a
// non-shareable resource, so assignment is the one operation here that
// must be race-safe: the store's conditional write guarantees exactly one
// of two concurrent attempts wins.
type Coordinator struct {
	store     *booking.Store
	directory DriverDirectory
	counter   jobcount.Counter
	notifier  Notifier
	now       func() time.Time
}

func NewCoordinator(store *booking.Store, directory DriverDirectory, counter jobcount.Counter, notifier Notifier) *Coordinator {
	if counter == nil {
		counter = jobcount.NewInMemoryCounter()
	}
	return &Coordinator{
		store:     store,
		directory: directory,
		counter:   counter,
		notifier:  notifier,
		now:       time.Now,
	}
}

// AssignDriver assigns an eligible driver to a booking leg. The return leg
// may only be assigned once the pickup leg has a driver. The losing side
// of a concurrent assignment gets booking.ErrAssignmentConflict and must
// retry against fresh state.
func (c *Coordinator) AssignDriver(ctx context.Context, bookingID, driverID string, kind booking.LegKind, actor booking.Actor) (booking.Booking, error) {
	if !booking.ValidLegKind(kind) {
		return booking.Booking{}, ErrUnknownLeg
	}
	drv, ok, err := c.directory.Get(ctx, driverID)
	if err != nil {
		return booking.Booking{}, err
	}
	if !ok {
		return booking.Booking{}, ErrDriverNotFound
	}
	if !drv.Eligible() {
		return booking.Booking{}, ErrDriverIneligible
	}

	b, found := c.store.Get(bookingID)
	if !found {
		return booking.Booking{}, booking.ErrNotFound
	}
	// Friendly rejection when the leg is visibly taken; a race past this
	// check still loses on the conditional write below.
	if legDriver(b, kind) != "" {
		return booking.Booking{}, booking.ErrLegAlreadyAssigned
	}
	if kind == booking.ReturnLeg && b.PickupLeg.DriverID == "" {
		return booking.Booking{}, booking.ErrPickupRequired
	}

	msg := fmt.Sprintf("Driver %s assigned to %s leg", drv.Name, kind)
	updated, err := c.store.AssignLeg(bookingID, kind, driverID, actor, msg)
	if err != nil {
		return booking.Booking{}, err
	}

	// advisory counter only; assignment is already committed
	_, _ = c.counter.Incr(ctx, driverID, c.now())

	if kind == booking.PickupLeg {
		updated = c.advanceStage(updated, booking.StageDriverAssigned, actor)
	}
	if c.notifier != nil {
		c.notifier.Notify(updated)
	}
	return updated, nil
}

// UnassignDriver clears a leg that has not started. Clearing the pickup
// leg cascades to an unstarted return assignment.
func (c *Coordinator) UnassignDriver(ctx context.Context, bookingID string, kind booking.LegKind, actor booking.Actor) (booking.Booking, error) {
	if !booking.ValidLegKind(kind) {
		return booking.Booking{}, ErrUnknownLeg
	}
	b, found := c.store.Get(bookingID)
	if !found {
		return booking.Booking{}, booking.ErrNotFound
	}
	msg := fmt.Sprintf("Driver %s unassigned from %s leg", legDriver(b, kind), kind)
	updated, _, err := c.store.UnassignLeg(bookingID, kind, actor, msg)
	if err != nil {
		return booking.Booking{}, err
	}
	if c.notifier != nil {
		c.notifier.Notify(updated)
	}
	return updated, nil
}

// ProgressLeg stamps a driver progress event and moves the overall stage
// along where the leg event implies it: collecting the car on the pickup
// leg means the car is picked up, completing the return leg means it is
// delivered.
func (c *Coordinator) ProgressLeg(ctx context.Context, bookingID string, kind booking.LegKind, event booking.LegEvent, actor booking.Actor) (booking.Booking, error) {
	if !booking.ValidLegKind(kind) {
		return booking.Booking{}, ErrUnknownLeg
	}
	if !booking.ValidLegEvent(event) {
		return booking.Booking{}, fmt.Errorf("%w: unknown leg event %q", ErrUnknownLeg, event)
	}

	msg := fmt.Sprintf("%s leg %s", legTitle(kind), event)
	updated, err := c.store.ProgressLeg(bookingID, kind, event, actor, msg)
	if err != nil {
		return booking.Booking{}, err
	}

	if stage, ok := impliedStage(kind, event); ok {
		updated = c.advanceStage(updated, stage, actor)
	}
	if c.notifier != nil {
		c.notifier.Notify(updated)
	}
	return updated, nil
}

// Overview is the dispatch board view: per-driver advisory daily counts.
type Overview struct {
	Date    string       `json:"date"`
	Drivers []DriverLoad `json:"drivers"`
}

type DriverLoad struct {
	DriverID      string `json:"driverId"`
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	AcceptingJobs bool   `json:"acceptingJobs"`
	JobsToday     int64  `json:"jobsToday"`
}

// DispatchOverview lists every known driver with today's job count. The
// counts are for display only; AssignDriver does not enforce a cap.
func (c *Coordinator) DispatchOverview(ctx context.Context) (Overview, error) {
	drivers, err := c.directory.List(ctx)
	if err != nil {
		return Overview{}, err
	}
	day := c.now()
	out := Overview{Date: day.Format("2006-01-02")}
	for _, drv := range drivers {
		count, err := c.counter.Get(ctx, drv.ID, day)
		if err != nil {
			count = 0
		}
		out.Drivers = append(out.Drivers, DriverLoad{
			DriverID:      drv.ID,
			Name:          drv.Name,
			Active:        drv.Active,
			AcceptingJobs: drv.AcceptingJobs,
			JobsToday:     count,
		})
	}
	return out, nil
}

// advanceStage applies an implied stage change; a no-op or blocked
// backward move is not an error for the triggering leg operation.
func (c *Coordinator) advanceStage(b booking.Booking, stage booking.Stage, actor booking.Actor) booking.Booking {
	updated, _, err := c.store.Transition(b.ID, stage, actor, "", false)
	if err != nil {
		return b
	}
	return updated
}

func impliedStage(kind booking.LegKind, event booking.LegEvent) (booking.Stage, bool) {
	switch {
	case kind == booking.PickupLeg && event == booking.LegEventCollected:
		return booking.StageCarPickedUp, true
	case kind == booking.ReturnLeg && event == booking.LegEventStarted:
		return booking.StageCarInReturn, true
	case kind == booking.ReturnLeg && event == booking.LegEventCompleted:
		return booking.StageCarDelivered, true
	}
	return "", false
}

func legDriver(b booking.Booking, kind booking.LegKind) string {
	if kind == booking.ReturnLeg {
		return b.ReturnLeg.DriverID
	}
	return b.PickupLeg.DriverID
}

func legTitle(kind booking.LegKind) string {
	if kind == booking.ReturnLeg {
		return "Return"
	}
	return "Pickup"
}

package booking

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("booking not found")
	ErrBookingTerminal    = errors.New("booking is completed or cancelled")
	ErrAlreadyCancelled   = errors.New("booking already cancelled")
	ErrLegAlreadyAssigned = errors.New("leg already has a driver")
	ErrPickupRequired     = errors.New("return leg requires a pickup driver first")
	ErrAssignmentConflict = errors.New("assignment lost to a concurrent request")
	ErrLegInProgress      = errors.New("leg already started")
	ErrLegNotAssigned     = errors.New("leg has no driver")
	ErrDuplicateBooking   = errors.New("booking id already exists")
)

// InvalidStageError reports an unknown target stage.
type InvalidStageError struct {
	Stage Stage
}

func (e *InvalidStageError) Error() string {
	return fmt.Sprintf("invalid stage %q", e.Stage)
}

// BackwardTransitionError reports a blocked index decrease. It carries the
// current and attempted stages so callers can render a precise message
// without further lookups.
type BackwardTransitionError struct {
	Current   Stage
	Attempted Stage
}

func (e *BackwardTransitionError) Error() string {
	return fmt.Sprintf("backward transition blocked: current=%s attempted=%s", e.Current, e.Attempted)
}

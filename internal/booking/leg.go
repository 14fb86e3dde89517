package booking

// LegState is the derived sub-state of a transport leg. It is never
// stored; StateOf recomputes it from the populated timestamps so every
// call site derives it the same way.
type LegState string

const (
	LegUnassigned LegState = "unassigned"
	LegAssigned   LegState = "assigned"
	LegAccepted   LegState = "accepted"
	LegStarted    LegState = "started"
	LegArrived    LegState = "arrived"
	LegCollected  LegState = "collected"
	LegCompleted  LegState = "completed"
)

// StateOf probes the leg's timestamps, most advanced first.
func StateOf(l Leg) LegState {
	switch {
	case l.CompletedAt != nil:
		return LegCompleted
	case l.CollectedAt != nil:
		return LegCollected
	case l.ArrivedAt != nil:
		return LegArrived
	case l.StartedAt != nil:
		return LegStarted
	case l.AcceptedAt != nil:
		return LegAccepted
	case l.DriverID != "":
		return LegAssigned
	default:
		return LegUnassigned
	}
}

// LegEvent names a driver progress stamp on a leg.
type LegEvent string

const (
	LegEventAccepted  LegEvent = "accepted"
	LegEventStarted   LegEvent = "started"
	LegEventArrived   LegEvent = "arrived"
	LegEventCollected LegEvent = "collected"
	LegEventCompleted LegEvent = "completed"
)

// ValidLegEvent reports whether e names a known progress stamp.
func ValidLegEvent(e LegEvent) bool {
	switch e {
	case LegEventAccepted, LegEventStarted, LegEventArrived, LegEventCollected, LegEventCompleted:
		return true
	}
	return false
}

// ValidLegKind reports whether k names a known leg.
func ValidLegKind(k LegKind) bool {
	return k == PickupLeg || k == ReturnLeg
}

package booking

// Stage is a named checkpoint in the fixed progression from confirmation
// to delivery.
type Stage string

const (
	StageBookingConfirmed  Stage = "booking_confirmed"
	StageDriverAssigned    Stage = "driver_assigned"
	StageCarPickedUp       Stage = "car_picked_up"
	StageServiceInProgress Stage = "service_in_progress"
	StageServiceCompleted  Stage = "service_completed"
	StageCarInReturn       Stage = "car_in_return"
	StageCarDelivered      Stage = "car_delivered"

	// StageCancelled sits outside the ordered progression and is set only
	// by a cancellation, never by Transition.
	StageCancelled Stage = "cancelled"
)

// stageOrder is the authoritative progression. Index position drives
// OverallProgress and backward-transition checks.
var stageOrder = []Stage{
	StageBookingConfirmed,
	StageDriverAssigned,
	StageCarPickedUp,
	StageServiceInProgress,
	StageServiceCompleted,
	StageCarInReturn,
	StageCarDelivered,
}

var stageMessages = map[Stage]string{
	StageBookingConfirmed:  "Booking confirmed, awaiting driver assignment",
	StageDriverAssigned:    "Driver assigned for collection",
	StageCarPickedUp:       "Vehicle collected from customer",
	StageServiceInProgress: "Vehicle in service at garage",
	StageServiceCompleted:  "Service completed, preparing return",
	StageCarInReturn:       "Vehicle on the way back to customer",
	StageCarDelivered:      "Vehicle delivered back to customer",
}

// StageIndex returns the position of a stage in the ordered progression,
// or -1 for unknown stages (including cancelled).
func StageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ProgressOf maps a stage to its overall progress percentage. It is a
// strictly increasing function of stage index.
func ProgressOf(s Stage) int {
	idx := StageIndex(s)
	if idx < 0 {
		return 0
	}
	return 100 * (idx + 1) / len(stageOrder)
}

// FinalStage is the last stage of the ordered progression.
func FinalStage() Stage {
	return stageOrder[len(stageOrder)-1]
}

// Stages returns a copy of the ordered progression.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// DefaultMessage returns the log template for a stage.
func DefaultMessage(s Stage) string {
	if msg, ok := stageMessages[s]; ok {
		return msg
	}
	return "Stage updated to " + string(s)
}

// refundCutoffStage is the checkpoint past which the refund policy stops
// offering refunds to non-privileged actors.
const refundCutoffStage = StageCarPickedUp

// PastServiceCheckpoint reports whether the booking has progressed beyond
// the point where a customer-initiated refund is still available.
func PastServiceCheckpoint(s Stage) bool {
	idx := StageIndex(s)
	return idx > StageIndex(refundCutoffStage)
}

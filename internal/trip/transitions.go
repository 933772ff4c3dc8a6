package trip

import "github.com/example/trip-dispatch/internal/models"

// Action is a lifecycle command applied to a trip.
type Action string

const (
	ActionAssign        Action = "assign"
	ActionConfirmPickup Action = "confirm_pickup"
	ActionComplete      Action = "complete"
	ActionCancel        Action = "cancel"
)

// Transition is a single allowed edge in the trip state machine.
type Transition struct {
	From   models.TripStatus
	To     models.TripStatus
	Action Action
}

var transitionsTable = []Transition{
	{From: models.TripRequested, To: models.TripAssigned, Action: ActionAssign},
	{From: models.TripAssigned, To: models.TripPickedUp, Action: ActionConfirmPickup},
	{From: models.TripPickedUp, To: models.TripCompleted, Action: ActionComplete},

	// cancellation stops at pickup
	{From: models.TripRequested, To: models.TripCancelled, Action: ActionCancel},
	{From: models.TripAssigned, To: models.TripCancelled, Action: ActionCancel},
}

// TransitionFor returns the allowed transition for a given state+action.
func TransitionFor(from models.TripStatus, a Action) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Action == a {
			return tr, true
		}
	}
	return Transition{}, false
}

// Target is the state an action leads to regardless of source.
func Target(a Action) models.TripStatus {
	for _, tr := range transitionsTable {
		if tr.Action == a {
			return tr.To
		}
	}
	return ""
}

package models

import "fmt"

// Action is something the coordinator (or sweeper) does to a request.
type Action string

const (
	ActionReactivate Action = "reactivate"
	ActionAccept     Action = "accept"
	ActionDecline    Action = "decline"
	ActionCancel     Action = "cancel"
	ActionSettle     Action = "settle"
	ActionExpire     Action = "expire"
)

// ErrIllegalTransition is returned when an action is applied to a request
// whose current status does not admit it.
type ErrIllegalTransition struct {
	From   RequestStatus
	Action Action
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s request", e.Action, e.From)
}

// transitions is the explicit (state, action) -> state table for the request
// lifecycle. Anything absent here is rejected, instead of relying on an SQL
// WHERE clause silently matching zero rows.
var transitions = map[RequestStatus]map[Action]RequestStatus{
	StatusPending: {
		ActionAccept:  StatusAccepted,
		ActionDecline: StatusRejected,
		ActionCancel:  StatusCancelled,
		ActionExpire:  StatusExpired,
	},
	StatusAccepted: {
		ActionSettle: StatusFulfilled,
		ActionCancel: StatusCancelled,
		ActionExpire: StatusExpired,
	},
	StatusRejected: {
		ActionReactivate: StatusPending,
	},
	StatusCancelled: {
		ActionReactivate: StatusPending,
	},
}

// NextStatus resolves a transition or reports it illegal.
func NextStatus(from RequestStatus, action Action) (RequestStatus, error) {
	if row, ok := transitions[from]; ok {
		if to, ok := row[action]; ok {
			return to, nil
		}
	}
	return from, &ErrIllegalTransition{From: from, Action: action}
}

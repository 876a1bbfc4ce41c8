// Package ride holds the lifecycle transition table. It has no side effects;
// the coordinator applies the effects that belong to each edge.
package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-coordinator/internal/models"
)

// Event triggers a lifecycle transition.
type Event int

const (
	OfferReceived Event = iota
	DriverRejected
	OfferTimedOut
	TakenByOther
	AcceptConfirmed
	AcceptConflict
	OTPVerified
	DriverCompleted
	BillAcknowledged
)

var eventNames = map[Event]string{
	OfferReceived:    "offer_received",
	DriverRejected:   "driver_rejected",
	OfferTimedOut:    "offer_timed_out",
	TakenByOther:     "taken_by_other",
	AcceptConfirmed:  "accept_confirmed",
	AcceptConflict:   "accept_conflict",
	OTPVerified:      "otp_verified",
	DriverCompleted:  "driver_completed",
	BillAcknowledged: "bill_acknowledged",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrInvalidTransition is returned for an event that has no edge from the current state.
var ErrInvalidTransition = errors.New("invalid ride transition")

// TransitionError carries the rejected edge.
type TransitionError struct {
	From  models.RideState
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s on %s", ErrInvalidTransition, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var table = map[models.RideState]map[Event]models.RideState{
	models.Idle: {
		OfferReceived: models.Offered,
	},
	models.Offered: {
		DriverRejected:  models.Idle,
		OfferTimedOut:   models.Idle,
		TakenByOther:    models.Idle,
		AcceptConfirmed: models.Accepted,
		AcceptConflict:  models.Idle,
	},
	models.Accepted: {
		OTPVerified:  models.InProgress,
		TakenByOther: models.Idle,
	},
	models.InProgress: {
		DriverCompleted: models.Completed,
		TakenByOther:    models.Idle,
	},
	models.Completed: {
		BillAcknowledged: models.Idle,
		TakenByOther:     models.Idle,
	},
}

// Next returns the state reached from `from` on `ev`.
func Next(from models.RideState, ev Event) (models.RideState, error) {
	if to, ok := table[from][ev]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: ev}
}

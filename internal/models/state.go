package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RideState is the lifecycle state of the driver's current ride.
type RideState int

const (
	Idle RideState = iota
	Offered
	Accepted
	InProgress
	Completed
)

var rideStateNames = [...]string{"idle", "offered", "accepted", "in_progress", "completed"}

func (s RideState) String() string {
	if s < 0 || int(s) >= len(rideStateNames) {
		return fmt.Sprintf("ride_state(%d)", int(s))
	}
	return rideStateNames[s]
}

// Active reports whether the state belongs to a ride the driver has committed to.
func (s RideState) Active() bool { return s == Accepted || s == InProgress }

func (s RideState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *RideState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range rideStateNames {
		if strings.EqualFold(n, name) {
			*s = RideState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ride state %q", name)
}

// DriverStatus is derived from the online flag and the RideState.
type DriverStatus string

const (
	Offline DriverStatus = "offline"
	Online  DriverStatus = "online"
	OnRide  DriverStatus = "onRide"
)

// StatusFor derives the DriverStatus; OnRide iff the ride is Accepted or
// InProgress, whether or not tracking is running yet.
func StatusFor(online bool, s RideState) DriverStatus {
	switch {
	case s.Active():
		return OnRide
	case !online:
		return Offline
	default:
		return Online
	}
}

// Snapshot is the read-only view handed to presentation and persistence.
type Snapshot struct {
	RideState      RideState      `json:"rideState"`
	DriverStatus   DriverStatus   `json:"driverStatus"`
	Ride           *RideOffer     `json:"ride,omitempty"`
	Ledger         DistanceLedger `json:"distanceLedger"`
	Route          RouteTrace     `json:"route"`
	LastPosition   *Position      `json:"lastPosition,omitempty"`
	VerifiedAt     *Position      `json:"otpVerificationLocation,omitempty"`
	Bill           *Bill          `json:"bill,omitempty"`
	Notice         *Notice        `json:"notice,omitempty"`
	AcceptInFlight bool           `json:"acceptInFlight"`
}

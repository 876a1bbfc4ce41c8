package models

import "time"

// Position is a WGS84 coordinate in degrees.
type Position struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Place is a Position with the human readable address shown to the driver.
type Place struct {
	Position
	Address string `json:"address"`
}

// Sample is one reading from the position provider.
type Sample struct {
	Position
	Speed *float64  `json:"speed,omitempty"` // m/s, when the provider reports it
	At    time.Time `json:"at"`
}

// RideOffer is immutable once normalized by intake; RideID identifies it.
type RideOffer struct {
	RideID        string  `json:"rideId"`
	OTP           string  `json:"otp,omitempty"`
	Pickup        Place   `json:"pickup"`
	Drop          Place   `json:"drop"`
	Fare          float64 `json:"fare"`
	DistanceLabel string  `json:"distance"`
	VehicleType   string  `json:"vehicleType"`
	RiderName     string  `json:"userName"`
	RiderPhone    string  `json:"userMobile"`
	RiderID       string  `json:"userId,omitempty"`
}

// RouteTrace holds the last computed polyline for the active leg and the
// trimmed suffix that is actually displayed.
type RouteTrace struct {
	Leg          string     `json:"leg,omitempty"`
	Full         []Position `json:"fullPolyline"`
	Visible      []Position `json:"visiblePolyline"`
	NearestIndex int        `json:"nearestIndex"`
}

// DistanceLedger accumulates travelled distance in kilometers.
type DistanceLedger struct {
	TotalTravelledKm    float64 `json:"totalTravelled"`
	SincePickupVerified float64 `json:"distanceSincePickupVerified"`
}

// Bill is the immutable result of finalizing a ride.
type Bill struct {
	RideID        string    `json:"rideId"`
	DistanceKm    float64   `json:"distanceKm"`
	RatePerKm     float64   `json:"ratePerKm"`
	Fare          int64     `json:"fare"`
	TravelMinutes int64     `json:"travelMinutes"`
	RiderName     string    `json:"userName"`
	VehicleType   string    `json:"vehicleType"`
	From          Position  `json:"actualPickup"`
	To            Position  `json:"actualDrop"`
	CompletedAt   time.Time `json:"completedAt"`
}

// Notice is a user-visible message raised by a transition or a rejected intent.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	RideID  string    `json:"rideId,omitempty"`
	At      time.Time `json:"at"`
}

const (
	NoticeRideTaken     = "ride_taken"
	NoticeRideAccepted  = "ride_accepted"
	NoticeAcceptFailed  = "accept_failed"
	NoticeInvalidOTP    = "invalid_otp"
	NoticeRideStarted   = "ride_started"
	NoticeRideCompleted = "ride_completed"
	NoticeOfferExpired  = "offer_expired"
	NoticeBackOnline    = "back_online"
)

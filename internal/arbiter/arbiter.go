// Package arbiter sends accept requests to the server, which alone decides
// who gets a ride, and classifies the reply.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-coordinator/internal/models"
)

// Outcome of an accept attempt.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeConflict
	OutcomeNetworkError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeConflict:
		return "conflict"
	default:
		return "network_error"
	}
}

// ErrInFlight is returned when an accept for the same ride is still outstanding.
var ErrInFlight = errors.New("accept already in flight")

// ConflictError is the structured loss of the race for a ride.
type ConflictError struct {
	RideID        string
	WinningDriver string
}

func (e *ConflictError) Error() string {
	if e.WinningDriver == "" {
		return fmt.Sprintf("ride %s already taken by another driver", e.RideID)
	}
	return fmt.Sprintf("ride %s already taken by %s", e.RideID, e.WinningDriver)
}

// Requester performs one request/acknowledgement round trip on the live channel.
type Requester interface {
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Request is the acceptRide payload.
type Request struct {
	RequestID   string `json:"requestId"`
	RideID      string `json:"rideId"`
	DriverID    string `json:"driverId"`
	DriverName  string `json:"driverName"`
	VehicleType string `json:"vehicleType"`
}

// Result is the classified server answer. Err is set for conflicts and
// network errors; Details carries what the server echoed on success.
type Result struct {
	Outcome Outcome
	Err     error
	Details Details
}

// Details are the ride fields a successful ack may carry.
type Details struct {
	OTP         string
	RiderName   string
	RiderPhone  string
	RiderID     string
	VehicleType string
	Fare        float64
}

type ackPayload struct {
	Success       bool            `json:"success"`
	Conflict      bool            `json:"conflict"`
	Message       string          `json:"message"`
	CurrentDriver string          `json:"currentDriver"`
	OTP           json.RawMessage `json:"otp"`
	Fare          float64         `json:"fare"`
	VehicleType   string          `json:"vehicleType"`
	UserName      string          `json:"userName"`
	UserMobile    string          `json:"userMobile"`
	UserPhone     string          `json:"userPhone"`
	UserID        string          `json:"userId"`
}

// Arbiter allows at most one outstanding accept per ride id.
type Arbiter struct {
	ch      Requester
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(ch Requester, timeout time.Duration) *Arbiter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Arbiter{ch: ch, timeout: timeout, inflight: make(map[string]struct{})}
}

// Accept sends acceptRide and waits for the server's decision. A second call
// for the same ride while the first is outstanding returns ErrInFlight and
// sends nothing. Network failures are never retried here.
func (a *Arbiter) Accept(ctx context.Context, req Request) (Result, error) {
	a.mu.Lock()
	if _, ok := a.inflight[req.RideID]; ok {
		a.mu.Unlock()
		return Result{}, ErrInFlight
	}
	a.inflight[req.RideID] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, req.RideID)
		a.mu.Unlock()
	}()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	raw, err := a.ch.Request(ctx, "acceptRide", req)
	if err != nil {
		return Result{Outcome: OutcomeNetworkError, Err: err}, nil
	}
	return Classify(req.RideID, raw), nil
}

// Classify maps an acceptRide acknowledgement to an Outcome. Server failures
// that are not conflicts are reported as network errors so the offer stays
// open for another try.
func Classify(rideID string, raw json.RawMessage) Result {
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Result{Outcome: OutcomeNetworkError, Err: fmt.Errorf("decode accept ack: %w", err)}
	}
	if ack.Success {
		phone := ack.UserMobile
		if phone == "" {
			phone = ack.UserPhone
		}
		return Result{Outcome: OutcomeAccepted, Details: Details{
			OTP:         otpString(ack.OTP),
			RiderName:   ack.UserName,
			RiderPhone:  phone,
			RiderID:     ack.UserID,
			VehicleType: ack.VehicleType,
			Fare:        ack.Fare,
		}}
	}
	if ack.Conflict || strings.Contains(strings.ToLower(ack.Message), "already") {
		return Result{Outcome: OutcomeConflict, Err: &ConflictError{RideID: rideID, WinningDriver: ack.CurrentDriver}}
	}
	msg := ack.Message
	if msg == "" {
		msg = "failed to accept ride"
	}
	return Result{Outcome: OutcomeNetworkError, Err: errors.New(msg)}
}

func otpString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// Merge fills the offer's empty fields from a successful ack.
func (d Details) Merge(o models.RideOffer) models.RideOffer {
	if d.OTP != "" {
		o.OTP = d.OTP
	}
	if d.RiderName != "" {
		o.RiderName = d.RiderName
	}
	if d.RiderPhone != "" {
		o.RiderPhone = d.RiderPhone
	}
	if d.RiderID != "" {
		o.RiderID = d.RiderID
	}
	if o.Fare == 0 && d.Fare > 0 {
		o.Fare = d.Fare
	}
	return o
}

package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// Source names the transport an offer arrived on.
type Source string

const (
	SourceChannel Source = "channel"
	SourcePush    Source = "push"
	SourceBackend Source = "backend"
)

var (
	ErrInvalidOffer    = errors.New("invalid offer")
	ErrOffline         = errors.New("driver offline")
	ErrVehicleMismatch = errors.New("vehicle type mismatch")
	ErrDuplicate       = errors.New("duplicate offer")
)

// Driver is what intake needs to know about the receiving driver.
type Driver struct {
	Online      bool
	VehicleType string
}

// Intake normalizes inbound offer events from every transport and filters
// them through one Deduper. It does not touch ride state.
type Intake struct {
	dedup *Deduper
}

func New(d *Deduper) *Intake { return &Intake{dedup: d} }

// Accept returns the normalized offer, or an error naming why it was dropped.
// Drops are silent towards the driver; the error exists for logs and metrics.
func (in *Intake) Accept(raw json.RawMessage, drv Driver) (models.RideOffer, error) {
	if !drv.Online {
		return models.RideOffer{}, ErrOffline
	}
	offer, err := Normalize(raw, drv.VehicleType)
	if err != nil {
		return models.RideOffer{}, err
	}
	if drv.VehicleType == "" || !strings.EqualFold(offer.VehicleType, drv.VehicleType) {
		return models.RideOffer{}, fmt.Errorf("%w: offer %q driver %q", ErrVehicleMismatch, offer.VehicleType, drv.VehicleType)
	}
	if !in.dedup.Mark(offer.RideID) {
		return models.RideOffer{}, ErrDuplicate
	}
	return offer, nil
}

type rawOffer struct {
	RideID      string          `json:"rideId"`
	OTP         json.RawMessage `json:"otp"`
	Pickup      json.RawMessage `json:"pickup"`
	Drop        json.RawMessage `json:"drop"`
	Fare        json.RawMessage `json:"fare"`
	Distance    string          `json:"distance"`
	VehicleType string          `json:"vehicleType"`
	UserName    string          `json:"userName"`
	UserMobile  string          `json:"userMobile"`
	UserID      string          `json:"userId"`
}

type rawPlace struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
	Addr      string   `json:"addr"`
}

// Normalize turns an event of either transport into a RideOffer. Locations may
// be objects or JSON-encoded strings, with lat/lng or latitude/longitude keys.
// A missing vehicle type inherits the driver's.
func Normalize(raw json.RawMessage, driverVehicle string) (models.RideOffer, error) {
	var r rawOffer
	if err := json.Unmarshal(raw, &r); err != nil {
		return models.RideOffer{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if strings.TrimSpace(r.RideID) == "" {
		return models.RideOffer{}, fmt.Errorf("%w: missing rideId", ErrInvalidOffer)
	}
	pickup, err := parsePlace(r.Pickup)
	if err != nil {
		return models.RideOffer{}, fmt.Errorf("%w: pickup: %v", ErrInvalidOffer, err)
	}
	drop, err := parsePlace(r.Drop)
	if err != nil {
		return models.RideOffer{}, fmt.Errorf("%w: drop: %v", ErrInvalidOffer, err)
	}
	offer := models.RideOffer{
		RideID:        r.RideID,
		OTP:           scalarString(r.OTP),
		Pickup:        pickup,
		Drop:          drop,
		Fare:          scalarFloat(r.Fare),
		DistanceLabel: orDefault(r.Distance, "0 km"),
		VehicleType:   orDefault(r.VehicleType, driverVehicle),
		RiderName:     orDefault(r.UserName, "Customer"),
		RiderPhone:    orDefault(r.UserMobile, "N/A"),
		RiderID:       r.UserID,
	}
	return offer, nil
}

func parsePlace(raw json.RawMessage) (models.Place, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return models.Place{}, errors.New("missing")
	}
	// some producers send the location as a JSON string
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var p rawPlace
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Place{}, err
	}
	lat, lon := firstOf(p.Lat, p.Latitude), firstOf(p.Lng, p.Longitude)
	if lat == nil || lon == nil {
		return models.Place{}, errors.New("missing coordinates")
	}
	pos := models.Position{Lat: *lat, Lon: *lon}
	if !geo.Valid(pos) {
		return models.Place{}, fmt.Errorf("coordinates out of range: %v", pos)
	}
	addr := p.Address
	if addr == "" {
		addr = p.Addr
	}
	return models.Place{Position: pos, Address: orDefault(addr, "Unknown")}, nil
}

func firstOf(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func scalarFloat(raw json.RawMessage) float64 {
	s := scalarString(raw)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

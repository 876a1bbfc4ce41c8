package fare

import (
	"math"
	"strings"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

const (
	MinimumFare      = 50
	DefaultRatePerKm = 15.0
)

// Result is the billed distance and fare.
type Result struct {
	DistanceKm float64
	Fare       int64
}

// Finalize bills the straight leg between the OTP verification point and the
// completion point: fare = max(minimum, round(km * rate)). Distance is
// reported at two-decimal precision.
func Finalize(verifiedAt, completedAt models.Position, ratePerKm float64, minimum int64) Result {
	km := geo.DistanceKm(verifiedAt, completedAt)
	f := int64(math.Round(km * ratePerKm))
	if f < minimum {
		f = minimum
	}
	return Result{DistanceKm: math.Round(km*100) / 100, Fare: f}
}

// Rates picks the per-km rate for a ride.
type Rates struct {
	ByVehicle map[string]float64
	Default   float64
}

// For returns the offer's own rate when the server sent one, else the
// configured rate for its vehicle class, else the default.
func (r Rates) For(offer models.RideOffer) float64 {
	if offer.Fare > 0 {
		return offer.Fare
	}
	if v, ok := r.ByVehicle[strings.ToLower(offer.VehicleType)]; ok && v > 0 {
		return v
	}
	if r.Default > 0 {
		return r.Default
	}
	return DefaultRatePerKm
}

// Bill assembles the immutable bill shown at completion.
func Bill(offer models.RideOffer, verifiedAt, completedAt models.Position, rate float64, minimum int64, at time.Time) models.Bill {
	res := Finalize(verifiedAt, completedAt, rate, minimum)
	return models.Bill{
		RideID:        offer.RideID,
		DistanceKm:    res.DistanceKm,
		RatePerKm:     rate,
		Fare:          res.Fare,
		TravelMinutes: int64(math.Round(res.DistanceKm * 10)),
		RiderName:     offer.RiderName,
		VehicleType:   offer.VehicleType,
		From:          verifiedAt,
		To:            completedAt,
		CompletedAt:   at,
	}
}

package route

import (
	"context"
	"errors"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// Leg names one of the two route segments of a ride.
const (
	LegPickup = "pickup"
	LegDrop   = "drop"
)

// ErrNoRoute is returned by a Service that answered but had no usable route.
var ErrNoRoute = errors.New("no route")

// Service is the routing backend used by the coordinator.
type Service interface {
	Route(ctx context.Context, origin, destination models.Position) ([]models.Position, error)
}

// Compute asks svc for a polyline and degrades to the straight segment
// [origin, destination] when the service fails or returns nothing. The error
// is returned alongside the fallback so callers can log it.
func Compute(ctx context.Context, svc Service, origin, destination models.Position) ([]models.Position, error) {
	if svc == nil {
		return straight(origin, destination), ErrNoRoute
	}
	line, err := svc.Route(ctx, origin, destination)
	if err != nil {
		return straight(origin, destination), err
	}
	if len(line) == 0 {
		return straight(origin, destination), ErrNoRoute
	}
	return line, nil
}

func straight(origin, destination models.Position) []models.Position {
	return []models.Position{origin, destination}
}

// Trim projects current onto full and returns [current] + full[idx:], where
// idx is the nearest vertex. An empty full polyline yields nil and -1.
func Trim(full []models.Position, current models.Position) ([]models.Position, int) {
	idx := geo.NearestIndex(current, full)
	if idx < 0 {
		return nil, -1
	}
	visible := make([]models.Position, 0, len(full)-idx+1)
	visible = append(visible, current)
	visible = append(visible, full[idx:]...)
	return visible, idx
}

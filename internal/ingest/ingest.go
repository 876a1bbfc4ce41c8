// Package ingest forwards the driver's position stream to telemetry sinks
// outside the real-time channel: a Kafka topic and a Redis geo set.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// LocationUpdate is one published position.
type LocationUpdate struct {
	DriverID  string              `json:"driverId"`
	Lat       float64             `json:"lat"`
	Lon       float64             `json:"lon"`
	Geohash   string              `json:"geohash"`
	Status    models.DriverStatus `json:"status"`
	RideID    string              `json:"rideId,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

func NewLocationUpdate(driverID string, p models.Position, status models.DriverStatus, rideID string, at time.Time) LocationUpdate {
	return LocationUpdate{
		DriverID:  driverID,
		Lat:       p.Lat,
		Lon:       p.Lon,
		Geohash:   geo.Geohash(p),
		Status:    status,
		RideID:    rideID,
		Timestamp: at.UTC(),
	}
}

type Sink interface {
	Publish(ctx context.Context, u LocationUpdate) error
}

// Fanout publishes to every sink and joins the failures.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, u LocationUpdate) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async decouples a slow sink from the caller. Publish never blocks; updates
// that do not fit in the buffer are dropped.
type Async struct {
	sink    Sink
	queue   chan LocationUpdate
	timeout time.Duration
	logger  *slog.Logger
	dropped func()
}

func NewAsync(sink Sink, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	return &Async{sink: sink, queue: make(chan LocationUpdate, buffer), timeout: timeout, logger: logger, dropped: func() {}}
}

// OnDrop registers a callback for updates discarded by a full buffer.
func (a *Async) OnDrop(fn func()) { a.dropped = fn }

func (a *Async) Publish(_ context.Context, u LocationUpdate) error {
	select {
	case a.queue <- u:
	default:
		a.dropped()
	}
	return nil
}

// Run drains the buffer until ctx ends.
func (a *Async) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-a.queue:
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.sink.Publish(pctx, u); err != nil {
				a.logger.Warn("location_publish_failed", "driver_id", u.DriverID, "error", err)
			}
			cancel()
		}
	}
}

// withRetry runs fn up to attempts times, doubling delay between tries.
func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

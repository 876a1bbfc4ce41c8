package coordinator

import (
	"time"

	"github.com/example/ride-coordinator/internal/channel"
	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/tracker"
)

type liveLocation struct {
	RideID    string    `json:"rideId"`
	DriverID  string    `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// onReading applies one position reading. gen ties it to the subscription
// that produced it; readings from a released subscription are ignored.
func (c *Coordinator) onReading(gen uint64, r tracker.Reading) {
	if gen != c.subGen {
		return
	}
	if r.Err != nil {
		c.log.Warn("position_error", "error", r.Err)
		return
	}
	observability.PositionSamples.Inc()
	if km := c.acc.Observe(r.Sample.Position, c.state); km > 0 {
		observability.DistanceKm.Add(km)
	}
	c.dirty = true
	if c.online && c.uplink.Tick() {
		c.sendUplink(r.Sample)
	}
	if c.routing.waiting {
		c.requestRoute(false)
	}
	c.scheduleTrim()
	if c.state.Active() {
		c.persist()
	}
}

func (c *Coordinator) sendUplink(s models.Sample) {
	at := s.At
	if at.IsZero() {
		at = c.now()
	}
	if c.state.Active() && c.offer != nil {
		c.emit(channel.EventDriverLiveLocation, liveLocation{
			RideID:    c.offer.RideID,
			DriverID:  c.identity.DriverID,
			Latitude:  s.Lat,
			Longitude: s.Lon,
			Timestamp: at,
		})
	}
	if c.deps.Sink == nil {
		return
	}
	u := ingest.NewLocationUpdate(c.identity.DriverID, s.Position, models.StatusFor(c.online, c.state), c.rideID(), at)
	if err := c.deps.Sink.Publish(c.runCtx, u); err != nil {
		observability.Uplinks.WithLabelValues("failed").Inc()
		c.log.Warn("uplink_failed", "error", err)
		return
	}
	observability.Uplinks.WithLabelValues("ok").Inc()
}

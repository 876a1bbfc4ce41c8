package coordinator

import (
	"context"
	"time"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/route"
)

const (
	legPickup = route.LegPickup
	legDrop   = route.LegDrop
)

// routing is the loop-owned state of the active leg. gen changes whenever
// the leg starts or stops, so timers and results from an earlier leg are
// recognised and dropped. seq identifies the one request allowed in flight.
type routing struct {
	leg       string
	gen       uint64
	seq       uint64
	cancel    context.CancelFunc
	recompute *time.Timer
	refresh   *time.Timer
	trim      *time.Timer
	lastTrim  time.Time
	waiting   bool
}

// refresher is implemented by route.Cache.
type refresher interface {
	Refresh(ctx context.Context, from, to models.Position) ([]models.Position, error)
}

type refreshService struct{ r refresher }

func (s refreshService) Route(ctx context.Context, from, to models.Position) ([]models.Position, error) {
	return s.r.Refresh(ctx, from, to)
}

func (c *Coordinator) startLeg(leg string) {
	c.stopRouting()
	c.routing.leg = leg
	if c.trace.Leg != leg {
		c.trace = models.RouteTrace{Leg: leg}
	}
	c.dirty = true
	c.requestRoute(false)
	c.armRecompute()
	c.armRefresh()
}

func (c *Coordinator) stopRouting() {
	r := &c.routing
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, t := range []*time.Timer{r.recompute, r.refresh, r.trim} {
		if t != nil {
			t.Stop()
		}
	}
	r.recompute, r.refresh, r.trim = nil, nil, nil
	r.leg = ""
	r.waiting = false
}

func (c *Coordinator) destination(leg string) models.Position {
	if leg == legPickup {
		return c.offer.Pickup.Position
	}
	return c.offer.Drop.Position
}

// requestRoute starts a computation for the active leg from the last known
// position, cancelling the one in flight. Without a position it waits for
// the next sample.
func (c *Coordinator) requestRoute(fresh bool) {
	r := &c.routing
	if r.leg == "" || c.offer == nil {
		return
	}
	origin, ok := c.acc.Last()
	if !ok {
		r.waiting = true
		return
	}
	r.waiting = false
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := withTimeout(c.runCtx, c.opts.RouteTimeout)
	r.cancel = cancel
	r.seq++
	gen, seq, leg, dest := r.gen, r.seq, r.leg, c.destination(r.leg)

	svc := c.deps.Routes
	if rf, ok := svc.(refresher); ok && fresh {
		svc = refreshService{rf}
	}
	go func() {
		defer cancel()
		line, err := route.Compute(ctx, svc, origin, dest)
		c.post(func() { c.applyRoute(gen, seq, leg, line, err) })
	}()
}

func (c *Coordinator) applyRoute(gen, seq uint64, leg string, line []models.Position, err error) {
	r := &c.routing
	if gen != r.gen || seq != r.seq {
		return
	}
	r.cancel = nil
	if err != nil {
		observability.RouteFetches.WithLabelValues(leg, "fallback").Inc()
		c.log.Warn("route_degraded", "leg", leg, "ride_id", c.rideID(), "error", err)
	} else {
		observability.RouteFetches.WithLabelValues(leg, "ok").Inc()
	}
	c.trace.Leg = leg
	c.trace.Full = line
	c.trace.Visible = nil
	c.trace.NearestIndex = 0
	c.trimNow()
	c.dirty = true
	if c.state.Active() {
		c.persist()
	}
}

func (c *Coordinator) legPeriod() time.Duration {
	if c.routing.leg == legPickup {
		return c.opts.PickupRecompute
	}
	return c.opts.DropRecompute
}

func (c *Coordinator) armRecompute() {
	period := c.legPeriod()
	if period <= 0 {
		return
	}
	gen := c.routing.gen
	c.routing.recompute = time.AfterFunc(period, func() {
		c.post(func() {
			if gen != c.routing.gen {
				return
			}
			c.requestRoute(false)
			c.armRecompute()
		})
	})
}

func (c *Coordinator) armRefresh() {
	if c.opts.FullRefresh <= 0 {
		return
	}
	gen := c.routing.gen
	c.routing.refresh = time.AfterFunc(c.opts.FullRefresh, func() {
		c.post(func() {
			if gen != c.routing.gen {
				return
			}
			c.requestRoute(true)
			c.armRefresh()
		})
	})
}

// scheduleTrim trims at most once per TrimThrottle, with a trailing trim so
// the last sample of a burst is always reflected.
func (c *Coordinator) scheduleTrim() {
	r := &c.routing
	if len(c.trace.Full) == 0 || r.leg == "" {
		return
	}
	throttle := c.opts.TrimThrottle
	since := time.Since(r.lastTrim)
	if throttle <= 0 || since >= throttle {
		c.trimNow()
		return
	}
	if r.trim != nil {
		return
	}
	gen := r.gen
	r.trim = time.AfterFunc(throttle-since, func() {
		c.post(func() {
			if gen != c.routing.gen {
				return
			}
			c.routing.trim = nil
			c.trimNow()
		})
	})
}

func (c *Coordinator) trimNow() {
	last, ok := c.acc.Last()
	if !ok || len(c.trace.Full) == 0 {
		return
	}
	c.trace.Visible, c.trace.NearestIndex = route.Trim(c.trace.Full, last)
	c.routing.lastTrim = time.Now()
	c.dirty = true
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

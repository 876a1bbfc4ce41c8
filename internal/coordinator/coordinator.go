// Package coordinator owns the driver's ride lifecycle. All ride state lives
// on one goroutine; channel events, position samples, timers and driver
// intents are queued onto it and applied one at a time. Network round trips
// run off the loop and post their results back, so every handler re-reads
// the state it depends on when its result arrives.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/arbiter"
	"github.com/example/ride-coordinator/internal/fare"
	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/payments"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/route"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
	"github.com/example/ride-coordinator/internal/tracker"
)

var (
	ErrStopped        = errors.New("coordinator stopped")
	ErrBusy           = errors.New("driver already has a ride")
	ErrUnknownRide    = errors.New("ride does not match the current offer")
	ErrOfferGone      = errors.New("offer is no longer open")
	ErrAcceptFailed   = errors.New("accept request failed")
	ErrInvalidOTP     = errors.New("invalid OTP")
	ErrOTPUnavailable = errors.New("OTP not received yet")
	ErrRideActive     = errors.New("cannot go offline during an active ride")
	ErrPending        = errors.New("operation already in progress")
)

// Channel is the live channel to the ride server.
type Channel interface {
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Backend is the driver REST API.
type Backend interface {
	UpdateStatus(ctx context.Context, token, driverID, status, vehicleType string, loc *models.Position) error
	PendingRides(ctx context.Context, token, driverID string) ([]json.RawMessage, error)
}

// Identity supplies the signed-in driver.
type Identity interface {
	RequireVehicle(ctx context.Context) (session.Identity, error)
}

// Snapshots persists the in-flight ride.
type Snapshots interface {
	Save(ctx context.Context, snap models.Snapshot) error
	Load(ctx context.Context) (models.Snapshot, bool, error)
	Clear(ctx context.Context) error
}

// Options are the timings and tariffs. A zero recompute or refresh period
// disables that timer; a zero TrimThrottle trims on every sample.
type Options struct {
	DedupWindow     time.Duration
	OfferTimeout    time.Duration
	AcceptTimeout   time.Duration
	FirstFixTimeout time.Duration
	PickupRecompute time.Duration
	DropRecompute   time.Duration
	FullRefresh     time.Duration
	TrimThrottle    time.Duration
	RouteTimeout    time.Duration
	IOTimeout       time.Duration
	UplinkEvery     int
	Sampling        tracker.Options
	Rates           fare.Rates
	MinimumFare     int64
}

func DefaultOptions() Options {
	return Options{
		DedupWindow:     intake.DefaultWindow,
		OfferTimeout:    30 * time.Second,
		AcceptTimeout:   10 * time.Second,
		FirstFixTimeout: 15 * time.Second,
		PickupRecompute: 2 * time.Second,
		DropRecompute:   3 * time.Second,
		FullRefresh:     10 * time.Second,
		TrimThrottle:    500 * time.Millisecond,
		RouteTimeout:    5 * time.Second,
		IOTimeout:       5 * time.Second,
		UplinkEvery:     3,
		Sampling:        tracker.DefaultOptions(),
		Rates:           fare.Rates{Default: fare.DefaultRatePerKm},
		MinimumFare:     fare.MinimumFare,
	}
}

// Deps are the collaborators. Backend, Sink and Settler are optional. Sink
// is called on the loop and must not block; wrap slow sinks in ingest.Async.
type Deps struct {
	Channel   Channel
	Identity  Identity
	Store     storage.KV
	Snapshots Snapshots
	Positions tracker.Provider
	Routes    route.Service
	Backend   Backend
	Sink      ingest.Sink
	Settler   payments.Settler
	Logger    *slog.Logger
	Now       func() time.Time
}

type Coordinator struct {
	opts    Options
	deps    Deps
	log     *slog.Logger
	now     func() time.Time
	dedup   *intake.Deduper
	intake  *intake.Intake
	arbiter *arbiter.Arbiter

	ops     chan func()
	outbox  chan func(context.Context)
	stopped chan struct{}
	runCtx  context.Context

	obsMu     sync.Mutex
	observers map[chan models.Snapshot]struct{}

	// Everything below is owned by the loop goroutine.
	state      models.RideState
	online     bool
	connecting bool
	identity   session.Identity
	offer      *models.RideOffer
	acc        tracker.Accumulator
	uplink     *tracker.Throttle
	trace      models.RouteTrace
	verifiedAt *models.Position
	bill       *models.Bill
	notice     *models.Notice

	accepting       string
	expiredInAccept bool
	offerTimer      *time.Timer

	sub    *tracker.Subscription
	subGen uint64

	routing routing
	dirty   bool
}

func New(opts Options, deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	dedup := intake.NewDeduper(opts.DedupWindow)
	return &Coordinator{
		opts:      opts,
		deps:      deps,
		log:       deps.Logger,
		now:       deps.Now,
		dedup:     dedup,
		intake:    intake.New(dedup),
		arbiter:   arbiter.New(deps.Channel, opts.AcceptTimeout),
		ops:       make(chan func(), 256),
		outbox:    make(chan func(context.Context), 256),
		stopped:   make(chan struct{}),
		runCtx:    context.Background(),
		observers: make(map[chan models.Snapshot]struct{}),
		uplink:    tracker.NewThrottle(opts.UplinkEvery),
	}
}

// Run processes events until ctx ends. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	go c.drainOutbox(ctx)
	defer c.shutdown()
	for {
		var op func()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op = <-c.ops:
		}
		op()
		if c.dirty {
			c.dirty = false
			c.broadcast(c.snapshot())
		}
	}
}

func (c *Coordinator) shutdown() {
	close(c.stopped)
	c.stopOfferTimer()
	c.stopRouting()
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.dedup.Stop()
	c.obsMu.Lock()
	for ch := range c.observers {
		close(ch)
		delete(c.observers, ch)
	}
	c.obsMu.Unlock()
}

// post queues fn onto the loop. It must never be called from the loop
// itself. It reports false once the loop has stopped.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (c *Coordinator) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// enqueue hands I/O to the outbox goroutine, which runs tasks in order.
func (c *Coordinator) enqueue(name string, task func(context.Context)) {
	select {
	case c.outbox <- task:
	default:
		c.log.Warn("outbox_full", "task", name)
	}
}

func (c *Coordinator) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-c.outbox:
			tctx, cancel := withTimeout(ctx, c.opts.IOTimeout)
			task(tctx)
			cancel()
		}
	}
}

func (c *Coordinator) emit(event string, payload any) {
	c.enqueue(event, func(ctx context.Context) {
		if err := c.deps.Channel.Emit(ctx, event, payload); err != nil {
			c.log.Warn("channel_emit_failed", "event", event, "error", err)
		}
	})
}

// transition applies ev through the table.
func (c *Coordinator) transition(ev ride.Event) error {
	next, err := ride.Next(c.state, ev)
	if err != nil {
		return err
	}
	c.log.Info("ride_transition", "from", c.state.String(), "to", next.String(), "event", ev.String(), "ride_id", c.rideID())
	c.state = next
	c.dirty = true
	observability.Transitions.WithLabelValues(next.String()).Inc()
	return nil
}

// enterIdle clears every ride-scoped field and timer. The persisted snapshot
// is removed only on bill acknowledgement; a forced exit from an active ride
// overwrites it with an idle one so it cannot be resumed.
func (c *Coordinator) enterIdle(ev ride.Event) error {
	prev := c.state
	if err := c.transition(ev); err != nil {
		return err
	}
	c.stopOfferTimer()
	c.stopRouting()
	c.offer = nil
	c.verifiedAt = nil
	c.bill = nil
	c.trace = models.RouteTrace{}
	c.acc.ResetRide()
	c.accepting = ""
	c.expiredInAccept = false
	switch {
	case ev == ride.BillAcknowledged:
		c.clearSnapshot()
	case prev.Active() || prev == models.Completed:
		// Overwrites the ride with an idle snapshot; the stored ride is only
		// cleared on bill acknowledgement.
		c.persist()
	}
	return nil
}

func (c *Coordinator) setNotice(kind, msg string) {
	c.notice = &models.Notice{Kind: kind, Message: msg, RideID: c.rideID(), At: c.now()}
	c.dirty = true
}

func (c *Coordinator) rideID() string {
	if c.offer == nil {
		return ""
	}
	return c.offer.RideID
}

func (c *Coordinator) snapshot() models.Snapshot {
	s := models.Snapshot{
		RideState:      c.state,
		DriverStatus:   models.StatusFor(c.online, c.state),
		Ledger:         c.acc.Ledger(),
		AcceptInFlight: c.accepting != "",
		Route: models.RouteTrace{
			Leg:          c.trace.Leg,
			Full:         append([]models.Position(nil), c.trace.Full...),
			Visible:      append([]models.Position(nil), c.trace.Visible...),
			NearestIndex: c.trace.NearestIndex,
		},
	}
	if c.offer != nil {
		o := *c.offer
		s.Ride = &o
	}
	if last, ok := c.acc.Last(); ok {
		s.LastPosition = &last
	}
	if c.verifiedAt != nil {
		v := *c.verifiedAt
		s.VerifiedAt = &v
	}
	if c.bill != nil {
		b := *c.bill
		s.Bill = &b
	}
	if c.notice != nil {
		n := *c.notice
		s.Notice = &n
	}
	return s
}

// State returns the current snapshot.
func (c *Coordinator) State(ctx context.Context) (models.Snapshot, error) {
	var s models.Snapshot
	err := c.call(ctx, func() error {
		s = c.snapshot()
		return nil
	})
	return s, err
}

// Watch streams snapshots after every change. Slow readers only see the
// latest one. The returned func releases the subscription.
func (c *Coordinator) Watch() (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, 1)
	c.obsMu.Lock()
	c.observers[ch] = struct{}{}
	c.obsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.obsMu.Lock()
			if _, ok := c.observers[ch]; ok {
				delete(c.observers, ch)
				close(ch)
			}
			c.obsMu.Unlock()
		})
	}
}

func (c *Coordinator) broadcast(s models.Snapshot) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for ch := range c.observers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Coordinator) ioContext() (context.Context, context.CancelFunc) {
	return withTimeout(c.runCtx, c.opts.IOTimeout)
}

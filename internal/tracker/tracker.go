package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// ErrNoPositionFix means the provider produced no position in time; the
// driver cannot go online without one.
var ErrNoPositionFix = errors.New("no position fix")

// Options are the sampling parameters requested from the provider.
type Options struct {
	MinMoveMeters float64
	Interval      time.Duration
	HighAccuracy  bool
}

// DefaultOptions: 5 m movement filter, 3 s interval, high accuracy.
func DefaultOptions() Options {
	return Options{MinMoveMeters: 5, Interval: 3 * time.Second, HighAccuracy: true}
}

// Reading is either a sample or a provider error.
type Reading struct {
	Sample models.Sample
	Err    error
}

// Provider streams readings until ctx is cancelled, then closes the channel.
type Provider interface {
	Watch(ctx context.Context, opts Options) (<-chan Reading, error)
}

// Subscription is the scoped handle on a running position stream. Close must
// be called on every exit path; it is idempotent.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts p and delivers each reading to fn from a single goroutine,
// in arrival order.
func Subscribe(ctx context.Context, p Provider, opts Options, fn func(Reading)) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := p.Watch(ctx, opts)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-ch:
				if !ok {
					return
				}
				fn(r)
			}
		}
	}()
	return s, nil
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Accumulator keeps the last position and the distance ledger. It is owned by
// one goroutine and does no locking.
type Accumulator struct {
	last   *models.Position
	ledger models.DistanceLedger
}

// Observe records p and, when the ride is Accepted or InProgress and a
// previous sample exists, adds the hop to the ledger. Returns the hop in km.
func (a *Accumulator) Observe(p models.Position, state models.RideState) float64 {
	prev := a.last
	a.last = &p
	if prev == nil || !state.Active() {
		return 0
	}
	km := geo.DistanceKm(*prev, p)
	a.ledger.TotalTravelledKm += km
	if state == models.InProgress {
		a.ledger.SincePickupVerified += km
	}
	return km
}

// StartPickupLeg zeroes the since-verification counter.
func (a *Accumulator) StartPickupLeg() { a.ledger.SincePickupVerified = 0 }

// Last returns a copy of the last observed position.
func (a *Accumulator) Last() (models.Position, bool) {
	if a.last == nil {
		return models.Position{}, false
	}
	return *a.last, true
}

func (a *Accumulator) Ledger() models.DistanceLedger { return a.ledger }

// ResetRide clears the ledger and keeps the last position.
func (a *Accumulator) ResetRide() { a.ledger = models.DistanceLedger{} }

// Restore reinstates a persisted ledger and position.
func (a *Accumulator) Restore(l models.DistanceLedger, last *models.Position) {
	a.ledger = l
	if last != nil {
		p := *last
		a.last = &p
	}
}

// Throttle lets every Nth tick through.
type Throttle struct {
	every int
	n     int
}

func NewThrottle(every int) *Throttle {
	if every <= 0 {
		every = 1
	}
	return &Throttle{every: every}
}

func (t *Throttle) Tick() bool {
	t.n++
	if t.n >= t.every {
		t.n = 0
		return true
	}
	return false
}

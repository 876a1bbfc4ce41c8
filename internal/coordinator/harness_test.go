package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-coordinator/internal/ingest"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
	"github.com/example/ride-coordinator/internal/tracker"
)

var (
	pickupPos = models.Position{Lat: 12.9716, Lon: 77.5946}
	dropPos   = models.Position{Lat: 13.0358, Lon: 77.5970}
	startPos  = models.Position{Lat: 12.9600, Lon: 77.5900}
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu      sync.Mutex
	emits   []emitted
	respond func(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event, payload})
	return nil
}

func (f *fakeChannel) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if f.respond == nil {
		return json.RawMessage(`{"success":true}`), nil
	}
	return f.respond(ctx, event, payload)
}

func (f *fakeChannel) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) last(event string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.emits) - 1; i >= 0; i-- {
		if f.emits[i].event == event {
			return f.emits[i].payload, true
		}
	}
	return nil, false
}

type routeCall struct{ from, to models.Position }

type fakeRoutes struct {
	mu    sync.Mutex
	calls []routeCall
	err   error
	line  func(from, to models.Position) []models.Position
}

func (f *fakeRoutes) Route(_ context.Context, from, to models.Position) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, routeCall{from, to})
	if f.err != nil {
		return nil, f.err
	}
	if f.line != nil {
		return f.line(from, to), nil
	}
	mid := models.Position{Lat: (from.Lat + to.Lat) / 2, Lon: (from.Lon + to.Lon) / 2}
	return []models.Position{from, mid, to}, nil
}

func (f *fakeRoutes) calledWith(to models.Position) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.to == to {
			return true
		}
	}
	return false
}

type fakeIdentity struct {
	id  session.Identity
	err error
}

func (f fakeIdentity) RequireVehicle(context.Context) (session.Identity, error) { return f.id, f.err }

type recordingSink struct {
	mu  sync.Mutex
	got []ingest.LocationUpdate
}

func (r *recordingSink) Publish(_ context.Context, u ingest.LocationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, u)
	return nil
}

func (r *recordingSink) updates() []ingest.LocationUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingest.LocationUpdate(nil), r.got...)
}

type harness struct {
	c      *Coordinator
	ch     *fakeChannel
	feed   *tracker.FeedProvider
	routes *fakeRoutes
	kv     *storage.MemoryStore
	snaps  *storage.SnapshotStore
	sink   *recordingSink
	stop   func()
}

func testOptions() Options {
	o := DefaultOptions()
	o.OfferTimeout = 0
	o.PickupRecompute = 0
	o.DropRecompute = 0
	o.FullRefresh = 0
	o.TrimThrottle = 0
	o.FirstFixTimeout = time.Second
	o.IOTimeout = time.Second
	o.UplinkEvery = 1
	return o
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, driverID string, mutate func(*Options, *Deps)) *harness {
	t.Helper()
	kv := storage.NewMemoryStore()
	h := &harness{
		ch:     &fakeChannel{},
		feed:   tracker.NewFeedProvider(),
		routes: &fakeRoutes{},
		kv:     kv,
		snaps:  storage.NewSnapshotStore(kv),
		sink:   &recordingSink{},
	}
	opts := testOptions()
	deps := Deps{
		Channel:   h.ch,
		Identity:  fakeIdentity{id: session.Identity{DriverID: driverID, DriverName: "Ravi", Token: "tok", VehicleType: "bike"}},
		Store:     kv,
		Snapshots: h.snaps,
		Positions: h.feed,
		Routes:    h.routes,
		Sink:      h.sink,
		Logger:    quiet(),
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	h.c = New(opts, deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.c.Run(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) state(t *testing.T) models.Snapshot {
	t.Helper()
	s, err := h.c.State(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) goOnline(t *testing.T, at models.Position) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- h.c.GoOnline(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)
	h.feed.Push(models.Sample{Position: at, At: time.Now()})
	require.NoError(t, <-errc)
	require.Equal(t, models.Online, h.state(t).DriverStatus)
}

func (h *harness) move(t *testing.T, p models.Position) {
	t.Helper()
	h.feed.Push(models.Sample{Position: p, At: time.Now()})
	require.Eventually(t, func() bool {
		s := h.state(t)
		return s.LastPosition != nil && *s.LastPosition == p
	}, waitFor, tick)
}

func (h *harness) offer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.c.OnOffer(context.Background(), offerJSON(id, "bike"), intake.SourceChannel))
	require.Equal(t, models.Offered, h.state(t).RideState)
}

func offerJSON(id, vehicle string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"rideId":%q,"otp":"1234","vehicleType":%q,`+
		`"pickup":{"lat":12.9716,"lng":77.5946,"address":"MG Road"},`+
		`"drop":{"lat":13.0358,"lng":77.597,"address":"Hebbal"},"userName":"Asha"}`, id, vehicle))
}

// north returns p moved n*~111m north, far enough to pass the movement filter.
func north(p models.Position, n int) models.Position {
	return models.Position{Lat: p.Lat + float64(n)*0.001, Lon: p.Lon}
}

var errNetwork = errors.New("socket closed")

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-coordinator/internal/arbiter"
	"github.com/example/ride-coordinator/internal/channel"
	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
	"github.com/example/ride-coordinator/internal/tracker"
)

func TestOfferForOtherVehicleIsDropped(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)

	err := h.c.OnOffer(context.Background(), offerJSON("R1", "taxi"), intake.SourceChannel)
	require.ErrorIs(t, err, intake.ErrVehicleMismatch)
	s := h.state(t)
	assert.Equal(t, models.Idle, s.RideState)
	assert.Nil(t, s.Ride)
}

func TestOfferWhileOfflineIsDropped(t *testing.T) {
	h := newHarness(t, "d1", nil)
	err := h.c.OnOffer(context.Background(), offerJSON("R1", "bike"), intake.SourcePush)
	require.ErrorIs(t, err, intake.ErrOffline)
	assert.Equal(t, models.Idle, h.state(t).RideState)
}

func TestSameOfferOnBothChannelsSurfacesOnce(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)

	h.offer(t, "R1")
	require.NoError(t, h.c.Reject(context.Background(), "R1"))
	require.Equal(t, models.Idle, h.state(t).RideState)

	err := h.c.OnOffer(context.Background(), offerJSON("R1", "bike"), intake.SourcePush)
	require.ErrorIs(t, err, intake.ErrDuplicate)
	assert.Equal(t, models.Idle, h.state(t).RideState)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRejectRide) == 1 }, waitFor, tick)
}

func TestSecondOfferWhileBusyIsDropped(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")

	err := h.c.OnOffer(context.Background(), offerJSON("R2", "bike"), intake.SourceChannel)
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "R1", h.state(t).Ride.RideID)
}

func TestFullRideLifecycle(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")

	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	s := h.state(t)
	require.Equal(t, models.Accepted, s.RideState)
	require.Equal(t, models.OnRide, s.DriverStatus)
	require.Eventually(t, func() bool { return h.routes.calledWith(pickupPos) }, waitFor, tick)

	h.move(t, north(startPos, 1))
	h.move(t, north(startPos, 2))
	s = h.state(t)
	require.Greater(t, s.Ledger.TotalTravelledKm, 0.0)
	require.Zero(t, s.Ledger.SincePickupVerified)

	require.ErrorIs(t, h.c.VerifyOTP(context.Background(), "9999"), ErrInvalidOTP)
	s = h.state(t)
	require.Equal(t, models.Accepted, s.RideState)
	require.Equal(t, models.NoticeInvalidOTP, s.Notice.Kind)

	require.NoError(t, h.c.VerifyOTP(context.Background(), " 1234 "))
	s = h.state(t)
	require.Equal(t, models.InProgress, s.RideState)
	require.Zero(t, s.Ledger.SincePickupVerified)
	require.Greater(t, s.Ledger.TotalTravelledKm, 0.0)
	require.NotNil(t, s.VerifiedAt)
	require.Eventually(t, func() bool { return h.routes.calledWith(dropPos) }, waitFor, tick)
	require.Eventually(t, func() bool {
		return h.ch.count(channel.EventOTPVerified) == 1 && h.ch.count(channel.EventRideStarted) == 1
	}, waitFor, tick)

	for i := 3; i <= 6; i++ {
		h.move(t, north(startPos, i))
	}
	s = h.state(t)
	require.Greater(t, s.Ledger.SincePickupVerified, 0.0)
	require.LessOrEqual(t, s.Ledger.SincePickupVerified, s.Ledger.TotalTravelledKm)

	_, ok, err := h.snaps.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "active ride must leave a snapshot")

	bill, err := h.c.Complete(context.Background())
	require.NoError(t, err)
	require.Equal(t, "R1", bill.RideID)
	require.Equal(t, int64(50), bill.Fare, "a short ride pays the minimum fare")
	require.Equal(t, models.Completed, h.state(t).RideState)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRideCompleted) == 1 }, waitFor, tick)

	require.NoError(t, h.c.AcknowledgeBill(context.Background()))
	s = h.state(t)
	require.Equal(t, models.Idle, s.RideState)
	require.Equal(t, models.Online, s.DriverStatus)
	require.Nil(t, s.Ride)
	require.Zero(t, s.Ledger.TotalTravelledKm)

	_, ok, err = h.snaps.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "snapshot is purged on bill acknowledgement")
}

func TestIntentsOutOfOrderAreRejected(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)

	require.ErrorIs(t, h.c.VerifyOTP(context.Background(), "1234"), ride.ErrInvalidTransition)
	_, err := h.c.Complete(context.Background())
	require.ErrorIs(t, err, ride.ErrInvalidTransition)
	require.ErrorIs(t, h.c.AcknowledgeBill(context.Background()), ride.ErrInvalidTransition)

	h.offer(t, "R1")
	require.ErrorIs(t, h.c.Accept(context.Background(), "R9"), ErrUnknownRide)
	require.ErrorIs(t, h.c.VerifyOTP(context.Background(), "1234"), ride.ErrInvalidTransition)
}

func TestOTPMayArriveWithAcceptAck(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.ch.respond = func(context.Context, string, any) (json.RawMessage, error) {
		return json.RawMessage(`{"success":true,"otp":4321,"userMobile":"99999"}`), nil
	}
	h.goOnline(t, startPos)
	raw := json.RawMessage(`{"rideId":"R1","vehicleType":"bike","pickup":{"lat":12.9716,"lng":77.5946},"drop":{"lat":13.0358,"lng":77.597}}`)
	require.NoError(t, h.c.OnOffer(context.Background(), raw, intake.SourceChannel))
	require.Empty(t, h.state(t).Ride.OTP)

	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	s := h.state(t)
	require.Equal(t, "4321", s.Ride.OTP)
	require.Equal(t, "99999", s.Ride.RiderPhone)
	require.NoError(t, h.c.VerifyOTP(context.Background(), "4321"))
}

func TestOTPUnavailable(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	raw := json.RawMessage(`{"rideId":"R1","vehicleType":"bike","pickup":{"lat":12.9716,"lng":77.5946},"drop":{"lat":13.0358,"lng":77.597}}`)
	require.NoError(t, h.c.OnOffer(context.Background(), raw, intake.SourceChannel))
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.ErrorIs(t, h.c.VerifyOTP(context.Background(), "0000"), ErrOTPUnavailable)
	require.Equal(t, models.Accepted, h.state(t).RideState)
}

// raceServer awards each ride to the first driver whose accept arrives.
type raceServer struct {
	mu     sync.Mutex
	winner map[string]string
}

func (s *raceServer) respond(_ context.Context, _ string, payload any) (json.RawMessage, error) {
	req := payload.(arbiter.Request)
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.winner[req.RideID]; ok && w != req.DriverID {
		b, _ := json.Marshal(map[string]any{"success": false, "conflict": true, "currentDriver": w})
		return b, nil
	}
	s.winner[req.RideID] = req.DriverID
	return json.RawMessage(`{"success":true}`), nil
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	srv := &raceServer{winner: map[string]string{}}
	drivers := []*harness{newHarness(t, "d1", nil), newHarness(t, "d2", nil)}
	for _, h := range drivers {
		h.ch.respond = srv.respond
		h.goOnline(t, startPos)
		h.offer(t, "R1")
	}

	errs := make([]error, len(drivers))
	var wg sync.WaitGroup
	for i, h := range drivers {
		wg.Add(1)
		go func(i int, h *harness) {
			defer wg.Done()
			errs[i] = h.c.Accept(context.Background(), "R1")
		}(i, h)
	}
	wg.Wait()

	winners, losers := 0, 0
	for i, err := range errs {
		s := drivers[i].state(t)
		if err == nil {
			winners++
			require.Equal(t, models.Accepted, s.RideState)
			continue
		}
		losers++
		var ce *arbiter.ConflictError
		require.True(t, errors.As(err, &ce), "loser gets a structured conflict, got %v", err)
		require.Equal(t, "R1", ce.RideID)
		require.NotEmpty(t, ce.WinningDriver)
		require.Equal(t, models.Idle, s.RideState)
		require.Equal(t, models.NoticeRideTaken, s.Notice.Kind)
		require.Eventually(t, func() bool {
			return drivers[i].ch.count(channel.EventRideTakenAcknowledge) == 1
		}, waitFor, tick)
	}
	require.Equal(t, 1, winners)
	require.Equal(t, 1, losers)
}

func TestRideTakenAfterAcceptRevertsToIdle(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.Equal(t, models.Accepted, h.state(t).RideState)

	taken := json.RawMessage(`{"rideId":"R1"}`)
	require.NoError(t, h.c.OnRideTaken(context.Background(), taken))
	s := h.state(t)
	require.Equal(t, models.Idle, s.RideState)
	require.Equal(t, models.Online, s.DriverStatus)
	require.Equal(t, models.NoticeRideTaken, s.Notice.Kind)

	require.NoError(t, h.c.OnRideTaken(context.Background(), taken))
	require.Equal(t, models.Idle, h.state(t).RideState)

	snap, ok, err := h.snaps.Load(context.Background())
	require.NoError(t, err)
	if ok {
		require.Equal(t, models.Idle, snap.RideState, "a taken ride must not be resumable")
	}
}

func TestRideTakenForOtherRideIsIgnored(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.OnRideTaken(context.Background(), json.RawMessage(`{"rideId":"R7"}`)))
	require.Equal(t, models.Offered, h.state(t).RideState)
}

func TestNetworkErrorKeepsOfferOpen(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.ch.respond = func(context.Context, string, any) (json.RawMessage, error) { return nil, errNetwork }
	h.goOnline(t, startPos)
	h.offer(t, "R1")

	err := h.c.Accept(context.Background(), "R1")
	require.ErrorIs(t, err, ErrAcceptFailed)
	s := h.state(t)
	require.Equal(t, models.Offered, s.RideState)
	require.False(t, s.AcceptInFlight)
	require.Equal(t, models.NoticeAcceptFailed, s.Notice.Kind)

	h.ch.respond = nil
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.Equal(t, models.Accepted, h.state(t).RideState)
}

func TestAcceptInFlightGuardsAndDefersTimeout(t *testing.T) {
	release := make(chan struct{})
	var requests int
	var mu sync.Mutex
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.OfferTimeout = 150 * time.Millisecond })
	h.ch.respond = func(context.Context, string, any) (json.RawMessage, error) {
		mu.Lock()
		requests++
		mu.Unlock()
		<-release
		return nil, errNetwork
	}
	h.goOnline(t, startPos)
	h.offer(t, "R1")

	first := make(chan error, 1)
	go func() { first <- h.c.Accept(context.Background(), "R1") }()
	require.Eventually(t, func() bool { return h.state(t).AcceptInFlight }, waitFor, tick)

	require.ErrorIs(t, h.c.Accept(context.Background(), "R1"), arbiter.ErrInFlight)
	require.ErrorIs(t, h.c.Reject(context.Background(), "R1"), arbiter.ErrInFlight)

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, models.Offered, h.state(t).RideState, "timeout must wait for the server's answer")

	close(release)
	require.ErrorIs(t, <-first, ErrAcceptFailed)
	require.Equal(t, models.Idle, h.state(t).RideState)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRejectRide) == 1 }, waitFor, tick)
	mu.Lock()
	require.Equal(t, 1, requests)
	mu.Unlock()
}

func TestOfferTimesOut(t *testing.T) {
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.OfferTimeout = 20 * time.Millisecond })
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.Eventually(t, func() bool { return h.state(t).RideState == models.Idle }, waitFor, tick)
	require.Equal(t, models.NoticeOfferExpired, h.state(t).Notice.Kind)
}

func TestRestoreResumesDropLeg(t *testing.T) {
	h := newHarness(t, "d1", nil)
	last := north(pickupPos, 3)
	verified := pickupPos
	snap := models.Snapshot{
		RideState:    models.InProgress,
		DriverStatus: models.OnRide,
		Ride: &models.RideOffer{
			RideID: "R1", OTP: "1234", VehicleType: "bike",
			Pickup: models.Place{Position: pickupPos, Address: "MG Road"},
			Drop:   models.Place{Position: dropPos, Address: "Hebbal"},
		},
		Ledger:       models.DistanceLedger{TotalTravelledKm: 4.2, SincePickupVerified: 0.4},
		LastPosition: &last,
		VerifiedAt:   &verified,
	}
	require.NoError(t, h.snaps.Save(context.Background(), snap))

	errc := make(chan error, 1)
	go func() { errc <- h.c.Restore(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)
	s := h.state(t)
	require.Equal(t, models.InProgress, s.RideState)
	require.Equal(t, models.OnRide, s.DriverStatus)
	require.Equal(t, "R1", s.Ride.RideID)
	require.InDelta(t, 4.2, s.Ledger.TotalTravelledKm, 1e-9)
	require.Eventually(t, func() bool { return h.routes.calledWith(dropPos) }, waitFor, tick)

	h.feed.Push(models.Sample{Position: last, At: time.Now()})
	require.NoError(t, <-errc)
	s = h.state(t)
	require.Equal(t, models.OnRide, s.DriverStatus)
	require.InDelta(t, 4.2, s.Ledger.TotalTravelledKm, 1e-9)

	// no new OTP is needed to finish the ride
	bill, err := h.c.Complete(context.Background())
	require.NoError(t, err)
	require.Equal(t, "R1", bill.RideID)
	require.Equal(t, verified, bill.From)
	require.Equal(t, last, bill.To)
}

func TestRestoreWithoutFixKeepsRideActive(t *testing.T) {
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.FirstFixTimeout = 20 * time.Millisecond })
	last := north(pickupPos, 1)
	require.NoError(t, h.snaps.Save(context.Background(), models.Snapshot{
		RideState: models.Accepted,
		Ride: &models.RideOffer{
			RideID: "R1", OTP: "1234", VehicleType: "bike",
			Pickup: models.Place{Position: pickupPos},
			Drop:   models.Place{Position: dropPos},
		},
		LastPosition: &last,
	}))

	require.ErrorIs(t, h.c.Foreground(context.Background()), tracker.ErrNoPositionFix)
	s := h.state(t)
	require.Equal(t, models.Accepted, s.RideState)
	require.Equal(t, models.OnRide, s.DriverStatus)
	require.ErrorIs(t, h.c.GoOffline(context.Background()), ErrRideActive)

	// a later attempt picks tracking back up
	errc := make(chan error, 1)
	go func() { errc <- h.c.GoOnline(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)
	h.feed.Push(models.Sample{Position: last, At: time.Now()})
	require.NoError(t, <-errc)
	require.Equal(t, models.OnRide, h.state(t).DriverStatus)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRegisterDriver) == 1 }, waitFor, tick)
}

func TestStartResumesRestoredRide(t *testing.T) {
	h := newHarness(t, "d1", nil)
	last := north(pickupPos, 2)
	require.NoError(t, h.snaps.Save(context.Background(), models.Snapshot{
		RideState: models.Accepted,
		Ride: &models.RideOffer{
			RideID: "R1", OTP: "1234", VehicleType: "bike",
			Pickup: models.Place{Position: pickupPos},
			Drop:   models.Place{Position: dropPos},
		},
		LastPosition: &last,
	}))
	require.NoError(t, h.kv.Set(context.Background(), storage.KeyOnlineStatus, "offline"))

	errc := make(chan error, 1)
	go func() { errc <- h.c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)
	h.feed.Push(models.Sample{Position: last, At: time.Now()})
	require.NoError(t, <-errc)
	require.Equal(t, 1, h.feed.Watchers())
	s := h.state(t)
	require.Equal(t, models.Accepted, s.RideState)
	require.Equal(t, models.OnRide, s.DriverStatus)
	require.Eventually(t, func() bool { return h.routes.calledWith(pickupPos) }, waitFor, tick)
}

func TestBackgroundPersistsAcceptedRide(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	here := north(startPos, 1)
	h.move(t, here)

	require.NoError(t, h.snaps.Clear(context.Background()))
	require.NoError(t, h.c.Background(context.Background()))
	snap, ok, err := h.snaps.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.Accepted, snap.RideState)
	require.Equal(t, models.OnRide, snap.DriverStatus)
	require.Equal(t, "R1", snap.Ride.RideID)
	require.Equal(t, here, *snap.LastPosition)
	require.Greater(t, snap.Ledger.TotalTravelledKm, 0.0)
}

func TestBackgroundWhileIdleWritesNothing(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	require.NoError(t, h.c.Background(context.Background()))
	_, ok, err := h.snaps.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRestoreIgnoresIdleSnapshot(t *testing.T) {
	h := newHarness(t, "d1", nil)
	require.NoError(t, h.snaps.Save(context.Background(), models.Snapshot{RideState: models.Idle}))
	require.NoError(t, h.c.Restore(context.Background()))
	require.Equal(t, models.Idle, h.state(t).RideState)
}

func TestStartRestoresAndGoesOnline(t *testing.T) {
	h := newHarness(t, "d1", nil)
	require.NoError(t, h.kv.Set(context.Background(), storage.KeyOnlineStatus, "online"))

	errc := make(chan error, 1)
	go func() { errc <- h.c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)
	h.feed.Push(models.Sample{Position: startPos})
	require.NoError(t, <-errc)
	require.Equal(t, models.Online, h.state(t).DriverStatus)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRegisterDriver) == 1 }, waitFor, tick)
}

func TestGoOnlineNeedsPositionFix(t *testing.T) {
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.FirstFixTimeout = 20 * time.Millisecond })
	err := h.c.GoOnline(context.Background())
	require.ErrorIs(t, err, tracker.ErrNoPositionFix)
	require.Equal(t, models.Offline, h.state(t).DriverStatus)
	require.Eventually(t, func() bool { return h.feed.Watchers() == 0 }, waitFor, tick)
}

func TestGoOnlineAbortedByShutdownReleasesTracking(t *testing.T) {
	h := newHarness(t, "d1", nil)
	errc := make(chan error, 1)
	go func() { errc <- h.c.GoOnline(context.Background()) }()
	require.Eventually(t, func() bool { return h.feed.Watchers() == 1 }, waitFor, tick)

	h.stop()
	h.feed.Push(models.Sample{Position: startPos, At: time.Now()})
	err := <-errc
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStopped) || errors.Is(err, tracker.ErrNoPositionFix), "unexpected error %v", err)
	require.Eventually(t, func() bool { return h.feed.Watchers() == 0 }, waitFor, tick)
}

func TestPositionErrorDuringRideKeepsLedger(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	h.move(t, north(startPos, 1))
	require.NoError(t, h.c.VerifyOTP(context.Background(), "1234"))
	h.move(t, north(startPos, 2))
	before := h.state(t)

	h.feed.Fail(errors.New("location permission revoked"))
	s := h.state(t)
	require.Equal(t, models.InProgress, s.RideState)
	require.Equal(t, before.Ledger, s.Ledger)

	next := north(startPos, 3)
	h.move(t, next)
	s = h.state(t)
	require.Equal(t, models.InProgress, s.RideState)
	hop := geo.DistanceKm(north(startPos, 2), next)
	require.InDelta(t, before.Ledger.TotalTravelledKm+hop, s.Ledger.TotalTravelledKm, 1e-9)
	require.InDelta(t, before.Ledger.SincePickupVerified+hop, s.Ledger.SincePickupVerified, 1e-9)
	require.Equal(t, 1, h.feed.Watchers())
}

func TestGoOnlineWithExpiredSession(t *testing.T) {
	h := newHarness(t, "d1", func(_ *Options, d *Deps) { d.Identity = fakeIdentity{err: session.ErrSessionExpired} })
	require.ErrorIs(t, h.c.GoOnline(context.Background()), session.ErrSessionExpired)
	require.Zero(t, h.feed.Watchers())
}

func TestGoOnlineRegistersAndPersistsFlag(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRegisterDriver) == 1 }, waitFor, tick)
	p, _ := h.ch.last(channel.EventRegisterDriver)
	reg := p.(registerPayload)
	require.Equal(t, "d1", reg.DriverID)
	require.Equal(t, startPos.Lat, reg.Latitude)

	v, err := h.kv.Get(context.Background(), storage.KeyOnlineStatus)
	require.NoError(t, err)
	require.Equal(t, "online", v)

	h.c.OnConnect()
	require.Eventually(t, func() bool { return h.ch.count(channel.EventRegisterDriver) == 2 }, waitFor, tick)
}

func TestGoOfflineRefusedDuringRide(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.ErrorIs(t, h.c.GoOffline(context.Background()), ErrRideActive)
	require.Equal(t, models.OnRide, h.state(t).DriverStatus)
}

func TestGoOfflineReleasesTracking(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.GoOffline(context.Background()))

	s := h.state(t)
	require.Equal(t, models.Offline, s.DriverStatus)
	require.Equal(t, models.Idle, s.RideState)
	require.Eventually(t, func() bool { return h.feed.Watchers() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return h.ch.count(channel.EventDriverOffline) == 1 && h.ch.count(channel.EventRejectRide) == 1
	}, waitFor, tick)
	v, _ := h.kv.Get(context.Background(), storage.KeyOnlineStatus)
	require.Equal(t, "offline", v)
}

func TestVisiblePolylineFollowsDriver(t *testing.T) {
	line := []models.Position{startPos, north(startPos, 2), north(startPos, 4), north(startPos, 6), pickupPos}
	h := newHarness(t, "d1", nil)
	h.routes.line = func(models.Position, models.Position) []models.Position { return line }
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.Eventually(t, func() bool { return len(h.state(t).Route.Full) == len(line) }, waitFor, tick)

	here := models.Position{Lat: north(startPos, 4).Lat + 0.0001, Lon: startPos.Lon}
	h.move(t, here)
	s := h.state(t)
	require.Equal(t, 2, s.Route.NearestIndex)
	require.Equal(t, here, s.Route.Visible[0])
	require.Equal(t, line[2:], s.Route.Visible[1:])
}

func TestRouteFailureDegradesToStraightLine(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.routes.err = errNetwork
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.Eventually(t, func() bool {
		r := h.state(t).Route
		return len(r.Full) == 2 && r.Full[0] == startPos && r.Full[1] == pickupPos
	}, waitFor, tick)
	require.Equal(t, models.Accepted, h.state(t).RideState)
}

func TestPickupRouteIsRecomputedPeriodically(t *testing.T) {
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.PickupRecompute = 10 * time.Millisecond })
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	require.Eventually(t, func() bool {
		h.routes.mu.Lock()
		defer h.routes.mu.Unlock()
		return len(h.routes.calls) >= 3
	}, waitFor, tick)

	require.NoError(t, h.c.OnRideTaken(context.Background(), json.RawMessage(`{"rideId":"R1"}`)))
	h.routes.mu.Lock()
	n := len(h.routes.calls)
	h.routes.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	h.routes.mu.Lock()
	defer h.routes.mu.Unlock()
	require.LessOrEqual(t, len(h.routes.calls), n+1, "entering Idle stops recompute timers")
}

func TestUplinksAreThrottled(t *testing.T) {
	h := newHarness(t, "d1", func(o *Options, _ *Deps) { o.UplinkEvery = 3 })
	h.goOnline(t, startPos)
	for i := 1; i <= 6; i++ {
		h.move(t, north(startPos, i))
	}
	ups := h.sink.updates()
	require.Len(t, ups, 2)
	require.Equal(t, models.Online, ups[0].Status)
	require.NotEmpty(t, ups[0].Geohash)
}

func TestLiveLocationDuringRide(t *testing.T) {
	h := newHarness(t, "d1", nil)
	h.goOnline(t, startPos)
	h.offer(t, "R1")
	require.NoError(t, h.c.Accept(context.Background(), "R1"))
	h.move(t, north(startPos, 1))
	require.Eventually(t, func() bool { return h.ch.count(channel.EventDriverLiveLocation) >= 1 }, waitFor, tick)
	ups := h.sink.updates()
	require.Equal(t, models.OnRide, ups[len(ups)-1].Status)
	require.Equal(t, "R1", ups[len(ups)-1].RideID)
}

func TestWatchDeliversSnapshots(t *testing.T) {
	h := newHarness(t, "d1", nil)
	snaps, release := h.c.Watch()
	defer release()
	h.goOnline(t, startPos)
	require.Eventually(t, func() bool {
		select {
		case s := <-snaps:
			return s.DriverStatus == models.Online
		default:
			return false
		}
	}, waitFor, tick)
}

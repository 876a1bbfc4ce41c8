package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-coordinator/internal/arbiter"
	"github.com/example/ride-coordinator/internal/backend"
	"github.com/example/ride-coordinator/internal/channel"
	"github.com/example/ride-coordinator/internal/fare"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/ride"
	"github.com/example/ride-coordinator/internal/session"
	"github.com/example/ride-coordinator/internal/storage"
	"github.com/example/ride-coordinator/internal/tracker"
)

type registerPayload struct {
	DriverID    string  `json:"driverId"`
	DriverName  string  `json:"driverName"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	VehicleType string  `json:"vehicleType"`
}

type startedPayload struct {
	RideID    string           `json:"rideId"`
	DriverID  string           `json:"driverId"`
	Location  *models.Position `json:"otpVerificationLocation,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type completedPayload struct {
	RideID       string          `json:"rideId"`
	DriverID     string          `json:"driverId"`
	Distance     float64         `json:"distance"`
	Fare         int64           `json:"fare"`
	ActualPickup models.Position `json:"actualPickup"`
	ActualDrop   models.Position `json:"actualDrop"`
	Timestamp    time.Time       `json:"timestamp"`
}

var errAlreadyOnline = errors.New("already online")

// GoOnline loads the session, starts position tracking and waits for a first
// fix before announcing the driver. Without a fix in FirstFixTimeout the
// subscription is released and tracker.ErrNoPositionFix returned.
func (c *Coordinator) GoOnline(ctx context.Context) error {
	var (
		gen    uint64
		runCtx context.Context
	)
	err := c.call(ctx, func() error {
		if c.online {
			return errAlreadyOnline
		}
		if c.connecting {
			return ErrPending
		}
		c.connecting = true
		c.subGen++
		gen, runCtx = c.subGen, c.runCtx
		return nil
	})
	if errors.Is(err, errAlreadyOnline) {
		return nil
	}
	if err != nil {
		return err
	}

	sub, id, err := c.acquire(ctx, runCtx, gen)
	detached := context.WithoutCancel(ctx)
	if err != nil {
		c.call(detached, func() error {
			c.connecting = false
			if c.subGen == gen {
				c.subGen++
			}
			return nil
		})
		return err
	}
	err = c.call(detached, func() error {
		c.commitOnline(gen, sub, id)
		return nil
	})
	if err != nil {
		sub.Close()
	}
	return err
}

func (c *Coordinator) acquire(ctx, runCtx context.Context, gen uint64) (*tracker.Subscription, session.Identity, error) {
	id, err := c.deps.Identity.RequireVehicle(ctx)
	if err != nil {
		return nil, session.Identity{}, err
	}
	fix := make(chan struct{})
	var once sync.Once
	sub, err := tracker.Subscribe(runCtx, c.deps.Positions, c.opts.Sampling, func(r tracker.Reading) {
		c.post(func() { c.onReading(gen, r) })
		if r.Err == nil {
			once.Do(func() { close(fix) })
		}
	})
	if err != nil {
		return nil, session.Identity{}, fmt.Errorf("%w: %v", tracker.ErrNoPositionFix, err)
	}
	timeout := c.opts.FirstFixTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fix:
		return sub, id, nil
	case <-timer.C:
		err = tracker.ErrNoPositionFix
	case <-ctx.Done():
		err = ctx.Err()
	}
	sub.Close()
	return nil, session.Identity{}, err
}

func (c *Coordinator) commitOnline(gen uint64, sub *tracker.Subscription, id session.Identity) {
	c.connecting = false
	if gen != c.subGen || c.online {
		go sub.Close()
		return
	}
	c.online = true
	c.identity = id
	c.sub = sub
	c.uplink = tracker.NewThrottle(c.opts.UplinkEvery)
	c.dirty = true
	observability.Online.Set(1)
	c.log.Info("driver_online", "driver_id", id.DriverID, "vehicle_type", id.VehicleType)

	c.setKV(storage.KeyOnlineStatus, "online")
	c.register()
	c.postStatus(backend.StatusLive)
	c.checkPending()
	c.setNotice(models.NoticeBackOnline, "You are online")
}

// GoOffline stops tracking and announces the driver offline. An open offer
// is declined first; an active ride blocks the request.
func (c *Coordinator) GoOffline(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.state.Active() {
			return ErrRideActive
		}
		if !c.online {
			return nil
		}
		if c.state == models.Offered {
			if c.accepting != "" {
				return arbiter.ErrInFlight
			}
			c.emit(channel.EventRejectRide, ridePayload{RideID: c.rideID(), DriverID: c.identity.DriverID})
			if err := c.enterIdle(ride.DriverRejected); err != nil {
				return err
			}
		}
		c.emit(channel.EventDriverOffline, struct {
			DriverID string `json:"driverId"`
		}{c.identity.DriverID})
		c.subGen++
		if s := c.sub; s != nil {
			// Close waits for the reader, which may be blocked posting to this loop.
			go s.Close()
			c.sub = nil
		}
		c.stopRouting()
		c.online = false
		c.dirty = true
		observability.Online.Set(0)
		c.log.Info("driver_offline", "driver_id", c.identity.DriverID)
		c.setKV(storage.KeyOnlineStatus, "offline")
		c.postStatus(backend.StatusOffline)
		return nil
	})
}

// OnConnect re-registers the driver after the channel (re)connects.
func (c *Coordinator) OnConnect() {
	c.post(func() {
		if c.online {
			c.register()
		}
	})
}

func (c *Coordinator) register() {
	p := registerPayload{
		DriverID:    c.identity.DriverID,
		DriverName:  c.identity.DriverName,
		VehicleType: c.identity.VehicleType,
	}
	if last, ok := c.acc.Last(); ok {
		p.Latitude, p.Longitude = last.Lat, last.Lon
	}
	c.emit(channel.EventRegisterDriver, p)
}

func (c *Coordinator) postStatus(status string) {
	if c.deps.Backend == nil {
		return
	}
	id := c.identity
	var loc *models.Position
	if last, ok := c.acc.Last(); ok {
		loc = &last
	}
	c.enqueue("update_status", func(ctx context.Context) {
		if err := c.deps.Backend.UpdateStatus(ctx, id.Token, id.DriverID, status, id.VehicleType, loc); err != nil {
			c.log.Warn("status_update_failed", "status", status, "error", err)
		}
	})
}

// checkPending feeds the first ride the backend still holds for the driver
// through intake, like any other offer.
func (c *Coordinator) checkPending() {
	if c.deps.Backend == nil {
		return
	}
	id := c.identity
	c.enqueue("pending_rides", func(ctx context.Context) {
		rides, err := c.deps.Backend.PendingRides(ctx, id.Token, id.DriverID)
		if err != nil {
			c.log.Warn("pending_rides_failed", "error", err)
			return
		}
		if len(rides) == 0 {
			return
		}
		raw := rides[0]
		c.post(func() { _ = c.handleOffer(raw, intake.SourceBackend) })
	})
}

// VerifyOTP starts the ride when code matches the rider's OTP.
func (c *Coordinator) VerifyOTP(ctx context.Context, code string) error {
	return c.call(ctx, func() error {
		if _, err := ride.Next(c.state, ride.OTPVerified); err != nil {
			return err
		}
		if c.offer.OTP == "" {
			return ErrOTPUnavailable
		}
		if strings.TrimSpace(code) != c.offer.OTP {
			c.setNotice(models.NoticeInvalidOTP, "Invalid OTP, check the code with the rider")
			return ErrInvalidOTP
		}
		at, ok := c.acc.Last()
		if !ok {
			return tracker.ErrNoPositionFix
		}
		if err := c.transition(ride.OTPVerified); err != nil {
			return err
		}
		c.verifiedAt = &at
		c.acc.StartPickupLeg()
		now := c.now()
		c.emit(channel.EventOTPVerified, startedPayload{RideID: c.offer.RideID, DriverID: c.identity.DriverID, Timestamp: now})
		c.emit(channel.EventRideStarted, startedPayload{RideID: c.offer.RideID, DriverID: c.identity.DriverID, Location: &at, Timestamp: now})
		c.setNotice(models.NoticeRideStarted, "Ride started")
		c.persist()
		c.startLeg(legDrop)
		return nil
	})
}

// Complete ends the ride at the current position and returns the bill.
func (c *Coordinator) Complete(ctx context.Context) (models.Bill, error) {
	var bill models.Bill
	err := c.call(ctx, func() error {
		if _, err := ride.Next(c.state, ride.DriverCompleted); err != nil {
			return err
		}
		end, ok := c.acc.Last()
		if !ok {
			return tracker.ErrNoPositionFix
		}
		start := end
		if c.verifiedAt != nil {
			start = *c.verifiedAt
		}
		rate := c.opts.Rates.For(*c.offer)
		bill = fare.Bill(*c.offer, start, end, rate, c.opts.MinimumFare, c.now())
		if err := c.transition(ride.DriverCompleted); err != nil {
			return err
		}
		c.stopRouting()
		c.bill = &bill
		c.emit(channel.EventRideCompleted, completedPayload{
			RideID:       bill.RideID,
			DriverID:     c.identity.DriverID,
			Distance:     bill.DistanceKm,
			Fare:         bill.Fare,
			ActualPickup: bill.From,
			ActualDrop:   bill.To,
			Timestamp:    bill.CompletedAt,
		})
		c.setNotice(models.NoticeRideCompleted, fmt.Sprintf("Ride completed, fare %d for %.2f km", bill.Fare, bill.DistanceKm))
		c.settle(bill)
		return nil
	})
	return bill, err
}

func (c *Coordinator) settle(bill models.Bill) {
	if c.deps.Settler == nil {
		return
	}
	ctx, cancel := c.ioContext()
	go func() {
		defer cancel()
		ref, err := c.deps.Settler.Settle(ctx, bill)
		if err != nil {
			c.log.Warn("bill_settlement_failed", "ride_id", bill.RideID, "error", err)
			return
		}
		c.log.Info("bill_settled", "ride_id", bill.RideID, "reference", ref)
	}()
}

// AcknowledgeBill closes the completed ride and purges its snapshot.
func (c *Coordinator) AcknowledgeBill(ctx context.Context) error {
	return c.call(ctx, func() error { return c.enterIdle(ride.BillAcknowledged) })
}

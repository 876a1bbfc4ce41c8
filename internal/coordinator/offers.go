package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-coordinator/internal/arbiter"
	"github.com/example/ride-coordinator/internal/channel"
	"github.com/example/ride-coordinator/internal/intake"
	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/ride"
)

type ridePayload struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

// OnOffer feeds a raw offer from any transport through intake. Offers that
// intake rejects, or that arrive while the driver is not Idle, are dropped
// and the reason is returned for logging only.
func (c *Coordinator) OnOffer(ctx context.Context, raw json.RawMessage, src intake.Source) error {
	return c.call(ctx, func() error { return c.handleOffer(raw, src) })
}

func (c *Coordinator) handleOffer(raw json.RawMessage, src intake.Source) error {
	observability.OffersReceived.WithLabelValues(string(src)).Inc()
	offer, err := c.intake.Accept(raw, intake.Driver{Online: c.online, VehicleType: c.identity.VehicleType})
	if err != nil {
		observability.OffersDropped.WithLabelValues(dropReason(err)).Inc()
		c.log.Debug("offer_dropped", "source", src, "error", err)
		return err
	}
	if c.state != models.Idle {
		observability.OffersDropped.WithLabelValues("busy").Inc()
		c.log.Debug("offer_dropped", "source", src, "ride_id", offer.RideID, "state", c.state.String())
		return ErrBusy
	}
	if err := c.transition(ride.OfferReceived); err != nil {
		return err
	}
	c.offer = &offer
	c.expiredInAccept = false
	c.armOfferTimer(offer.RideID)
	c.log.Info("offer_presented", "ride_id", offer.RideID, "source", src)
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, intake.ErrOffline):
		return "offline"
	case errors.Is(err, intake.ErrVehicleMismatch):
		return "vehicle_mismatch"
	case errors.Is(err, intake.ErrDuplicate):
		return "duplicate"
	default:
		return "invalid"
	}
}

func (c *Coordinator) armOfferTimer(rideID string) {
	c.stopOfferTimer()
	if c.opts.OfferTimeout <= 0 {
		return
	}
	c.offerTimer = time.AfterFunc(c.opts.OfferTimeout, func() {
		c.post(func() { c.expireOffer(rideID) })
	})
}

func (c *Coordinator) stopOfferTimer() {
	if c.offerTimer != nil {
		c.offerTimer.Stop()
		c.offerTimer = nil
	}
}

// expireOffer returns an undecided offer to Idle. While an accept is in
// flight the server's answer decides; expiry is applied afterwards only if
// that answer leaves the offer open.
func (c *Coordinator) expireOffer(rideID string) {
	if c.state != models.Offered || c.rideID() != rideID {
		return
	}
	if c.accepting != "" {
		c.expiredInAccept = true
		return
	}
	c.emit(channel.EventRejectRide, ridePayload{RideID: rideID, DriverID: c.identity.DriverID})
	c.setNotice(models.NoticeOfferExpired, "Ride request expired")
	if err := c.enterIdle(ride.OfferTimedOut); err != nil {
		c.log.Error("offer_expiry_failed", "ride_id", rideID, "error", err)
	}
}

// OnRideTaken handles the server's signal that another driver got the ride.
// It is idempotent and may arrive before, during or after this driver's own
// accept resolves.
func (c *Coordinator) OnRideTaken(ctx context.Context, raw json.RawMessage) error {
	var p struct {
		RideID string `json:"rideId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.RideID == "" {
		return fmt.Errorf("%w: ride taken signal without rideId", intake.ErrInvalidOffer)
	}
	return c.call(ctx, func() error {
		if c.state == models.Idle || c.rideID() != p.RideID {
			return nil
		}
		c.log.Info("ride_taken_by_other", "ride_id", p.RideID, "state", c.state.String())
		c.setNotice(models.NoticeRideTaken, "This ride was accepted by another driver")
		return c.enterIdle(ride.TakenByOther)
	})
}

// Accept asks the server for the current offer. Local state moves to
// Accepted only once the server confirms.
func (c *Coordinator) Accept(ctx context.Context, rideID string) error {
	var req arbiter.Request
	err := c.call(ctx, func() error {
		if err := c.checkOffer(rideID, ride.AcceptConfirmed); err != nil {
			return err
		}
		if c.accepting != "" {
			return arbiter.ErrInFlight
		}
		c.accepting = rideID
		c.dirty = true
		req = arbiter.Request{
			RideID:      rideID,
			DriverID:    c.identity.DriverID,
			DriverName:  c.identity.DriverName,
			VehicleType: c.identity.VehicleType,
		}
		return nil
	})
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := c.arbiter.Accept(context.WithoutCancel(ctx), req)
	observability.AcceptLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		res = arbiter.Result{Outcome: arbiter.OutcomeNetworkError, Err: err}
	}
	observability.AcceptOutcomes.WithLabelValues(res.Outcome.String()).Inc()

	return c.call(context.WithoutCancel(ctx), func() error { return c.resolveAccept(rideID, res) })
}

func (c *Coordinator) resolveAccept(rideID string, res arbiter.Result) error {
	if c.accepting == rideID {
		c.accepting = ""
		c.dirty = true
	}
	if c.state != models.Offered || c.rideID() != rideID {
		c.log.Info("accept_resolved_after_offer_closed", "ride_id", rideID, "outcome", res.Outcome.String())
		return ErrOfferGone
	}
	switch res.Outcome {
	case arbiter.OutcomeAccepted:
		merged := res.Details.Merge(*c.offer)
		if err := c.transition(ride.AcceptConfirmed); err != nil {
			return err
		}
		c.stopOfferTimer()
		c.offer = &merged
		c.acc.ResetRide()
		c.expiredInAccept = false
		c.setNotice(models.NoticeRideAccepted, "Ride accepted")
		c.persist()
		c.startLeg(legPickup)
		return nil
	case arbiter.OutcomeConflict:
		c.emit(channel.EventRideTakenAcknowledge, ridePayload{RideID: rideID, DriverID: c.identity.DriverID})
		c.setNotice(models.NoticeRideTaken, res.Err.Error())
		if err := c.enterIdle(ride.AcceptConflict); err != nil {
			return err
		}
		return res.Err
	default:
		c.log.Warn("accept_failed", "ride_id", rideID, "error", res.Err)
		c.setNotice(models.NoticeAcceptFailed, "Could not reach the server, try again")
		if c.expiredInAccept {
			c.expireOffer(rideID)
		}
		return fmt.Errorf("%w: %v", ErrAcceptFailed, res.Err)
	}
}

// Reject declines the current offer.
func (c *Coordinator) Reject(ctx context.Context, rideID string) error {
	return c.call(ctx, func() error {
		if err := c.checkOffer(rideID, ride.DriverRejected); err != nil {
			return err
		}
		if c.accepting != "" {
			return arbiter.ErrInFlight
		}
		c.emit(channel.EventRejectRide, ridePayload{RideID: rideID, DriverID: c.identity.DriverID})
		return c.enterIdle(ride.DriverRejected)
	})
}

// checkOffer verifies ev is legal now and targets the current offer.
func (c *Coordinator) checkOffer(rideID string, ev ride.Event) error {
	if _, err := ride.Next(c.state, ev); err != nil {
		return err
	}
	if c.rideID() != rideID {
		return ErrUnknownRide
	}
	return nil
}

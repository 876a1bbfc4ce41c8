package coordinator

import (
	"context"
	"errors"

	"github.com/example/ride-coordinator/internal/models"
	"github.com/example/ride-coordinator/internal/observability"
	"github.com/example/ride-coordinator/internal/storage"
)

func (c *Coordinator) persist() {
	if c.deps.Snapshots == nil {
		return
	}
	ctx, cancel := c.ioContext()
	defer cancel()
	if err := c.deps.Snapshots.Save(ctx, c.snapshot()); err != nil {
		c.log.Warn("snapshot_save_failed", "ride_id", c.rideID(), "error", err)
	}
}

func (c *Coordinator) clearSnapshot() {
	if c.deps.Snapshots == nil {
		return
	}
	ctx, cancel := c.ioContext()
	defer cancel()
	if err := c.deps.Snapshots.Clear(ctx); err != nil {
		c.log.Warn("snapshot_clear_failed", "error", err)
	}
}

func (c *Coordinator) setKV(key, value string) {
	if c.deps.Store == nil {
		return
	}
	ctx, cancel := c.ioContext()
	defer cancel()
	if err := c.deps.Store.Set(ctx, key, value); err != nil {
		c.log.Warn("kv_write_failed", "key", key, "error", err)
	}
}

// Background persists an active ride before the process may be suspended.
func (c *Coordinator) Background(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.state.Active() {
			c.persist()
		}
		return nil
	})
}

// Foreground reinstates a persisted ride if the process lost it.
func (c *Coordinator) Foreground(ctx context.Context) error { return c.Restore(ctx) }

// Restore reinstates an Accepted or InProgress ride from the snapshot and
// restarts routing for its leg from the restored position. A live ride in
// memory always wins over the snapshot. Tracking is resumed for a restored
// ride; if no fix arrives the ride stays active and the error is returned.
func (c *Coordinator) Restore(ctx context.Context) error {
	resume, err := c.restore(ctx)
	if err != nil || !resume {
		return err
	}
	return c.resumeTracking(ctx)
}

// restore reports whether a ride was reinstated while tracking is stopped.
func (c *Coordinator) restore(ctx context.Context) (bool, error) {
	var resume bool
	err := c.call(ctx, func() error {
		if c.state != models.Idle || c.deps.Snapshots == nil {
			return nil
		}
		ioctx, cancel := c.ioContext()
		snap, ok, err := c.deps.Snapshots.Load(ioctx)
		cancel()
		if err != nil {
			return err
		}
		if !ok || !snap.RideState.Active() || snap.Ride == nil {
			return nil
		}
		offer := *snap.Ride
		c.state = snap.RideState
		c.offer = &offer
		c.acc.Restore(snap.Ledger, snap.LastPosition)
		c.trace = snap.Route
		c.verifiedAt = snap.VerifiedAt
		c.dedup.Mark(offer.RideID)
		c.dirty = true
		observability.Transitions.WithLabelValues(c.state.String()).Inc()
		c.log.Info("ride_restored", "ride_id", offer.RideID, "state", c.state.String())
		if c.state == models.InProgress {
			c.startLeg(legDrop)
		} else {
			c.startLeg(legPickup)
		}
		resume = !c.online
		return nil
	})
	return resume, err
}

func (c *Coordinator) resumeTracking(ctx context.Context) error {
	err := c.GoOnline(ctx)
	if errors.Is(err, ErrPending) {
		return nil
	}
	if err != nil {
		c.log.Warn("ride_tracking_not_resumed", "error", err)
	}
	return err
}

// Start restores any in-flight ride and goes back online if the driver was
// online when the process last ran.
func (c *Coordinator) Start(ctx context.Context) error {
	resume, err := c.restore(ctx)
	if err != nil {
		c.log.Warn("restore_failed", "error", err)
	}
	if resume {
		return c.resumeTracking(ctx)
	}
	if c.deps.Store == nil {
		return nil
	}
	v, err := c.deps.Store.Get(ctx, storage.KeyOnlineStatus)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && v != "online") {
		return nil
	}
	if err != nil {
		return err
	}
	return c.GoOnline(ctx)
}

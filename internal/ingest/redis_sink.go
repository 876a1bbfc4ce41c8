package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DriversGeoKey  = "drivers_geo"
	driverMetaPref = "driver:meta:"
)

// RedisSink keeps the driver's latest position in a shared geo set plus a
// small metadata hash.
type RedisSink struct {
	rdb      redis.Cmdable
	attempts int
	delay    time.Duration
}

func NewRedisSink(rdb redis.Cmdable, attempts int, delay time.Duration) *RedisSink {
	if attempts <= 0 {
		attempts = 1
	}
	return &RedisSink{rdb: rdb, attempts: attempts, delay: delay}
}

func (r *RedisSink) Publish(ctx context.Context, u LocationUpdate) error {
	return withRetry(ctx, r.attempts, r.delay, func() error {
		if err := r.rdb.GeoAdd(ctx, DriversGeoKey, &redis.GeoLocation{Name: u.DriverID, Longitude: u.Lon, Latitude: u.Lat}).Err(); err != nil {
			return err
		}
		return r.rdb.HSet(ctx, driverMetaPref+u.DriverID, map[string]any{
			"status":  string(u.Status),
			"ride_id": u.RideID,
			"geohash": u.Geohash,
			"ts":      u.Timestamp.Unix(),
		}).Err()
	})
}

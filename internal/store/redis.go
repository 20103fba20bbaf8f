// Package store is the optional Redis device-info cache: the last-seen
// identity of every device that completed a session, plus per-day probe
// counters used to bound how often an unresponsive device is re-probed.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deviceTTL  = 90 * 24 * time.Hour
	counterTTL = 48 * time.Hour
)

// Snapshot is the cached identity of one device.
type Snapshot struct {
	DeviceID     string
	Driver       string
	Model        string
	SerialNumber string
	Firmware     string
	LastSeen     time.Time
}

// Store wraps the Redis client. A nil *Store is a disabled cache: every
// method is a no-op, so callers never branch on configuration.
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis. An empty addr returns a nil (disabled) store.
func New(addr string, db int, logger *slog.Logger) (*Store, error) {
	if addr == "" {
		logger.Info("store: disabled (no redis address configured)")
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("store: redis ping failed: %w", err)
	}
	logger.Info("store: redis connected", "addr", addr, "db", db)
	return &Store{rdb: rdb, logger: logger.With("component", "store")}, nil
}

func deviceKey(deviceID string) string { return "uplink:device:" + deviceID }

// RememberDevice upserts the device snapshot. Cache failures are logged and
// swallowed: the cache must never fail an upload session.
func (s *Store) RememberDevice(ctx context.Context, snap Snapshot) {
	if s == nil {
		return
	}
	err := s.rdb.HSet(ctx, deviceKey(snap.DeviceID), map[string]any{
		"driver":   snap.Driver,
		"model":    snap.Model,
		"serial":   snap.SerialNumber,
		"firmware": snap.Firmware,
		"lastSeen": snap.LastSeen.UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		s.logger.Warn("store: device upsert failed", "deviceId", snap.DeviceID, "err", err)
		return
	}
	_ = s.rdb.Expire(ctx, deviceKey(snap.DeviceID), deviceTTL).Err()
}

// LastSeen returns the cached snapshot, if any.
func (s *Store) LastSeen(ctx context.Context, deviceID string) (Snapshot, bool) {
	if s == nil {
		return Snapshot{}, false
	}
	vals, err := s.rdb.HGetAll(ctx, deviceKey(deviceID)).Result()
	if err != nil || len(vals) == 0 {
		return Snapshot{}, false
	}
	snap := Snapshot{
		DeviceID:     deviceID,
		Driver:       vals["driver"],
		Model:        vals["model"],
		SerialNumber: vals["serial"],
		Firmware:     vals["firmware"],
	}
	if t, err := time.Parse(time.RFC3339, vals["lastSeen"]); err == nil {
		snap.LastSeen = t
	}
	return snap, true
}

func probeKey(driverID string, day time.Time) string {
	return "uplink:probes:" + driverID + ":" + day.UTC().Format("20060102")
}

// IncProbe counts one detection probe for the driver today and returns the
// running total, so callers can stop hammering a port that never answers.
func (s *Store) IncProbe(ctx context.Context, driverID string) int64 {
	if s == nil {
		return 0
	}
	key := probeKey(driverID, time.Now())
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		s.logger.Warn("store: probe counter failed", "driver", driverID, "err", err)
		return 0
	}
	_ = s.rdb.Expire(ctx, key, counterTTL).Err()
	return n
}

// ProbesToday reads today's probe counter without incrementing.
func (s *Store) ProbesToday(ctx context.Context, driverID string) int64 {
	if s == nil {
		return 0
	}
	n, err := s.rdb.Get(ctx, probeKey(driverID, time.Now())).Int64()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

// Package persist decides whether a fix is worth writing to durable
// storage and performs the writes. A fix must both clear a temporal
// throttle and a spatial debounce; failures are logged and swallowed so
// the watch loop can never be crashed by the store.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/geo"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// ErrMissingAssociation is returned by Store implementations when a
// history append fails because the optional freight association does not
// resolve (e.g. the freight was completed between fix and write).
var ErrMissingAssociation = errors.New("persist: missing freight association")

// Store is the persistence collaborator.
type Store interface {
	// UpsertCurrent writes the driver's "current location" record,
	// keyed by driver.
	UpsertCurrent(ctx context.Context, driverID string, fix pkg.Fix) error
	// MirrorProfile mirrors the position into the compatibility fields
	// of the driver's profile record.
	MirrorProfile(ctx context.Context, driverID string, lat, lng float64) error
	// AppendHistory appends one immutable history entry.
	AppendHistory(ctx context.Context, entry pkg.HistoryEntry) error
}

// Config holds the gate thresholds. Fixed defaults, documented tunables.
type Config struct {
	MinSaveInterval       time.Duration `json:"min_save_interval"`
	MinDistanceM          float64       `json:"min_distance_m"`
	LowAccuracyThresholdM float64       `json:"low_accuracy_threshold_m"`
}

// DefaultConfig returns the production gate thresholds.
func DefaultConfig() *Config {
	return &Config{
		MinSaveInterval:       60 * time.Second,
		MinDistanceM:          20,
		LowAccuracyThresholdM: 150,
	}
}

// Gate throttles and debounces position persistence for one
// (driver, freight) pair. Checkpoints are never shared across pairs.
type Gate struct {
	config    *Config
	logger    *logx.Logger
	store     Store
	driverID  string
	freightID string

	mu           sync.Mutex
	saving       bool // single-flight guard; concurrent calls are dropped
	lastSaveTime time.Time
	hasLast      bool
	lastLat      float64
	lastLng      float64

	now func() time.Time
}

// NewGate creates a gate for the given driver and optional freight.
func NewGate(config *Config, logger *logx.Logger, store Store, driverID, freightID string) *Gate {
	if config == nil {
		config = DefaultConfig()
	}
	return &Gate{
		config:    config,
		logger:    logger,
		store:     store,
		driverID:  driverID,
		freightID: freightID,
		now:       time.Now,
	}
}

// Persist runs the gate decision for the fix and, if it passes, performs
// the writes. Returns whether the fix was persisted. Never returns an
// error: write failures are logged and swallowed, and the checkpoint is
// left untouched so the next fix gets a fair chance.
//
// Decision rules, all required:
//  1. a driver identifier is present
//  2. no write is already in flight
//  3. the 60s save throttle has elapsed
//  4. the device moved more than 20m since the last saved position
func (g *Gate) Persist(ctx context.Context, fix pkg.Fix) bool {
	if g.driverID == "" {
		return false
	}

	g.mu.Lock()
	if g.saving {
		g.mu.Unlock()
		g.logger.Debug("save_skipped", "reason", "write_in_flight")
		return false
	}

	now := g.now()
	if !g.lastSaveTime.IsZero() && now.Sub(g.lastSaveTime) < g.config.MinSaveInterval {
		g.mu.Unlock()
		g.logger.Debug("save_skipped", "reason", "throttled",
			"since_last", now.Sub(g.lastSaveTime).String())
		return false
	}

	if g.hasLast {
		moved := geo.Distance(g.lastLat, g.lastLng, fix.Latitude, fix.Longitude)
		if moved <= g.config.MinDistanceM {
			g.mu.Unlock()
			g.logger.Debug("save_skipped", "reason", "insufficient_movement", "moved_m", moved)
			return false
		}
	}

	g.saving = true
	g.mu.Unlock()

	saved := g.write(ctx, fix)

	g.mu.Lock()
	g.saving = false
	if saved {
		g.lastSaveTime = g.now()
		g.hasLast = true
		g.lastLat = fix.Latitude
		g.lastLng = fix.Longitude
	}
	g.mu.Unlock()

	return saved
}

// write performs the store calls. The current-location upsert is the
// primary write and gates the checkpoint; the profile mirror and the
// history append are best-effort.
func (g *Gate) write(ctx context.Context, fix pkg.Fix) bool {
	if err := g.store.UpsertCurrent(ctx, g.driverID, fix); err != nil {
		g.logger.Error("current_location_write_failed", "driver_id", g.driverID, "error", err)
		return false
	}

	if err := g.store.MirrorProfile(ctx, g.driverID, fix.Latitude, fix.Longitude); err != nil {
		g.logger.Warn("profile_mirror_failed", "driver_id", g.driverID, "error", err)
	}

	entry := pkg.HistoryEntry{
		DriverID:    g.driverID,
		FreightID:   g.freightID,
		Latitude:    fix.Latitude,
		Longitude:   fix.Longitude,
		Accuracy:    fix.Accuracy,
		LowAccuracy: fix.Accuracy > g.config.LowAccuracyThresholdM,
		RecordedAt:  fix.Time(),
	}
	if err := g.store.AppendHistory(ctx, entry); err != nil {
		// A stale freight association should not cost us the point:
		// retry once without it.
		if entry.FreightID != "" {
			g.logger.Warn("history_append_retrying_without_freight",
				"driver_id", g.driverID, "freight_id", entry.FreightID, "error", err)
			entry.FreightID = ""
			if err := g.store.AppendHistory(ctx, entry); err != nil {
				g.logger.Error("history_append_failed", "driver_id", g.driverID, "error", err)
			}
		} else {
			g.logger.Error("history_append_failed", "driver_id", g.driverID, "error", err)
		}
	}

	g.logger.Debug("position_saved", "driver_id", g.driverID,
		"lat", fix.Latitude, "lng", fix.Longitude, "low_accuracy", entry.LowAccuracy)
	return true
}

// Checkpoint returns the last successful save time and position, for
// debugging. ok is false before the first save.
func (g *Gate) Checkpoint() (t time.Time, lat, lng float64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSaveTime, g.lastLat, g.lastLng, g.hasLast
}

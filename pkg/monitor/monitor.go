// Package monitor owns the continuous position-watch lifecycle: starting
// and stopping the platform watch, classifying provider errors,
// corroborating permission denials, and deriving the current location
// status. It never throws from a provider callback; every failure is
// downgraded to a status and, at most, a rate-limited alert.
package monitor

import (
	"context"
	"sync"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/alerts"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// Config holds the monitor thresholds. Fixed defaults, documented
// tunables.
type Config struct {
	LowAccuracyThresholdM          float64 `json:"low_accuracy_threshold_m"`
	ConsecutiveErrorAlertThreshold int     `json:"consecutive_error_alert_threshold"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() *Config {
	return &Config{
		LowAccuracyThresholdM:          150,
		ConsecutiveErrorAlertThreshold: 5,
	}
}

// DebugSnapshot is a point-in-time view of the monitor internals.
type DebugSnapshot struct {
	Platform          string `json:"platform"`
	Native            bool   `json:"native"`
	WatchActive       bool   `json:"watch_active"`
	LastErrorCode     int    `json:"last_error_code"`
	LastErrorMessage  string `json:"last_error_message"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

// Monitor is the location state machine. One instance per monitoring
// session; callbacks from the watcher are serialized by the internal
// mutex, and every handler checks the active flag first so a callback
// resolving after Stop is a guaranteed no-op.
type Monitor struct {
	config  *Config
	logger  *logx.Logger
	watcher Watcher
	prober  PermissionProber
	alerts  *alerts.Manager

	// onFix, if set, receives every good fix after state is updated.
	// This is how the persistence gate and fraud analyzer are fed.
	onFix func(pkg.Fix)

	mu                sync.Mutex
	active            bool
	cancel            func()
	status            pkg.LocationStatus
	permission        pkg.PermissionState
	coords            *pkg.Fix
	lastFixAt         time.Time
	consecutiveErrors int
	lastErrorCode     int
	lastErrorMessage  string
}

// New creates a monitor in the IDLE state.
func New(config *Config, logger *logx.Logger, watcher Watcher, prober PermissionProber, alertMgr *alerts.Manager) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		config:     config,
		logger:     logger,
		watcher:    watcher,
		prober:     prober,
		alerts:     alertMgr,
		status:     pkg.StatusIdle,
		permission: pkg.PermissionUnknown,
	}
}

// SetOnFix registers the downstream consumer for good fixes. Must be
// called before Start.
func (m *Monitor) SetOnFix(fn func(pkg.Fix)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFix = fn
}

// Start begins continuous position updates. Idempotent: a second call
// while watching is a no-op. Status stays IDLE until the first callback.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		m.logger.Debug("monitor_start_noop", "reason", "already_watching")
		return nil
	}
	m.active = true
	m.mu.Unlock()

	if state, err := m.prober.Query(ctx); err == nil {
		m.mu.Lock()
		m.permission = state
		m.mu.Unlock()
	} else {
		m.logger.Debug("permission_probe_failed", "error", err)
	}

	cancel, err := m.watcher.Start(m.handleFix, m.handleError)
	if err != nil {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info("monitor_started", "platform", m.watcher.Platform(), "native", m.watcher.Native())
	return nil
}

// Stop cancels the watch, clears the error counters, resets the alert
// manager and returns the monitor to IDLE. The active flag flips
// synchronously, so any in-flight callback observes it and bails out.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	cancel := m.cancel
	m.cancel = nil
	m.status = pkg.StatusIdle
	m.consecutiveErrors = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.alerts.Reset()
	m.logger.Info("monitor_stopped")
}

// RequestPermission triggers the platform permission prompt. On grant it
// records the new state and starts the watch.
func (m *Monitor) RequestPermission(ctx context.Context) error {
	state, err := m.prober.Request(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.permission = state
	m.mu.Unlock()

	m.logger.Info("permission_requested", "result", state)
	if state == pkg.PermissionGranted {
		return m.Start(ctx)
	}
	return nil
}

// Status returns the current location status.
func (m *Monitor) Status() pkg.LocationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Permission returns the last observed permission state.
func (m *Monitor) Permission() pkg.PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// Coords returns a copy of the last good fix, or nil before the first.
func (m *Monitor) Coords() *pkg.Fix {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coords == nil {
		return nil
	}
	fix := *m.coords
	return &fix
}

// LastFixAt returns when the last good fix arrived (zero before the
// first).
func (m *Monitor) LastFixAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFixAt
}

// Debug returns a snapshot of the monitor internals.
func (m *Monitor) Debug() DebugSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DebugSnapshot{
		Platform:          m.watcher.Platform(),
		Native:            m.watcher.Native(),
		WatchActive:       m.active,
		LastErrorCode:     m.lastErrorCode,
		LastErrorMessage:  m.lastErrorMessage,
		ConsecutiveErrors: m.consecutiveErrors,
	}
}

func (m *Monitor) handleFix(fix pkg.Fix) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}

	previous := m.status
	m.consecutiveErrors = 0
	m.coords = &fix
	m.lastFixAt = time.Now()
	m.permission = pkg.PermissionGranted

	lowAccuracy := fix.Accuracy > m.config.LowAccuracyThresholdM
	if lowAccuracy {
		m.status = pkg.StatusLowAccuracy
	} else {
		m.status = pkg.StatusOK
	}
	onFix := m.onFix
	m.mu.Unlock()

	if lowAccuracy {
		m.alerts.Show(pkg.AlertLowAccuracy)
	} else if previous == pkg.StatusGPSOff || previous == pkg.StatusNoPermission || previous == pkg.StatusUnavailable {
		m.alerts.Show(pkg.AlertRestored)
	}

	if previous != m.Status() {
		m.logger.LogStateChange("location_monitor", string(previous), string(m.Status()), "fix_received", map[string]interface{}{
			"accuracy": fix.Accuracy,
		})
	}

	if onFix != nil {
		onFix(fix)
	}
}

func (m *Monitor) handleError(werr pkg.WatchError) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.consecutiveErrors++
	m.lastErrorCode = werr.Code
	m.lastErrorMessage = werr.Message
	consecutive := m.consecutiveErrors
	m.mu.Unlock()

	cls := Classify(werr.Code)
	m.logger.Debug("watch_error", "code", werr.Code, "message", werr.Message,
		"consecutive", consecutive, "action", cls.Action)

	switch {
	case werr.Code == pkg.ErrCodeTimeout:
		// Timeouts are transient and the watch retries on its own.
		// Stay completely silent.
		m.setStatus(pkg.StatusTimeout)

	case werr.Code == pkg.ErrCodePositionUnavailable:
		m.setStatus(pkg.StatusUnavailable)
		if consecutive > m.config.ConsecutiveErrorAlertThreshold {
			m.alerts.Show(pkg.AlertUnavailable)
		}

	case cls.IsDefinitelyOff:
		m.corroborateDenial(cls)

	default:
		m.setStatus(cls.Status)
		if cls.Action == ActionRetryWithMessage {
			m.alerts.Show(pkg.AlertUnavailable)
		}
	}
}

// corroborateDenial re-checks a provider "permission denied" against the
// independent capability query. Some devices raise code 1 spuriously; a
// corroborated grant means the denial was a platform false-negative and
// is downgraded to UNAVAILABLE instead of alarming the user.
func (m *Monitor) corroborateDenial(cls Classification) {
	state, err := m.prober.Query(context.Background())
	if err != nil {
		m.logger.Debug("permission_corroboration_failed", "error", err)
		state = pkg.PermissionUnknown
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.permission = state
	m.mu.Unlock()

	switch state {
	case pkg.PermissionGranted:
		m.logger.Warn("spurious_permission_denied", "probe", state)
		m.setStatus(pkg.StatusUnavailable)
	case pkg.PermissionDenied:
		m.setStatus(pkg.StatusNoPermission)
		m.alerts.Show(pkg.AlertNoPermission)
	default:
		m.setStatus(cls.Status)
	}
}

func (m *Monitor) setStatus(status pkg.LocationStatus) {
	m.mu.Lock()
	if !m.active || m.status == status {
		m.mu.Unlock()
		return
	}
	previous := m.status
	m.status = status
	m.mu.Unlock()

	m.logger.LogStateChange("location_monitor", string(previous), string(status), "watch_error", nil)
}

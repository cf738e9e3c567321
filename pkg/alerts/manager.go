// Package alerts decides which location alerts actually reach the user.
// One Manager instance exists per monitoring session and deduplicates
// alerts across every component that raises them.
package alerts

import (
	"sync"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// Severity selects the presentation style on the notification surface.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
)

// Notification is the single side-effecting payload handed to the
// notification surface (toast/snackbar layer).
type Notification struct {
	Severity    Severity      `json:"severity"`
	Message     string        `json:"message"`
	Description string        `json:"description,omitempty"`
	Duration    time.Duration `json:"duration"`
	DedupeID    string        `json:"dedupe_id"`
	Dismissible bool          `json:"dismissible"`
	ActionLabel string        `json:"action_label,omitempty"`
	Action      func()        `json:"-"`
}

// Notifier is the external notification surface.
type Notifier interface {
	Notify(n Notification)
}

// Config holds the suppression windows. Fixed defaults, documented
// tunables.
type Config struct {
	AlertCooldown        time.Duration `json:"alert_cooldown"`         // repeat window for most alert types
	LowAccuracyCooldown  time.Duration `json:"low_accuracy_cooldown"`  // repeat window for low-accuracy warnings
	DismissedSuppression time.Duration `json:"dismissed_suppression"`  // quiet period after a manual dismissal
	ErrorDuration        time.Duration `json:"error_duration"`         // persistent actionable alerts
	WarningDuration      time.Duration `json:"warning_duration"`       // brief warnings
	SuccessDuration      time.Duration `json:"success_duration"`       // recovery notices
}

// DefaultConfig returns the production suppression windows.
func DefaultConfig() *Config {
	return &Config{
		AlertCooldown:        2 * time.Minute,
		LowAccuracyCooldown:  5 * time.Minute,
		DismissedSuppression: 5 * time.Minute,
		ErrorDuration:        12 * time.Second,
		WarningDuration:      6 * time.Second,
		SuccessDuration:      4 * time.Second,
	}
}

// Stats reports per-type shown/suppressed counts for debugging.
type Stats struct {
	Shown      map[pkg.AlertType]int64 `json:"shown"`
	Suppressed map[pkg.AlertType]int64 `json:"suppressed"`
}

type alertRecord struct {
	Type    pkg.AlertType
	ShownAt time.Time
}

// Manager applies the suppression rules and performs the notification
// side effect at most once per allowed call.
type Manager struct {
	config   *Config
	logger   *logx.Logger
	notifier Notifier

	mu           sync.Mutex
	lastAlert    *alertRecord
	dismissedAt  time.Time
	openSettings func()
	shown        map[pkg.AlertType]int64
	suppressed   map[pkg.AlertType]int64

	now func() time.Time
}

// NewManager creates an alert manager. notifier may be nil, in which
// case allowed alerts are only logged.
func NewManager(config *Config, logger *logx.Logger, notifier Notifier) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:     config,
		logger:     logger,
		notifier:   notifier,
		shown:      make(map[pkg.AlertType]int64),
		suppressed: make(map[pkg.AlertType]int64),
		now:        time.Now,
	}
}

// SetOpenSettings registers the callback attached to permission and
// GPS-off alerts ("open settings" / "grant permission").
func (m *Manager) SetOpenSettings(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openSettings = fn
}

// Show evaluates the suppression rules for the given alert type and, if
// allowed, emits exactly one notification. Returns whether the alert was
// surfaced.
//
// Rules, in order:
//  1. TIMEOUT is always silent.
//  2. Any type except NO_PERMISSION is suppressed while a manual
//     dismissal is fresh.
//  3. A repeat of the last-shown type within its cooldown is suppressed.
func (m *Manager) Show(t pkg.AlertType) bool {
	m.mu.Lock()

	now := m.now()

	if t == pkg.AlertTimeout {
		m.suppressed[t]++
		m.mu.Unlock()
		m.logger.Debug("alert_suppressed", "type", t, "rule", "timeout_always_silent")
		return false
	}

	if t != pkg.AlertNoPermission && !m.dismissedAt.IsZero() &&
		now.Sub(m.dismissedAt) < m.config.DismissedSuppression {
		m.suppressed[t]++
		m.mu.Unlock()
		m.logger.Debug("alert_suppressed", "type", t, "rule", "recent_dismissal")
		return false
	}

	if m.lastAlert != nil && m.lastAlert.Type == t &&
		now.Sub(m.lastAlert.ShownAt) < m.cooldownFor(t) {
		m.suppressed[t]++
		m.mu.Unlock()
		m.logger.Debug("alert_suppressed", "type", t, "rule", "cooldown",
			"since_last", now.Sub(m.lastAlert.ShownAt).String())
		return false
	}

	m.lastAlert = &alertRecord{Type: t, ShownAt: now}
	m.shown[t]++
	action := m.openSettings
	m.mu.Unlock()

	m.present(t, action)
	return true
}

// Dismiss records a manual dismissal of the current alert banner.
func (m *Manager) Dismiss() {
	m.mu.Lock()
	m.dismissedAt = m.now()
	m.mu.Unlock()
	m.logger.Debug("alert_dismissed")
}

// Reset wipes the cooldown and dismissal state. Called when a monitoring
// session ends so the next session starts clean.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.lastAlert = nil
	m.dismissedAt = time.Time{}
	m.mu.Unlock()
	m.logger.Debug("alert_manager_reset")
}

// Stats returns copies of the per-type counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Shown:      make(map[pkg.AlertType]int64, len(m.shown)),
		Suppressed: make(map[pkg.AlertType]int64, len(m.suppressed)),
	}
	for k, v := range m.shown {
		s.Shown[k] = v
	}
	for k, v := range m.suppressed {
		s.Suppressed[k] = v
	}
	return s
}

func (m *Manager) cooldownFor(t pkg.AlertType) time.Duration {
	if t == pkg.AlertLowAccuracy {
		return m.config.LowAccuracyCooldown
	}
	return m.config.AlertCooldown
}

func (m *Manager) present(t pkg.AlertType, action func()) {
	switch t {
	case pkg.AlertNoPermission:
		m.notify(Notification{
			Severity:    SeverityError,
			Message:     "Location permission needed",
			Description: "Freight tracking requires location access. Grant permission to continue.",
			Duration:    m.config.ErrorDuration,
			DedupeID:    "alert-no-permission",
			Dismissible: true,
			ActionLabel: "Grant permission",
			Action:      action,
		})
	case pkg.AlertGPSOff:
		m.notify(Notification{
			Severity:    SeverityError,
			Message:     "GPS is turned off",
			Description: "Turn on location services so the freight can be tracked.",
			Duration:    m.config.ErrorDuration,
			DedupeID:    "alert-gps-off",
			Dismissible: true,
			ActionLabel: "Open settings",
			Action:      action,
		})
	case pkg.AlertLowAccuracy:
		m.notify(Notification{
			Severity:    SeverityWarning,
			Message:     "Weak GPS signal",
			Description: "Position accuracy is degraded. Move away from covered areas if possible.",
			Duration:    m.config.WarningDuration,
			DedupeID:    "alert-low-accuracy",
		})
	case pkg.AlertRestored:
		m.notify(Notification{
			Severity: SeveritySuccess,
			Message:  "Location restored",
			Duration: m.config.SuccessDuration,
			DedupeID: "alert-restored",
		})
	case pkg.AlertUnavailable:
		// Internal only, never surfaced as UI.
		m.logger.Info("location_unavailable_persisting", "type", t)
	default:
		m.logger.Warn("unknown_alert_type", "type", t)
	}
}

func (m *Manager) notify(n Notification) {
	if m.notifier == nil {
		m.logger.Info("alert_notification", "dedupe_id", n.DedupeID, "severity", n.Severity, "message", n.Message)
		return
	}
	m.notifier.Notify(n)
}

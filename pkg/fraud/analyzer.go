// Package fraud scores movement sequences for physically impossible or
// anomalous patterns: impossible speed, geographic jumps, frozen signal
// and sustained low accuracy. One analyzer per (driver, freight) pair
// owns a bounded rolling window of recent fixes; windows are never
// shared across pairs.
package fraud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/geo"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// AuditSink receives high-risk audit events. Writes are best-effort and
// must never block fix processing.
type AuditSink interface {
	LogEvent(ctx context.Context, event *pkg.AuditEvent) error
}

// Config holds the fraud thresholds. Fixed defaults, documented
// tunables.
type Config struct {
	LowAccuracyThresholdM float64       `json:"low_accuracy_threshold_m"`
	LowAccuracyRun        time.Duration `json:"low_accuracy_run"`      // sustained-low-accuracy window
	MaxSpeedKmh           float64       `json:"max_speed_kmh"`         // above this, physically impossible
	MinSpeedDistanceKm    float64       `json:"min_speed_distance_km"` // below this, skip the speed check
	MaxJumpKm             float64       `json:"max_jump_km"`
	JumpWindow            time.Duration `json:"jump_window"`
	FrozenWindow          time.Duration `json:"frozen_window"`
	FrozenMinPoints       int           `json:"frozen_min_points"`
	MinMovementM          float64       `json:"min_movement_m"` // below this, a fix counts as "not moved"
	HistoryWindow         time.Duration `json:"history_window"`
	HistoryMaxPoints      int           `json:"history_max_points"`
}

// DefaultConfig returns the production fraud thresholds.
func DefaultConfig() *Config {
	return &Config{
		LowAccuracyThresholdM: 150,
		LowAccuracyRun:        15 * time.Minute,
		MaxSpeedKmh:           160,
		MinSpeedDistanceKm:    0.1,
		MaxJumpKm:             50,
		JumpWindow:            120 * time.Second,
		FrozenWindow:          10 * time.Minute,
		FrozenMinPoints:       5,
		MinMovementM:          5,
		HistoryWindow:         30 * time.Minute,
		HistoryMaxPoints:      100,
	}
}

// Result is the composite risk assessment for one fix.
type Result struct {
	RiskLevel pkg.RiskLevel `json:"risk_level"`
	Reasons   []string      `json:"reasons"`
}

// Analyzer maintains the rolling window for one (driver, freight) pair
// and derives a fresh Result on every Analyze call.
type Analyzer struct {
	config    *Config
	logger    *logx.Logger
	sink      AuditSink
	driverID  string
	freightID string

	mu               sync.Mutex
	history          []pkg.Fix
	lowAccuracySince int64 // ms epoch; 0 = no active low-accuracy run
}

// NewAnalyzer creates an analyzer for the given pair. sink may be nil,
// in which case high-risk events are only logged.
func NewAnalyzer(config *Config, logger *logx.Logger, sink AuditSink, driverID, freightID string) *Analyzer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Analyzer{
		config:    config,
		logger:    logger,
		sink:      sink,
		driverID:  driverID,
		freightID: freightID,
	}
}

// Analyze scores the fix against the rolling window, emits an audit
// event on high risk, then folds the fix into the window.
func (a *Analyzer) Analyze(ctx context.Context, fix pkg.Fix) Result {
	a.mu.Lock()

	var reasons []string
	if r := a.checkSustainedLowAccuracy(fix); r != "" {
		reasons = append(reasons, r)
	}
	if len(a.history) > 0 {
		prev := a.history[len(a.history)-1]
		if r := a.checkImpossibleSpeed(prev, fix); r != "" {
			reasons = append(reasons, r)
		}
		if r := a.checkGeographicJump(prev, fix); r != "" {
			reasons = append(reasons, r)
		}
	}
	if r := a.checkFrozenSignal(fix); r != "" {
		reasons = append(reasons, r)
	}

	a.append(fix)
	a.mu.Unlock()

	result := Result{RiskLevel: riskLevel(len(reasons)), Reasons: reasons}
	if result.RiskLevel == pkg.RiskHigh {
		a.reportHighRisk(ctx, fix, result)
	} else if result.RiskLevel == pkg.RiskMedium {
		a.logger.Info("fraud_signal_medium", "driver_id", a.driverID, "reasons", result.Reasons)
	}
	return result
}

// Reset clears the rolling window and the low-accuracy run tracker.
// Called on session boundaries so unrelated sessions for the same
// driver do not cross-contaminate.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.history = nil
	a.lowAccuracySince = 0
	a.mu.Unlock()
	a.logger.Debug("fraud_analyzer_reset", "driver_id", a.driverID, "freight_id", a.freightID)
}

// WindowSize returns the current number of fixes in the rolling window.
func (a *Analyzer) WindowSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

func (a *Analyzer) checkSustainedLowAccuracy(fix pkg.Fix) string {
	if fix.Accuracy <= a.config.LowAccuracyThresholdM {
		a.lowAccuracySince = 0
		return ""
	}
	if a.lowAccuracySince == 0 {
		a.lowAccuracySince = fix.Timestamp
		return ""
	}
	run := time.Duration(fix.Timestamp-a.lowAccuracySince) * time.Millisecond
	if run > a.config.LowAccuracyRun {
		return fmt.Sprintf("sustained_low_accuracy: above %.0fm for over %.0f minutes",
			a.config.LowAccuracyThresholdM, a.config.LowAccuracyRun.Minutes())
	}
	return ""
}

func (a *Analyzer) checkImpossibleSpeed(prev, fix pkg.Fix) string {
	elapsedMs := fix.Timestamp - prev.Timestamp
	distKm := geo.DistanceKm(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
	if elapsedMs <= 0 || distKm <= a.config.MinSpeedDistanceKm {
		return ""
	}
	speedKmh := distKm / (float64(elapsedMs) / 3600000.0)
	if speedKmh > a.config.MaxSpeedKmh {
		return fmt.Sprintf("impossible_speed: %.1f km/h between consecutive fixes", speedKmh)
	}
	return ""
}

// checkGeographicJump is independent of the speed check: it catches
// spoofing jumps even when the elapsed time is near zero, which would
// make the computed speed undefined.
func (a *Analyzer) checkGeographicJump(prev, fix pkg.Fix) string {
	elapsedMs := fix.Timestamp - prev.Timestamp
	distKm := geo.DistanceKm(prev.Latitude, prev.Longitude, fix.Latitude, fix.Longitude)
	if distKm > a.config.MaxJumpKm && elapsedMs < a.config.JumpWindow.Milliseconds() {
		return fmt.Sprintf("geographic_jump: %.1f km in %.0fs", distKm, float64(elapsedMs)/1000)
	}
	return ""
}

func (a *Analyzer) checkFrozenSignal(fix pkg.Fix) string {
	cutoff := fix.Timestamp - a.config.FrozenWindow.Milliseconds()
	count := 0
	for _, h := range a.history {
		if h.Timestamp < cutoff {
			continue
		}
		if geo.Distance(h.Latitude, h.Longitude, fix.Latitude, fix.Longitude) > a.config.MinMovementM {
			return ""
		}
		count++
	}
	if count >= a.config.FrozenMinPoints {
		return fmt.Sprintf("frozen_gps: no movement for %.0f minutes", a.config.FrozenWindow.Minutes())
	}
	return ""
}

func (a *Analyzer) append(fix pkg.Fix) {
	a.history = append(a.history, fix)

	cutoff := fix.Timestamp - a.config.HistoryWindow.Milliseconds()
	firstKept := 0
	for firstKept < len(a.history) && a.history[firstKept].Timestamp < cutoff {
		firstKept++
	}
	if firstKept > 0 {
		a.history = append(a.history[:0], a.history[firstKept:]...)
	}
	if len(a.history) > a.config.HistoryMaxPoints {
		excess := len(a.history) - a.config.HistoryMaxPoints
		a.history = append(a.history[:0], a.history[excess:]...)
	}
}

// reportHighRisk writes one audit event, fire-and-forget. Requires both
// identifiers; a partial context is logged and skipped.
func (a *Analyzer) reportHighRisk(ctx context.Context, fix pkg.Fix, result Result) {
	a.logger.Warn("fraud_signal_high", "driver_id", a.driverID,
		"freight_id", a.freightID, "reasons", result.Reasons)

	if a.sink == nil || a.driverID == "" || a.freightID == "" {
		return
	}

	event := &pkg.AuditEvent{
		Type:        "fraud_signal",
		RuleCode:    "GPS_ANOMALY",
		Description: strings.Join(result.Reasons, "; "),
		Severity:    "high",
		FreightID:   a.freightID,
		DriverID:    a.driverID,
		Evidence: map[string]interface{}{
			"latitude":  fix.Latitude,
			"longitude": fix.Longitude,
			"accuracy":  fix.Accuracy,
			"timestamp": fix.Timestamp,
			"reasons":   result.Reasons,
		},
		Timestamp: time.Now(),
	}
	if err := a.sink.LogEvent(ctx, event); err != nil {
		a.logger.Error("audit_write_failed", "driver_id", a.driverID, "error", err)
	}
}

func riskLevel(reasonCount int) pkg.RiskLevel {
	switch {
	case reasonCount >= 2:
		return pkg.RiskHigh
	case reasonCount == 1:
		return pkg.RiskMedium
	default:
		return pkg.RiskLow
	}
}

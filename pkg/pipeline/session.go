// Package pipeline coordinates monitoring sessions. Each (driver,
// freight) pair gets its own monitor, alert manager, persistence gate
// and fraud analyzer; the session owns that state exclusively and tears
// it down when the freight ends.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/alerts"
	"github.com/rotacerta/geoguard/pkg/fraud"
	"github.com/rotacerta/geoguard/pkg/logx"
	"github.com/rotacerta/geoguard/pkg/metrics"
	"github.com/rotacerta/geoguard/pkg/monitor"
	"github.com/rotacerta/geoguard/pkg/persist"
)

// RiskPublisher receives high-risk assessments for external surfaces
// (e.g. the ops dashboard over MQTT). Best-effort.
type RiskPublisher interface {
	PublishRisk(driverID, freightID string, fix pkg.Fix, result fraud.Result) error
}

// FreightRegistrar lets the store learn about a freight before history
// rows reference it.
type FreightRegistrar interface {
	RegisterFreight(ctx context.Context, freightID string) error
}

// Config aggregates the per-component configurations.
type Config struct {
	Monitor *monitor.Config `json:"monitor"`
	Alerts  *alerts.Config  `json:"alerts"`
	Gate    *persist.Config `json:"gate"`
	Fraud   *fraud.Config   `json:"fraud"`
}

// DefaultConfig returns the production configuration for every
// component.
func DefaultConfig() *Config {
	return &Config{
		Monitor: monitor.DefaultConfig(),
		Alerts:  alerts.DefaultConfig(),
		Gate:    persist.DefaultConfig(),
		Fraud:   fraud.DefaultConfig(),
	}
}

// Session is one live (driver, freight) monitoring pipeline.
type Session struct {
	DriverID  string
	FreightID string
	Monitor   *monitor.Monitor
	Alerts    *alerts.Manager

	logger    *logx.Logger
	gate      *persist.Gate
	analyzer  *fraud.Analyzer
	publisher RiskPublisher
}

// Manager owns the live sessions.
type Manager struct {
	config    *Config
	logger    *logx.Logger
	store     persist.Store
	sink      fraud.AuditSink
	notifier  alerts.Notifier
	publisher RiskPublisher
	registrar FreightRegistrar

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. sink, notifier may be nil.
func NewManager(config *Config, logger *logx.Logger, store persist.Store, sink fraud.AuditSink, notifier alerts.Notifier) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:   config,
		logger:   logger,
		store:    store,
		sink:     sink,
		notifier: notifier,
		sessions: make(map[string]*Session),
	}
}

// SetRiskPublisher registers the optional high-risk publisher.
func (m *Manager) SetRiskPublisher(p RiskPublisher) { m.publisher = p }

// SetFreightRegistrar registers the optional freight registrar.
func (m *Manager) SetFreightRegistrar(r FreightRegistrar) { m.registrar = r }

// StartSession creates and starts the pipeline for the pair. Starting
// an already-running pair returns the existing session.
func (m *Manager) StartSession(ctx context.Context, driverID, freightID string, watcher monitor.Watcher, prober monitor.PermissionProber) (*Session, error) {
	if driverID == "" {
		return nil, fmt.Errorf("driver id required")
	}

	key := sessionKey(driverID, freightID)
	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	if m.registrar != nil && freightID != "" {
		if err := m.registrar.RegisterFreight(ctx, freightID); err != nil {
			m.logger.Warn("freight_registration_failed", "freight_id", freightID, "error", err)
		}
	}

	sessionLogger := m.logger.WithComponent("session")
	alertMgr := alerts.NewManager(m.config.Alerts, m.logger.WithComponent("alerts"), m.notifier)
	session := &Session{
		DriverID:  driverID,
		FreightID: freightID,
		Alerts:    alertMgr,
		logger:    sessionLogger,
		gate:      persist.NewGate(m.config.Gate, m.logger.WithComponent("persist"), m.store, driverID, freightID),
		analyzer:  fraud.NewAnalyzer(m.config.Fraud, m.logger.WithComponent("fraud"), m.sink, driverID, freightID),
		publisher: m.publisher,
	}
	session.Monitor = monitor.New(m.config.Monitor, m.logger.WithComponent("monitor"),
		countingWatcher{watcher}, prober, alertMgr)
	session.Monitor.SetOnFix(session.handleFix)

	if err := session.Monitor.Start(ctx); err != nil {
		return nil, fmt.Errorf("start monitor for %s: %w", key, err)
	}

	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	m.logger.Info("session_started", "driver_id", driverID, "freight_id", freightID,
		"platform", watcher.Platform())
	return session, nil
}

// EndSession stops the pair's pipeline and discards its rolling state.
func (m *Manager) EndSession(driverID, freightID string) {
	key := sessionKey(driverID, freightID)
	m.mu.Lock()
	session, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	session.Monitor.Stop()
	session.analyzer.Reset()
	metrics.ActiveSessions.Dec()
	m.logger.Info("session_ended", "driver_id", driverID, "freight_id", freightID)
}

// Session returns the live session for the pair, if any.
func (m *Manager) Session(driverID, freightID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(driverID, freightID)]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown ends every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Monitor.Stop()
		s.analyzer.Reset()
		metrics.ActiveSessions.Dec()
	}
	m.logger.Info("pipeline_shutdown", "sessions_closed", len(sessions))
}

// handleFix feeds one good fix to the gate and the analyzer. The two are
// independent: a throttled save never skips fraud scoring.
func (s *Session) handleFix(fix pkg.Fix) {
	ctx := context.Background()
	metrics.FixesProcessed.Inc()

	if s.gate.Persist(ctx, fix) {
		metrics.PositionsSaved.Inc()
	} else {
		metrics.PositionsThrottled.Inc()
	}

	result := s.analyzer.Analyze(ctx, fix)
	metrics.RiskAssessments.WithLabelValues(string(result.RiskLevel)).Inc()

	if result.RiskLevel == pkg.RiskHigh && s.publisher != nil {
		if err := s.publisher.PublishRisk(s.DriverID, s.FreightID, fix, result); err != nil {
			s.logger.Error("risk_publish_failed", "driver_id", s.DriverID, "error", err)
		}
	}
}

// countingWatcher decorates a Watcher with the error-code counter.
type countingWatcher struct {
	monitor.Watcher
}

func (w countingWatcher) Start(onFix func(pkg.Fix), onErr func(pkg.WatchError)) (func(), error) {
	return w.Watcher.Start(onFix, func(werr pkg.WatchError) {
		metrics.WatchErrors.WithLabelValues(strconv.Itoa(werr.Code)).Inc()
		onErr(werr)
	})
}

func sessionKey(driverID, freightID string) string {
	return driverID + "/" + freightID
}

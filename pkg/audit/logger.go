// Package audit keeps the fraud-signal audit trail: a bounded in-memory
// record list plus an append-only JSONL file, with an optional
// persistent sink. All writes are best-effort; audit must never fail
// the fix-processing path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// Sink is an optional durable backend for audit events (e.g. the sqlite
// audit_events table).
type Sink interface {
	SaveAuditEvent(ctx context.Context, event *pkg.AuditEvent) error
}

// Logger manages the audit trail. It implements fraud.AuditSink.
type Logger struct {
	logger     *logx.Logger
	mu         sync.RWMutex
	records    []*pkg.AuditEvent
	maxRecords int
	filePath   string
	sink       Sink
}

// NewLogger creates an audit logger writing JSONL to
// <dir>/fraud_audit.log. An empty dir disables the file; sink may be
// nil.
func NewLogger(logger *logx.Logger, maxRecords int, dir string, sink Sink) *Logger {
	if maxRecords <= 0 {
		maxRecords = 1000
	}

	filePath := ""
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("audit_dir_create_failed", "error", err, "path", dir)
		} else {
			filePath = filepath.Join(dir, "fraud_audit.log")
		}
	}

	return &Logger{
		logger:     logger,
		records:    make([]*pkg.AuditEvent, 0, maxRecords),
		maxRecords: maxRecords,
		filePath:   filePath,
		sink:       sink,
	}
}

// LogEvent records an event in memory, appends it to the JSONL file and
// forwards it to the sink. File and sink failures are logged and
// swallowed; the in-memory append always succeeds.
func (l *Logger) LogEvent(ctx context.Context, event *pkg.AuditEvent) error {
	l.mu.Lock()
	l.records = append(l.records, event)
	if len(l.records) > l.maxRecords {
		l.records = l.records[len(l.records)-l.maxRecords:]
	}
	l.mu.Unlock()

	if err := l.appendToFile(event); err != nil {
		l.logger.Error("audit_file_write_failed", "error", err)
	}

	if l.sink != nil {
		if err := l.sink.SaveAuditEvent(ctx, event); err != nil {
			l.logger.Error("audit_sink_write_failed", "error", err)
		}
	}

	l.logger.Info("audit_event_recorded", "type", event.Type,
		"rule_code", event.RuleCode, "driver_id", event.DriverID,
		"freight_id", event.FreightID, "severity", event.Severity)
	return nil
}

// Recent returns up to limit most recent events, newest last.
func (l *Logger) Recent(limit int) []*pkg.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.records) {
		limit = len(l.records)
	}
	out := make([]*pkg.AuditEvent, limit)
	copy(out, l.records[len(l.records)-limit:])
	return out
}

func (l *Logger) appendToFile(event *pkg.AuditEvent) error {
	if l.filePath == "" {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

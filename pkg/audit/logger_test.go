package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

type mockSink struct {
	events []*pkg.AuditEvent
	err    error
}

func (s *mockSink) SaveAuditEvent(ctx context.Context, event *pkg.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func testEvent(n int) *pkg.AuditEvent {
	return &pkg.AuditEvent{
		Type:        "fraud_signal",
		RuleCode:    "GPS_ANOMALY",
		Description: fmt.Sprintf("event %d", n),
		Severity:    "high",
		DriverID:    "driver-1",
		FreightID:   "freight-1",
		Timestamp:   time.Now(),
	}
}

func TestLogEvent_FileAndSink(t *testing.T) {
	dir := t.TempDir()
	sink := &mockSink{}
	l := NewLogger(logx.NewLogger("error", "audit-test"), 10, dir, sink)

	for i := 0; i < 3; i++ {
		if err := l.LogEvent(context.Background(), testEvent(i)); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
	}

	if len(sink.events) != 3 {
		t.Errorf("sink received %d events, want 3", len(sink.events))
	}

	f, err := os.Open(filepath.Join(dir, "fraud_audit.log"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event pkg.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if event.RuleCode != "GPS_ANOMALY" {
			t.Errorf("line %d rule_code = %q", lines+1, event.RuleCode)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("audit file holds %d lines, want 3", lines)
	}
}

func TestLogEvent_MemoryBound(t *testing.T) {
	l := NewLogger(logx.NewLogger("error", "audit-test"), 5, "", nil)

	for i := 0; i < 12; i++ {
		l.LogEvent(context.Background(), testEvent(i))
	}

	recent := l.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("kept %d records, want 5", len(recent))
	}
	// Oldest retained record is event 7.
	if recent[0].Description != "event 7" {
		t.Errorf("oldest retained = %q, want event 7", recent[0].Description)
	}
	if recent[4].Description != "event 11" {
		t.Errorf("newest retained = %q, want event 11", recent[4].Description)
	}
}

func TestLogEvent_SinkFailureSwallowed(t *testing.T) {
	sink := &mockSink{err: errors.New("backend down")}
	l := NewLogger(logx.NewLogger("error", "audit-test"), 5, "", sink)

	if err := l.LogEvent(context.Background(), testEvent(0)); err != nil {
		t.Fatalf("sink failure propagated: %v", err)
	}
	if len(l.Recent(0)) != 1 {
		t.Error("in-memory record lost on sink failure")
	}
}

func TestRecent_Limit(t *testing.T) {
	l := NewLogger(logx.NewLogger("error", "audit-test"), 10, "", nil)
	for i := 0; i < 4; i++ {
		l.LogEvent(context.Background(), testEvent(i))
	}

	recent := l.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d", len(recent))
	}
	if recent[1].Description != "event 3" {
		t.Errorf("newest = %q, want event 3", recent[1].Description)
	}
}

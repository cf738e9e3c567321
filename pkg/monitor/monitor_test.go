package monitor

import (
	"context"
	"testing"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/alerts"
	"github.com/rotacerta/geoguard/pkg/logx"
)

type recordingNotifier struct {
	calls []alerts.Notification
}

func (r *recordingNotifier) Notify(n alerts.Notification) {
	r.calls = append(r.calls, n)
}

type fakeProber struct {
	queryState   pkg.PermissionState
	requestState pkg.PermissionState
	queries      int
}

func (p *fakeProber) Query(ctx context.Context) (pkg.PermissionState, error) {
	p.queries++
	return p.queryState, nil
}

func (p *fakeProber) Request(ctx context.Context) (pkg.PermissionState, error) {
	// The capability query reflects the prompt outcome from here on.
	p.queryState = p.requestState
	return p.requestState, nil
}

func newTestMonitor(t *testing.T, prober *fakeProber) (*Monitor, *ChanWatcher, *recordingNotifier) {
	t.Helper()
	logger := logx.NewLogger("error", "monitor-test")
	notifier := &recordingNotifier{}
	alertMgr := alerts.NewManager(nil, logger, notifier)
	watcher := NewChanWatcher("test")
	m := New(nil, logger, watcher, prober, alertMgr)
	return m, watcher, notifier
}

func fix(lat, lng, accuracy float64) pkg.Fix {
	return pkg.Fix{
		Latitude:  lat,
		Longitude: lng,
		Accuracy:  accuracy,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestMonitor_InitialStateIdle(t *testing.T) {
	m, _, _ := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	if m.Status() != pkg.StatusIdle {
		t.Fatalf("initial status = %q, want idle", m.Status())
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Before the first fix, status stays IDLE.
	if m.Status() != pkg.StatusIdle {
		t.Fatalf("status before first fix = %q, want idle", m.Status())
	}
}

func TestMonitor_StartIdempotent(t *testing.T) {
	prober := &fakeProber{queryState: pkg.PermissionGranted}
	m, _, _ := newTestMonitor(t, prober)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	queriesAfterFirst := prober.queries
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if prober.queries != queriesAfterFirst {
		t.Error("second Start re-ran the permission probe; expected no-op")
	}
}

func TestMonitor_GoodFix(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	watcher.EmitFix(fix(-15.78, -47.93, 80))

	if m.Status() != pkg.StatusOK {
		t.Errorf("status = %q, want ok", m.Status())
	}
	if m.Permission() != pkg.PermissionGranted {
		t.Errorf("permission = %q, want granted", m.Permission())
	}
	if coords := m.Coords(); coords == nil || coords.Accuracy != 80 {
		t.Errorf("coords not recorded: %+v", coords)
	}
	if m.LastFixAt().IsZero() {
		t.Error("lastFixAt not recorded")
	}
	if len(notifier.calls) != 0 {
		t.Errorf("good fix produced notifications: %+v", notifier.calls)
	}
}

func TestMonitor_LowAccuracyFix(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	watcher.EmitFix(fix(-15.78, -47.93, 200))

	if m.Status() != pkg.StatusLowAccuracy {
		t.Errorf("status = %q, want low_accuracy", m.Status())
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Severity != alerts.SeverityWarning {
		t.Errorf("expected one low-accuracy warning, got %+v", notifier.calls)
	}
}

func TestMonitor_TimeoutStaysSilent(t *testing.T) {
	prober := &fakeProber{queryState: pkg.PermissionGranted}
	m, watcher, notifier := newTestMonitor(t, prober)
	m.Start(context.Background())
	probes := prober.queries

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodeTimeout, Message: "timed out"})

	if m.Status() != pkg.StatusTimeout {
		t.Errorf("status = %q, want timeout", m.Status())
	}
	if len(notifier.calls) != 0 {
		t.Errorf("timeout produced notifications: %+v", notifier.calls)
	}
	if prober.queries != probes {
		t.Error("timeout triggered a permission re-check")
	}
}

func TestMonitor_UnavailableDebounce(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	for i := 0; i < 5; i++ {
		watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePositionUnavailable, Message: "blip"})
	}
	if m.Status() != pkg.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", m.Status())
	}
	// UNAVAILABLE is log-only even past the threshold, so the surface
	// stays quiet, but the alert gate must only open past 5 errors.
	stats := m.alerts.Stats()
	if stats.Shown[pkg.AlertUnavailable] != 0 {
		t.Errorf("unavailable alert requested at %d consecutive errors", 5)
	}

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePositionUnavailable, Message: "blip"})
	stats = m.alerts.Stats()
	if stats.Shown[pkg.AlertUnavailable] != 1 {
		t.Errorf("unavailable alert not requested past threshold: %+v", stats)
	}
	if len(notifier.calls) != 0 {
		t.Errorf("unavailable reached the notification surface: %+v", notifier.calls)
	}
}

func TestMonitor_SpuriousPermissionDenied(t *testing.T) {
	// The provider says denied but the capability query says granted:
	// platform false-negative, downgraded to UNAVAILABLE.
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePermissionDenied, Message: "denied"})

	if m.Status() != pkg.StatusUnavailable {
		t.Errorf("status = %q, want unavailable", m.Status())
	}
	if len(notifier.calls) != 0 {
		t.Errorf("spurious denial alarmed the user: %+v", notifier.calls)
	}
}

func TestMonitor_CorroboratedPermissionDenied(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionDenied})
	m.Start(context.Background())

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePermissionDenied, Message: "denied"})

	if m.Status() != pkg.StatusNoPermission {
		t.Errorf("status = %q, want no_permission", m.Status())
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Severity != alerts.SeverityError {
		t.Errorf("expected one permission error alert, got %+v", notifier.calls)
	}
}

func TestMonitor_RestoredAfterBadState(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePositionUnavailable, Message: "blip"})
	watcher.EmitFix(fix(-15.78, -47.93, 50))

	if m.Status() != pkg.StatusOK {
		t.Fatalf("status = %q, want ok", m.Status())
	}
	if len(notifier.calls) != 1 || notifier.calls[0].Severity != alerts.SeveritySuccess {
		t.Errorf("expected one restored notice, got %+v", notifier.calls)
	}

	// OK -> OK transitions must not repeat the recovery notice.
	watcher.EmitFix(fix(-15.781, -47.931, 50))
	if len(notifier.calls) != 1 {
		t.Errorf("restored notice repeated: %+v", notifier.calls)
	}
}

func TestMonitor_StopReturnsToIdleAndIgnoresLateCallbacks(t *testing.T) {
	m, watcher, notifier := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())
	watcher.EmitFix(fix(-15.78, -47.93, 50))

	m.Stop()

	if m.Status() != pkg.StatusIdle {
		t.Errorf("status after Stop = %q, want idle", m.Status())
	}
	if m.Debug().WatchActive {
		t.Error("watch still active after Stop")
	}
	if m.Debug().ConsecutiveErrors != 0 {
		t.Error("consecutive errors not cleared by Stop")
	}

	// A callback resolving after Stop is a guaranteed no-op.
	watcher.EmitFix(fix(-15.79, -47.94, 50))
	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodePositionUnavailable, Message: "late"})
	if m.Status() != pkg.StatusIdle {
		t.Errorf("late callback revived a stopped monitor: %q", m.Status())
	}
	if len(notifier.calls) != 0 {
		t.Errorf("late callback produced notifications: %+v", notifier.calls)
	}
}

func TestMonitor_RequestPermissionStartsOnGrant(t *testing.T) {
	prober := &fakeProber{queryState: pkg.PermissionPrompt, requestState: pkg.PermissionGranted}
	m, watcher, _ := newTestMonitor(t, prober)

	if err := m.RequestPermission(context.Background()); err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	if m.Permission() != pkg.PermissionGranted {
		t.Errorf("permission = %q, want granted", m.Permission())
	}
	if !m.Debug().WatchActive {
		t.Error("watch not started after granted permission")
	}

	watcher.EmitFix(fix(-15.78, -47.93, 50))
	if m.Status() != pkg.StatusOK {
		t.Errorf("status = %q, want ok", m.Status())
	}
}

func TestMonitor_DebugSnapshot(t *testing.T) {
	m, watcher, _ := newTestMonitor(t, &fakeProber{queryState: pkg.PermissionGranted})
	m.Start(context.Background())

	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodeTimeout, Message: "timed out"})
	watcher.EmitError(pkg.WatchError{Code: pkg.ErrCodeTimeout, Message: "timed out"})

	snap := m.Debug()
	if snap.Platform != "test" || snap.Native {
		t.Errorf("platform identity wrong: %+v", snap)
	}
	if !snap.WatchActive {
		t.Error("watch should be active")
	}
	if snap.LastErrorCode != pkg.ErrCodeTimeout || snap.ConsecutiveErrors != 2 {
		t.Errorf("error bookkeeping wrong: %+v", snap)
	}
}

package monitor

import (
	"context"
	"sync"

	pkg "github.com/rotacerta/geoguard/pkg"
)

// Watcher abstracts the platform's continuous position-watch primitive
// (native mobile watcher, browser geolocation, MQTT device ingest,
// recorded replay). The monitor depends only on this interface.
//
// Start registers the callbacks and returns a cancel handle that
// releases the underlying subscription. Implementations keep invoking
// the callbacks until cancelled; they never stop on their own after an
// error.
type Watcher interface {
	Start(onFix func(pkg.Fix), onErr func(pkg.WatchError)) (cancel func(), err error)
	Platform() string
	Native() bool
}

// PermissionProber abstracts the platform's capability-permission query,
// which is independent from geolocation error codes. Query never opens a
// prompt; Request may.
type PermissionProber interface {
	Query(ctx context.Context) (pkg.PermissionState, error)
	Request(ctx context.Context) (pkg.PermissionState, error)
}

// ChanWatcher is a Watcher fed programmatically through channels or
// direct calls. Used by tests and by embedders that already have a fix
// stream in hand.
type ChanWatcher struct {
	mu       sync.Mutex
	onFix    func(pkg.Fix)
	onErr    func(pkg.WatchError)
	active   bool
	platform string
}

// NewChanWatcher creates a ChanWatcher reporting the given platform name.
func NewChanWatcher(platform string) *ChanWatcher {
	if platform == "" {
		platform = "chan"
	}
	return &ChanWatcher{platform: platform}
}

func (w *ChanWatcher) Start(onFix func(pkg.Fix), onErr func(pkg.WatchError)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFix = onFix
	w.onErr = onErr
	w.active = true
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.active = false
		w.onFix = nil
		w.onErr = nil
	}, nil
}

func (w *ChanWatcher) Platform() string { return w.platform }
func (w *ChanWatcher) Native() bool     { return false }

// EmitFix delivers a fix to the registered callback, if any.
func (w *ChanWatcher) EmitFix(fix pkg.Fix) {
	w.mu.Lock()
	onFix := w.onFix
	w.mu.Unlock()
	if onFix != nil {
		onFix(fix)
	}
}

// EmitError delivers a provider error to the registered callback, if any.
func (w *ChanWatcher) EmitError(werr pkg.WatchError) {
	w.mu.Lock()
	onErr := w.onErr
	w.mu.Unlock()
	if onErr != nil {
		onErr(werr)
	}
}

// StaticProber is a PermissionProber returning fixed states. The zero
// value reports unknown for both query and request.
type StaticProber struct {
	QueryState   pkg.PermissionState
	RequestState pkg.PermissionState
}

func (p StaticProber) Query(ctx context.Context) (pkg.PermissionState, error) {
	if p.QueryState == "" {
		return pkg.PermissionUnknown, nil
	}
	return p.QueryState, nil
}

func (p StaticProber) Request(ctx context.Context) (pkg.PermissionState, error) {
	if p.RequestState == "" {
		return pkg.PermissionUnknown, nil
	}
	return p.RequestState, nil
}

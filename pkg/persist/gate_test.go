package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

type mockStore struct {
	mu             sync.Mutex
	upserts        []pkg.Fix
	mirrors        int
	history        []pkg.HistoryEntry
	upsertErr      error
	historyErr     error
	historyErrOnce bool
	block          chan struct{} // when set, UpsertCurrent blocks until closed
}

func (s *mockStore) UpsertCurrent(ctx context.Context, driverID string, fix pkg.Fix) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, fix)
	return nil
}

func (s *mockStore) MirrorProfile(ctx context.Context, driverID string, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors++
	return nil
}

func (s *mockStore) AppendHistory(ctx context.Context, entry pkg.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		err := s.historyErr
		if s.historyErrOnce {
			s.historyErr = nil
		}
		return err
	}
	s.history = append(s.history, entry)
	return nil
}

func newTestGate(t *testing.T, store Store, freightID string) (*Gate, *time.Time) {
	t.Helper()
	g := NewGate(DefaultConfig(), logx.NewLogger("error", "gate-test"), store, "driver-1", freightID)
	current := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return current }
	return g, &current
}

func fixAt(lat, lng, accuracy float64) pkg.Fix {
	return pkg.Fix{Latitude: lat, Longitude: lng, Accuracy: accuracy, Timestamp: time.Now().UnixMilli()}
}

func TestPersist_RequiresDriverID(t *testing.T) {
	store := &mockStore{}
	g := NewGate(DefaultConfig(), logx.NewLogger("error", "gate-test"), store, "", "")
	if g.Persist(context.Background(), fixAt(-15.78, -47.93, 50)) {
		t.Fatal("persisted without a driver id")
	}
	if len(store.upserts) != 0 {
		t.Fatal("store written without a driver id")
	}
}

func TestPersist_ThrottleIndependentOfDistance(t *testing.T) {
	store := &mockStore{}
	g, now := newTestGate(t, store, "")

	if !g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50)) {
		t.Fatal("first save rejected")
	}

	// Far away but too soon: dropped.
	*now = now.Add(30 * time.Second)
	if g.Persist(context.Background(), fixAt(-16.2524, -47.9575, 50)) {
		t.Fatal("save accepted inside the 60s throttle despite large distance")
	}

	// Past the throttle with sufficient distance: accepted.
	*now = now.Add(31 * time.Second)
	if !g.Persist(context.Background(), fixAt(-16.2524, -47.9575, 50)) {
		t.Fatal("save rejected after throttle elapsed")
	}
	if len(store.upserts) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(store.upserts))
	}
}

func TestPersist_DistanceDebounce(t *testing.T) {
	store := &mockStore{}
	g, now := newTestGate(t, store, "")

	if !g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50)) {
		t.Fatal("first save rejected")
	}

	// ~10m away, past the throttle: still dropped (under 20m).
	*now = now.Add(61 * time.Second)
	if g.Persist(context.Background(), fixAt(-15.77961, -47.9297, 50)) {
		t.Fatal("save accepted for a ~10m move")
	}

	// ~100m away: accepted.
	*now = now.Add(61 * time.Second)
	if !g.Persist(context.Background(), fixAt(-15.7788, -47.9297, 50)) {
		t.Fatal("save rejected for a ~100m move")
	}
}

func TestPersist_SingleFlight(t *testing.T) {
	store := &mockStore{block: make(chan struct{})}
	g, _ := newTestGate(t, store, "")

	done := make(chan bool)
	go func() {
		done <- g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50))
	}()

	// Wait until the first write is in flight.
	deadline := time.After(time.Second)
	for {
		g.mu.Lock()
		saving := g.saving
		g.mu.Unlock()
		if saving {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first write never entered flight")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A concurrent call while a write is in flight is dropped, not
	// queued.
	if g.Persist(context.Background(), fixAt(-16.2524, -47.9575, 50)) {
		t.Fatal("concurrent persist accepted while write in flight")
	}

	close(store.block)
	if !<-done {
		t.Fatal("in-flight write failed")
	}
	if len(store.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(store.upserts))
	}
}

func TestPersist_FailedPrimaryWriteKeepsCheckpoint(t *testing.T) {
	store := &mockStore{upsertErr: errors.New("store down")}
	g, now := newTestGate(t, store, "")

	if g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50)) {
		t.Fatal("failed write reported as saved")
	}
	if _, _, _, ok := g.Checkpoint(); ok {
		t.Fatal("checkpoint advanced after failed primary write")
	}

	// The next fix gets a fair chance: no throttle from the failure.
	store.upsertErr = nil
	*now = now.Add(time.Second)
	if !g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50)) {
		t.Fatal("save rejected after a failed attempt")
	}
}

func TestPersist_HistoryRetryWithoutFreight(t *testing.T) {
	store := &mockStore{historyErr: ErrMissingAssociation, historyErrOnce: true}
	g, _ := newTestGate(t, store, "freight-9")

	if !g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 50)) {
		t.Fatal("save rejected")
	}
	if len(store.history) != 1 {
		t.Fatalf("expected 1 history entry after retry, got %d", len(store.history))
	}
	if store.history[0].FreightID != "" {
		t.Errorf("retry kept the freight association: %+v", store.history[0])
	}
}

func TestPersist_LowAccuracyTag(t *testing.T) {
	store := &mockStore{}
	g, now := newTestGate(t, store, "freight-9")

	if !g.Persist(context.Background(), fixAt(-15.7797, -47.9297, 200)) {
		t.Fatal("save rejected")
	}
	*now = now.Add(61 * time.Second)
	if !g.Persist(context.Background(), fixAt(-15.7788, -47.9297, 30)) {
		t.Fatal("second save rejected")
	}

	if !store.history[0].LowAccuracy {
		t.Error("200m accuracy not tagged low_accuracy")
	}
	if store.history[1].LowAccuracy {
		t.Error("30m accuracy tagged low_accuracy")
	}
	if store.mirrors != 2 {
		t.Errorf("profile mirror written %d times, want 2", store.mirrors)
	}
}

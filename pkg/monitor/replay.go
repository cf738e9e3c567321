package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	pkg "github.com/rotacerta/geoguard/pkg"
	"github.com/rotacerta/geoguard/pkg/logx"
)

// ReplayEvent is one line of a recorded track file: either a fix or a
// provider error.
type ReplayEvent struct {
	Type      string   `json:"type"` // "fix" or "error"
	Latitude  float64  `json:"latitude,omitempty"`
	Longitude float64  `json:"longitude,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Code      int      `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// ReplayWatcher feeds a recorded JSONL track through the Watcher
// interface, for offline analysis of suspicious freights and for load
// testing the pipeline without devices.
type ReplayWatcher struct {
	path     string
	realtime bool // pace events by their timestamp deltas
	logger   *logx.Logger
}

// NewReplayWatcher creates a watcher replaying the given JSONL file.
// With realtime set, events are spaced by their recorded timestamp
// deltas (capped at 5s); otherwise they are delivered as fast as the
// consumer processes them.
func NewReplayWatcher(path string, realtime bool, logger *logx.Logger) *ReplayWatcher {
	return &ReplayWatcher{path: path, realtime: realtime, logger: logger}
}

func (w *ReplayWatcher) Platform() string { return "replay" }
func (w *ReplayWatcher) Native() bool     { return false }

func (w *ReplayWatcher) Start(onFix func(pkg.Fix), onErr func(pkg.WatchError)) (func(), error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}

	done := make(chan struct{})
	go w.run(f, onFix, onErr, done)

	var closed bool
	return func() {
		if !closed {
			closed = true
			close(done)
		}
	}, nil
}

func (w *ReplayWatcher) run(f *os.File, onFix func(pkg.Fix), onErr func(pkg.WatchError), done chan struct{}) {
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lastTS int64
	lines := 0
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		var ev ReplayEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			w.logger.Warn("replay_line_skipped", "line", lines, "error", err)
			continue
		}

		if w.realtime && ev.Timestamp > 0 && lastTS > 0 {
			delay := time.Duration(ev.Timestamp-lastTS) * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			if delay > 0 {
				select {
				case <-done:
					return
				case <-time.After(delay):
				}
			}
		}
		if ev.Timestamp > 0 {
			lastTS = ev.Timestamp
		}

		switch ev.Type {
		case "fix":
			onFix(pkg.Fix{
				Latitude:  ev.Latitude,
				Longitude: ev.Longitude,
				Accuracy:  ev.Accuracy,
				Heading:   ev.Heading,
				Speed:     ev.Speed,
				Timestamp: ev.Timestamp,
			})
		case "error":
			onErr(pkg.WatchError{Code: ev.Code, Message: ev.Message})
		default:
			w.logger.Warn("replay_unknown_event", "line", lines, "type", ev.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		w.logger.Error("replay_scan_failed", "error", err)
	}
	w.logger.Info("replay_finished", "lines", lines)
}

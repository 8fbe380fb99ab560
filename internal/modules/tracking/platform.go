// README: Capability interfaces for position sources and device feedback, plus the adapters the tracker selects at startup.
package tracking

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var ErrSensor = errors.New("position sensor error")

type WatchID int64

// PositionSource delivers fixes to registered watchers. StopWatch must not
// return while a callback for that watch is still running, and must not be
// called from inside one.
type PositionSource interface {
	StartWatch(onFix func(Fix), onError func(error)) (WatchID, error)
	StopWatch(id WatchID)
}

type Feedback interface {
	SignalFeedback(kind FeedbackKind)
}

type Platform interface {
	PositionSource
	Feedback
}

// Adapters glues a source and a feedback sink into a Platform.
type Adapters struct {
	PositionSource
	Feedback
}

type NopFeedback struct{}

func (NopFeedback) SignalFeedback(FeedbackKind) {}

// LogFeedback stands in for haptics on hosts without a vibration device.
type LogFeedback struct {
	Log *slog.Logger
}

func (f LogFeedback) SignalFeedback(kind FeedbackKind) {
	l := f.Log
	if l == nil {
		l = slog.Default()
	}
	l.Info("feedback", "kind", string(kind))
}

type watcher struct {
	onFix   func(Fix)
	onError func(error)
}

// StreamSource fans fixes out to every active watch. Fixes are pushed with
// Emit or read from an NDJSON stream with Replay.
type StreamSource struct {
	mu       sync.Mutex
	dispatch sync.Mutex
	next     WatchID
	watchers map[WatchID]watcher
}

func NewStreamSource() *StreamSource {
	return &StreamSource{watchers: make(map[WatchID]watcher)}
}

func (s *StreamSource) StartWatch(onFix func(Fix), onError func(error)) (WatchID, error) {
	if onFix == nil {
		return 0, fmt.Errorf("%w: nil fix handler", ErrSensor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.watchers[s.next] = watcher{onFix: onFix, onError: onError}
	return s.next, nil
}

func (s *StreamSource) StopWatch(id WatchID) {
	s.mu.Lock()
	delete(s.watchers, id)
	s.mu.Unlock()

	// wait out any dispatch that captured the watcher before removal
	s.dispatch.Lock()
	s.dispatch.Unlock()
}

func (s *StreamSource) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *StreamSource) snapshot() []watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w)
	}
	return out
}

func (s *StreamSource) Emit(f Fix) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	for _, w := range s.snapshot() {
		w.onFix(f)
	}
}

func (s *StreamSource) EmitError(err error) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	for _, w := range s.snapshot() {
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Replay decodes one JSON fix per line and emits it. With speedup > 0 the
// gaps between fix timestamps are reproduced, divided by speedup. Malformed
// lines are reported to watchers as sensor errors and skipped.
func (s *StreamSource) Replay(ctx context.Context, r io.Reader, speedup float64) error {
	scanner := bufio.NewScanner(r)
	var last time.Time
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Fix
		if err := json.Unmarshal(line, &f); err != nil {
			s.EmitError(fmt.Errorf("%w: decode fix: %v", ErrSensor, err))
			continue
		}
		if speedup > 0 && !last.IsZero() && f.Timestamp.After(last) {
			wait := time.Duration(float64(f.Timestamp.Sub(last)) / speedup)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if !f.Timestamp.IsZero() {
			last = f.Timestamp
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.Emit(f)
	}
	if err := scanner.Err(); err != nil {
		s.EmitError(fmt.Errorf("%w: %v", ErrSensor, err))
		return err
	}
	return nil
}

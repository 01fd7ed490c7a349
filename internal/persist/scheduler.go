// Package persist debounces snapshot writes for one document.
package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"collabtext/engine/internal/clock"
	"collabtext/engine/internal/store"
)

const (
	DefaultWindow = 5 * time.Second
	DefaultTTL    = 24 * time.Hour
)

// Scheduler coalesces bursts of edits into one snapshot write. Touch and Stop
// belong to the document's executor; writes run on their own goroutine and
// never overlap.
type Scheduler struct {
	store  store.SnapshotStore
	clock  clock.Clock
	window time.Duration
	ttl    time.Duration

	writeMu  sync.Mutex
	inFlight atomic.Bool
	pending  sync.WaitGroup
	timer    *clock.Timer
	// newest is the highest version written so far; guarded by writeMu.
	newest  int
	written bool

	mu       sync.Mutex
	lastSave time.Time
}

func NewScheduler(st store.SnapshotStore, clk clock.Clock, window, ttl time.Duration) *Scheduler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Scheduler{store: st, clock: clk, window: window, ttl: ttl}
}

// Touch restarts the debounce window. fire runs once the window passes with
// no further Touch; it runs on a timer goroutine, so it should only hand
// control back to the executor.
func (s *Scheduler) Touch(fire func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.window, fire)
}

// Stop cancels a pending fire, if any.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// InFlight reports whether a background write has not finished yet.
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// SaveAsync writes snap in the background and calls done from that goroutine
// when the write finishes. It returns false, and does nothing, while an
// earlier write is still in flight.
func (s *Scheduler) SaveAsync(ctx context.Context, id string, snap store.Snapshot, done func(time.Time, error)) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	s.pending.Add(1)
	go func() {
		at, err := s.write(ctx, id, snap)
		s.pending.Done()
		s.inFlight.Store(false)
		done(at, err)
	}()
	return true
}

// Flush cancels the debounce timer and writes snap synchronously, after any
// in-flight write has landed, even one whose goroutine has not started yet.
func (s *Scheduler) Flush(ctx context.Context, id string, snap store.Snapshot) (time.Time, error) {
	s.Stop()
	s.pending.Wait()
	return s.write(ctx, id, snap)
}

// LastSaved is the time of the most recent successful write.
func (s *Scheduler) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}

func (s *Scheduler) write(ctx context.Context, id string, snap store.Snapshot) (time.Time, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	at := s.clock.Now()
	if s.written && snap.Version < s.newest {
		// A newer snapshot already landed; never roll the store back.
		return at, nil
	}
	snap.SavedAt = at
	if err := s.store.Set(ctx, id, snap, s.ttl); err != nil {
		return at, err
	}
	s.newest, s.written = snap.Version, true
	s.mu.Lock()
	s.lastSave = at
	s.mu.Unlock()
	return at, nil
}

package livesync

import (
	"context"
	"sync"
	"time"

	"famcal-api/types"
)

// DefaultDebounceWindow coalesces bursts of resync triggers into one fetch.
const DefaultDebounceWindow = 250 * time.Millisecond

// Fetcher retrieves the authoritative event list for a scope. The result
// replaces the local collection wholesale; it is never merged.
type Fetcher interface {
	FetchEvents(ctx context.Context, scope Scope) ([]types.EventOut, error)
}

// ResyncScheduler debounces "fetch authoritative state again" requests so a
// burst of ambiguous messages or a flappy reconnect cannot cause a request
// storm. However many times Schedule is called within the window, run fires
// once. A failed run is not retried here; the next trigger retries it.
type ResyncScheduler struct {
	mu      sync.Mutex
	window  time.Duration
	run     func()
	timer   *time.Timer
	pending bool
	stopped bool
}

// NewResyncScheduler creates a scheduler invoking run after the debounce
// window. A non-positive window falls back to DefaultDebounceWindow.
func NewResyncScheduler(window time.Duration, run func()) *ResyncScheduler {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &ResyncScheduler{window: window, run: run}
}

// Schedule requests a resync. Calls while one is already pending are
// deduplicated.
func (s *ResyncScheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.window, s.fire)
}

func (s *ResyncScheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	run := s.run
	s.mu.Unlock()

	if run != nil {
		run()
	}
}

// Stop cancels any pending fetch and rejects schedules until Restart.
func (s *ResyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Restart re-arms a stopped scheduler so Schedule is accepted again.
func (s *ResyncScheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
}

package upload

import (
	"sync"
	"time"
)

// Stats tracks request attempts of one upload for reporting.
type Stats struct {
	mu        sync.Mutex
	attempts  int
	retries   int
	restarts  int
	bytesSent int64
	sum       time.Duration
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Attempts  int
	Retries   int
	Restarts  int
	BytesSent int64
	// Duration is the total time spent in data requests.
	Duration time.Duration
}

func (s *Stats) attemptFinished(d time.Duration, sent int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	s.bytesSent += sent
	s.sum += d
}

func (s *Stats) retried() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

func (s *Stats) restarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Attempts:  s.attempts,
		Retries:   s.retries,
		Restarts:  s.restarts,
		BytesSent: s.bytesSent,
		Duration:  s.sum,
	}
}

// Average returns the average duration of a data request.
func (s Snapshot) Average() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.Duration / time.Duration(s.Attempts)
}

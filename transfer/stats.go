package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks chunk upload durations for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful chunk upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// Average returns the average upload duration for completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of completed chunk uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// Progress holds aggregate counters shared by concurrent uploads.
type Progress struct {
	BytesSent      atomic.Int64
	ChunksSent     atomic.Int64
	ObjectsDone    atomic.Int64
	ObjectsFailed  atomic.Int64
	ObjectsSkipped atomic.Int64
}

// ProgressSnapshot is a point in time copy of Progress.
type ProgressSnapshot struct {
	BytesSent      int64
	ChunksSent     int64
	ObjectsDone    int64
	ObjectsFailed  int64
	ObjectsSkipped int64
}

// Snapshot reads the counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		BytesSent:      p.BytesSent.Load(),
		ChunksSent:     p.ChunksSent.Load(),
		ObjectsDone:    p.ObjectsDone.Load(),
		ObjectsFailed:  p.ObjectsFailed.Load(),
		ObjectsSkipped: p.ObjectsSkipped.Load(),
	}
}

package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity. All methods are safe for concurrent use.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	size    atomic.Int64
	maxSize atomic.Int64
	started time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	s.setSize(int64(size))
}

func (s *Statistics) read(n, size int) {
	s.reads.Add(int64(n))
	s.setSize(int64(size))
}

func (s *Statistics) drop() {
	s.drops.Add(1)
}

func (s *Statistics) setSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Writes returns the number of items accepted
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items removed by readers
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items lost to the overflow policy
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the number of queued items
func (s *Statistics) CurrentSize() int64 { return s.size.Load() }

// MaxSize returns the high-water mark
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops per accepted write, 0 when idle
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(writes)
}

// Uptime returns how long the buffer has existed
func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.started)
}

// StatsSummary is a JSON-friendly snapshot of Statistics
type StatsSummary struct {
	Writes      int64   `json:"writes"`
	Reads       int64   `json:"reads"`
	Drops       int64   `json:"drops"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	DropRate    float64 `json:"drop_rate"`
}

// Summary returns a snapshot of all statistics
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		DropRate:    s.DropRate(),
	}
}

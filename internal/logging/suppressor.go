package logging

import (
	"sync"
	"time"
)

// Suppressor rate-limits a repeated warning to one emission per interval.
// Suppressed occurrences are counted and reported with the next emission.
type Suppressor struct {
	logger   *Logger
	interval time.Duration

	mu         sync.Mutex
	lastEmit   time.Time
	suppressed int

	// now is replaceable in tests.
	now func() time.Time
}

// NewSuppressor creates a suppressor emitting through the given logger at most
// once per interval.
func NewSuppressor(logger *Logger, interval time.Duration) *Suppressor {
	return &Suppressor{
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Warn logs the message at WARN level unless a message was emitted within the
// suppression interval.
func (s *Suppressor) Warn(format string, args ...any) {
	s.mu.Lock()
	now := s.now()
	if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < s.interval {
		s.suppressed++
		s.mu.Unlock()
		return
	}
	suppressed := s.suppressed
	s.suppressed = 0
	s.lastEmit = now
	s.mu.Unlock()

	if suppressed > 0 {
		args = append(args, suppressed)
		s.logger.Warnf(format+" (%d similar messages suppressed)", args...)
		return
	}
	s.logger.Warnf(format, args...)
}

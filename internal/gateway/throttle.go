package gateway

import (
	"sync"
	"time"
)

// progressThrottle bounds progress fan-out per job, independent of the
// reporter's own throttle upstream. State is process-local and resets on
// restart.
type progressThrottle struct {
	min time.Duration
	now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func newProgressThrottle(min time.Duration) *progressThrottle {
	return &progressThrottle{
		min:  min,
		now:  time.Now,
		last: make(map[string]time.Time),
	}
}

// allow reports whether a progress event for this job may be emitted now.
func (t *progressThrottle) allow(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.last[jobID]; ok && now.Sub(last) < t.min {
		return false
	}
	t.last[jobID] = now
	return true
}

// forget drops throttle state for a finished job.
func (t *progressThrottle) forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, jobID)
}

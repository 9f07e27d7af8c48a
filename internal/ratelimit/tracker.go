package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Tracker counts events per key. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{windows: make(map[string]*window)}
}

// Allow checks key against limit at now. An event that passes is counted;
// an exceeded one is not. When the key's window has expired its count resets.
func (t *Tracker) Allow(key string, limit *Limit, now time.Time) CheckResult {
	if !limit.Enabled() {
		return CheckResult{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.windows[key]
	if w == nil || now.Sub(w.start) >= limit.Window {
		w = &window{start: now}
		t.windows[key] = w
	}
	res := Check(w.count, limit)
	if res.Exceeded {
		res.Key = key
		return res
	}
	w.count++
	return res
}

// Prune drops windows that started more than maxAge before now.
func (t *Tracker) Prune(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, w := range t.windows {
		if now.Sub(w.start) > maxAge {
			delete(t.windows, k)
			n++
		}
	}
	return n
}

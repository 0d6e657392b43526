// Package gateway throttles, de-duplicates, and times out outbound calls to
// the rate-limited market data API.
package gateway

import (
	"sync"
	"time"
)

// Admission is the result of a pre-flight rate check. Wait is zero when the
// request is allowed.
type Admission struct {
	Allowed bool          `json:"allowed"`
	Wait    time.Duration `json:"-"`
}

// WaitSeconds rounds Wait up to whole seconds.
func (a Admission) WaitSeconds() int {
	secs := int(a.Wait / time.Second)
	if a.Wait%time.Second != 0 {
		secs++
	}
	return secs
}

// RateWindow tracks recent outbound request instants and enforces a
// sliding-window quota plus a minimum delay between requests. Entries older
// than the window are pruned lazily on every check. Safe for concurrent use.
type RateWindow struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	minDelay    time.Duration
	entries     []time.Time
	now         func() time.Time
}

// NewRateWindow creates a window allowing maxRequests per window with at
// least minDelay between consecutive requests.
func NewRateWindow(window time.Duration, maxRequests int, minDelay time.Duration) *RateWindow {
	return &RateWindow{
		window:      window,
		maxRequests: maxRequests,
		minDelay:    minDelay,
		now:         time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (w *RateWindow) WithClock(now func() time.Time) *RateWindow {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

// CanMakeRequest reports whether a request may be issued now. lastRequest is
// the caller's own previous request instant, or the zero time if none. When
// both the quota and the minimum delay deny, the longer wait is reported.
func (w *RateWindow) CanMakeRequest(lastRequest time.Time) Admission {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	var wait time.Duration
	if w.maxRequests > 0 && len(w.entries) >= w.maxRequests {
		wait = w.entries[0].Add(w.window).Sub(now)
	}
	if !lastRequest.IsZero() && w.minDelay > 0 {
		if since := now.Sub(lastRequest); since < w.minDelay {
			wait = max(wait, w.minDelay-since)
		}
	}
	if wait > 0 {
		return Admission{Allowed: false, Wait: wait}
	}
	return Admission{Allowed: true}
}

// Record adds a request instant to the window.
func (w *RateWindow) Record(at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, at)
}

// Len returns the number of requests currently counted against the window.
func (w *RateWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return len(w.entries)
}

// Now returns the window's current time.
func (w *RateWindow) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now()
}

// prune drops entries that have aged out. Must be called with mu held.
func (w *RateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

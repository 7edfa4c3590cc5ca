// Package ratelimit implements per-client admission control: a sliding
// window of admitted-request timestamps per client key (IP address). A
// client is admitted while it has fewer than Limit admitted requests in the
// trailing Window, so no client can exceed the limit in any window-length
// span. Accounting is volatile and resets on process restart, matching the
// cache's volatility.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks admitted-request timestamps per client key.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is stubbed in tests.
	now func() time.Time
}

// bucket holds the sliding log of admitted timestamps for one client.
// Timestamps are kept in arrival order; pruning drops the expired prefix.
type bucket struct {
	admitted []time.Time
}

// New creates a Limiter admitting at most limit requests per window per
// client key. gcInterval > 0 starts a background sweep that reclaims buckets
// idle for longer than one window; reclaiming only idle buckets means a
// re-created bucket cannot admit a burst above the limit.
func New(limit int, window time.Duration, gcInterval time.Duration) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if gcInterval > 0 {
		go l.gcLoop(gcInterval)
	}
	return l
}

// Admit reports whether the client identified by key may proceed. When
// denied, retryAfter is how long until the oldest in-window admission slides
// out and a slot frees up.
func (l *Limiter) Admit(key string) (allowed bool, retryAfter time.Duration) {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	b.prune(cutoff)

	if len(b.admitted) >= l.limit {
		retryAfter = b.admitted[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	b.admitted = append(b.admitted, now)
	return true, 0
}

// Len returns the number of tracked client buckets. For tests and introspection.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the GC goroutine. Safe to call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// prune drops admissions older than cutoff from the front of the log.
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.admitted) && !b.admitted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.admitted = append(b.admitted[:0], b.admitted[i:]...)
	}
}

// gcLoop periodically discards buckets whose newest admission is older than
// one window, bounding memory for one-shot clients.
func (l *Limiter) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.gc()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) gc() {
	cutoff := l.now().Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if len(b.admitted) == 0 || !b.admitted[len(b.admitted)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}

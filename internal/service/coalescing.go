package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-gateway/internal/models"
)

// inFlightRequest tracks a single upstream fetch that multiple callers may
// wait for. Exactly one of these exists per cache key at any moment.
type inFlightRequest struct {
	mu      sync.Mutex
	result  models.Record
	err     error
	done    bool
	waiters []chan struct{} // closed when the result is ready
}

// requestCoalescer enforces single-flight per key: the first caller to miss
// becomes the leader and runs fn; concurrent callers for the same key wait
// on the leader's outcome and share it, success or failure. Different keys
// never block each other. fn runs in its own goroutine, so a waiter (or the
// leader's own request) aborting does not cancel the shared fetch.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

// newRequestCoalescer creates a requestCoalescer. timeout bounds how long a
// caller waits for a shared result before giving up.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of the in-flight fetch for key, starting one
// with fn if none exists. coalesced is true when this caller shared another
// caller's fetch rather than initiating its own.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.Record, error)) (result models.Record, coalesced bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		rc.mu.Unlock()
		result, err = rc.wait(ctx, req)
		return result, true, err
	}

	req = &inFlightRequest{}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	// The fetch runs detached from any single caller so it survives waiter
	// cancellation and still populates the cache for future readers.
	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		rc.cleanup(key)
	}()

	result, err = rc.wait(ctx, req)
	return result, false, err
}

// wait blocks until req completes, the caller's context is cancelled, or the
// coalescer timeout elapses.
func (rc *requestCoalescer) wait(ctx context.Context, req *inFlightRequest) (models.Record, error) {
	req.mu.Lock()
	if req.done {
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result, err := req.result, req.err
		req.mu.Unlock()
		return result, err
	case <-waitCtx.Done():
		return models.Record{}, waitCtx.Err()
	}
}

// cleanup removes the in-flight request for key once it has completed.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}

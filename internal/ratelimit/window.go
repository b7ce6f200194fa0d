package ratelimit

import (
	"sync"
	"time"
)

// Window implements a per-client sliding-window request limiter.
// The key is the user ID only, not user:session, so clients cannot bypass
// throttling by rotating session IDs.
type Window struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewWindow creates a limiter allowing limit requests per window and starts
// the background eviction goroutine. Call Stop to release it.
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	w := &Window{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go w.evictLoop()
	return w
}

// Allow checks if a request is allowed for the given key.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	recent := w.fresh(w.requests[key], now.Add(-w.window))

	if len(recent) >= w.limit {
		w.requests[key] = recent
		return false
	}

	w.requests[key] = append(recent, now)
	return true
}

// Stop terminates the eviction goroutine.
func (w *Window) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Window) fresh(times []time.Time, cutoff time.Time) []time.Time {
	var out []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// evictLoop periodically drops idle keys so the map does not grow unbounded.
func (w *Window) evictLoop() {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			cutoff := time.Now().Add(-w.window)
			for key, times := range w.requests {
				if fresh := w.fresh(times, cutoff); len(fresh) == 0 {
					delete(w.requests, key)
				} else {
					w.requests[key] = fresh
				}
			}
			w.mu.Unlock()
		}
	}
}

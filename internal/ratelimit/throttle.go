// Package ratelimit paces chat input. Throttle delays a session's next input
// until a minimum interval has passed; Window caps request bursts per client.
package ratelimit

import "time"

// DefaultMinInterval is the minimum spacing between two inputs of a session.
const DefaultMinInterval = time.Second

// Epoch is the clock value of a session that has never sent input.
func Epoch() time.Time {
	return time.Unix(0, 0).UTC()
}

// Throttle enforces a minimum interval between inputs by sleeping.
// It never rejects and its wait cannot be interrupted.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(time.Duration)
}

// NewThrottle creates a throttle. A non-positive interval uses the default.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Throttle{
		interval: interval,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// WithClock replaces the time source and sleeper. Used by tests.
func (t *Throttle) WithClock(now func() time.Time, sleep func(time.Duration)) *Throttle {
	return &Throttle{interval: t.interval, now: now, sleep: sleep}
}

// Interval returns the configured minimum interval.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Now returns the current time from the throttle's clock.
func (t *Throttle) Now() time.Time {
	return t.now()
}

// Remaining returns how long an input arriving now must wait after last.
func (t *Throttle) Remaining(last time.Time) time.Duration {
	elapsed := t.now().Sub(last)
	if elapsed >= t.interval {
		return 0
	}
	return t.interval - elapsed
}

// Wait blocks until the interval since last has elapsed and returns how long
// it slept.
func (t *Throttle) Wait(last time.Time) time.Duration {
	d := t.Remaining(last)
	if d > 0 {
		t.sleep(d)
	}
	return d
}

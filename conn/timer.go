package conn

import (
	"sync/atomic"
	"time"
)

// retryTimer states
const (
	retryPending int32 = iota
	retryFired
	retryCancelled
)

// retryTimer is a cancellable scheduled retry with pending/fired/cancelled
// states. A cancelled timer never runs its callback.
type retryTimer struct {
	delay time.Duration
	state atomic.Int32
	timer *time.Timer
}

// newRetryTimer schedules fn after delay. fn runs at most once and never
// after a successful Cancel.
func newRetryTimer(delay time.Duration, fn func()) *retryTimer {
	rt := &retryTimer{delay: delay}
	rt.timer = time.AfterFunc(delay, func() {
		if rt.state.CompareAndSwap(retryPending, retryFired) {
			fn()
		}
	})
	return rt
}

// Cancel stops the timer. Returns true if the callback was prevented from
// running, false if it already fired.
func (rt *retryTimer) Cancel() bool {
	if rt == nil {
		return false
	}
	if rt.state.CompareAndSwap(retryPending, retryCancelled) {
		rt.timer.Stop()
		return true
	}
	return false
}

// Delay returns the scheduled backoff duration
func (rt *retryTimer) Delay() time.Duration {
	return rt.delay
}

// Pending reports whether the timer is still waiting to fire
func (rt *retryTimer) Pending() bool {
	return rt != nil && rt.state.Load() == retryPending
}

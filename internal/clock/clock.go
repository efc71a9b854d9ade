// Package clock provides a mockable monotonic delay primitive so the
// heartbeat actor and event loop can be driven by fakes in tests instead
// of wall-clock sleeps.
package clock

import "time"

// Clock abstracts the passage of time for a single goroutine. The heartbeat
// actor and the supervisor's reconnect backoff both only ever need to wait
// for a duration via a select, never a blocking sleep or a wall-clock
// timestamp, so the interface stays to that one method.
type Clock interface {
	// After returns a channel that receives once after d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the production Clock backed by the time package.
type Real struct{}

// After implements Clock.
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

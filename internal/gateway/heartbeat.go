package gateway

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/rockettek/makima-gateway/internal/clock"
)

func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// heartbeatActor independently sends opcode-1 heartbeats on the interval
// the gateway dictated in hello, and watches for the matching ack. It is
// the cancellable-task rendition of original_source's heartbeat_thread,
// per SPEC_FULL.md's redesign note: two awaited sleeps, no asynchronous
// cancellation hazard.
type heartbeatActor struct {
	session *Session
	clock   clock.Clock

	send func() error

	// dead receives a value (non-blocking, buffered) whenever an ack is
	// missed, so the event loop can tear down the connection at its own
	// next select instead of the watchdog reaching into the transport.
	dead chan struct{}
}

func newHeartbeatActor(s *Session, c clock.Clock, send func() error) *heartbeatActor {
	return &heartbeatActor{
		session: s,
		clock:   c,
		send:    send,
		dead:    make(chan struct{}, 1),
	}
}

// run blocks until ctx is cancelled. Call it in its own goroutine.
func (h *heartbeatActor) run(ctx context.Context) {
	interval := h.session.HeartbeatInterval()
	if interval <= 0 {
		return
	}

	jitter := time.Duration(rand.Int64N(int64(interval)))
	if !h.sleep(ctx, jitter) {
		return
	}

	for {
		h.session.SetAck(false)

		if err := h.send(); err != nil {
			h.session.logEvent(zerolog.WarnLevel, "An event was not sent, reconnecting")
			h.notifyDead()
			return
		}

		if !h.sleep(ctx, HeartbeatTimeout) {
			return
		}

		if !h.session.Ack() {
			h.session.logEvent(zerolog.WarnLevel, "Heartbeat ack not received")
			h.notifyDead()
			return
		}

		remaining := h.session.HeartbeatInterval() - HeartbeatTimeout
		if remaining < 0 {
			remaining = 0
		}
		if !h.sleep(ctx, remaining) {
			return
		}
	}
}

func (h *heartbeatActor) notifyDead() {
	select {
	case h.dead <- struct{}{}:
	default:
	}
}

// sleep waits for d or ctx cancellation, reporting which happened.
func (h *heartbeatActor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-h.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

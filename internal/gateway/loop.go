package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rockettek/makima-gateway/internal/clock"
	"github.com/rockettek/makima-gateway/internal/hostbridge"
	"github.com/rockettek/makima-gateway/internal/transport"
)

// wsConn is the subset of *transport.Conn the event loop drives directly.
// Kept as an interface so tests can exercise runConnection against a fake
// connection instead of a real socket.
type wsConn interface {
	sender
	ReadMessage() (messageType int, data []byte, err error)
	CloseWithCode(code int) error
	Close() error
}

// wsFrame carries one raw read from the gateway connection, or a terminal
// read error.
type wsFrame struct {
	raw []byte
	err error
}

// hostFrame carries one line read from the host's inbound pipe, or the
// outcome of that pipe closing/erroring.
type hostFrame struct {
	line []byte
	eof  bool
	err  error
}

// outcome describes why runConnection returned, so the supervisor knows
// whether to reconnect, stop cleanly, or surface a fatal error.
type outcome int

const (
	outcomeReconnect outcome = iota
	outcomeShutdown
	outcomeError
)

// runConnection drives a single WebSocket connection end to end: it reads
// gateway frames and feeds them through the frame buffer and dispatcher,
// forwards completed dispatch frames to the host, answers host commands
// (forward / reconnect / shutdown), and runs the heartbeat actor once
// hello has been processed. It is the single-goroutine event loop named in
// SPEC_FULL.md's component table, replacing original_source's
// makima_gateway_loop select() over raw file descriptors with a select
// over channels fed by small reader goroutines.
func runConnection(ctx context.Context, session *Session, conn wsConn, clk clock.Clock, hostCh <-chan hostFrame, hostOut *hostbridge.Writer) (outcome, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsCh := make(chan wsFrame)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			select {
			case wsCh <- wsFrame{raw: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	fb := newFrameBuffer()

	var hbOnce sync.Once
	var hb *heartbeatActor
	startHeartbeat := func() {
		hbOnce.Do(func() {
			hb = newHeartbeatActor(session, clk, func() error {
				seq := session.Sequence()
				var payload interface{}
				if seq > 0 {
					payload = seq
				}
				return conn.WriteJSON(Outbound{Op: OpHeartbeat, D: payload})
			})
			go hb.run(connCtx)
		})
	}

	p := &dispatcher{
		session: session,
		conn:    conn,
		onDispatchLine: func(raw []byte) error {
			return hostOut.WriteLine(raw)
		},
		startHeartbeat: startHeartbeat,
	}

	for {
		var heartbeatDead <-chan struct{}
		if hb != nil {
			heartbeatDead = hb.dead
		}

		select {
		case f := <-wsCh:
			if f.err != nil {
				if session.Killed() {
					return outcomeShutdown, nil
				}
				if code, ok := transport.CloseCode(f.err); ok && !ClassifyCloseCode(code) {
					session.Fail(DispositionFatal)
					return outcomeError, fmt.Errorf("gateway: terminal close code %d: %w", code, f.err)
				}
				return outcomeReconnect, fmt.Errorf("gateway: connection read: %w", f.err)
			}

			in, complete, err := fb.Feed(f.raw)
			if err != nil {
				return outcomeError, err
			}
			if !complete {
				continue
			}

			if err := p.handle(fb.Raw(), in); err != nil {
				if errors.Is(err, errReconnect) {
					return outcomeReconnect, nil
				}
				return outcomeError, err
			}

		case hf := <-hostCh:
			if hf.err != nil {
				return outcomeError, fmt.Errorf("gateway: host pipe: %w", hf.err)
			}
			if hf.eof {
				session.SetReconnectIntent(false)
				return outcomeShutdown, nil
			}

			env, err := hostbridge.Decode(hf.line)
			if err != nil {
				session.logEvent(zerolog.WarnLevel, "Ignoring malformed host command")
				continue
			}

			switch {
			case env.Op == hostbridge.OpShutdown:
				session.SetReconnectIntent(false)
				session.SetKilled(true)
				_ = conn.CloseWithCode(1000)
				return outcomeShutdown, nil
			case env.Op == hostbridge.OpReconnect:
				session.SetReconnectIntent(true)
				session.SetKilled(true)
				_ = conn.CloseWithCode(1000)
				return outcomeReconnect, nil
			case env.Op >= 0:
				if err := conn.WriteJSON(Outbound{Op: env.Op, D: env.D}); err != nil {
					return outcomeError, fmt.Errorf("gateway: forwarding host command: %w", err)
				}
			}

		case <-heartbeatDead:
			return outcomeReconnect, fmt.Errorf("gateway: heartbeat liveness lost")

		case <-ctx.Done():
			return outcomeShutdown, ctx.Err()
		}
	}
}

// readHostFrames drains host for the life of ctx, one line at a time, and
// publishes each as a hostFrame. There must be exactly one goroutine
// reading a given *hostbridge.Reader at a time (bufio.Scanner isn't safe
// for concurrent use), so the supervisor starts this once per process
// lifetime and hands the resulting channel to every runConnection call
// across reconnects - the host pipe outlives any single WebSocket
// connection.
func readHostFrames(ctx context.Context, host *hostbridge.Reader) <-chan hostFrame {
	ch := make(chan hostFrame)
	go func() {
		for {
			line, ok, err := host.ReadEnvelope()
			if err != nil || !ok {
				select {
				case ch <- hostFrame{eof: !ok, err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- hostFrame{line: line}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

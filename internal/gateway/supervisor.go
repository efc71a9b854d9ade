package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rockettek/makima-gateway/internal/clock"
	"github.com/rockettek/makima-gateway/internal/hostbridge"
	"github.com/rockettek/makima-gateway/internal/transport"
)

// MaxReconnectBackoff caps the exponential backoff between reconnect
// attempts, matching Sandwich-Producer's reconnect() ceiling.
const MaxReconnectBackoff = 600 * time.Second

// initialReconnectBackoff is the starting delay, doubled after every
// reconnect wait. It is reset on a reconnect outcome once some READY has
// set the account tag; dial failures and error outcomes never reset it.
const initialReconnectBackoff = time.Second

// dialGateway is swapped out in tests so Run can be exercised without a
// real network dial.
var dialGateway = func(ctx context.Context, url, userAgent string) (wsConn, error) {
	return transport.Dial(ctx, url, userAgent)
}

// Run drives session for the whole process lifetime: dial, run one
// connection to completion, then either reconnect (with exponential
// backoff) or return, depending on what the connection and the host asked
// for. This is the session supervisor named in SPEC_FULL.md's component
// table - the outer loop original_source's makima_gateway() implements as
// a plain while(1) around connect/select/reconnect.
func Run(ctx context.Context, session *Session, clk clock.Clock, host *hostbridge.Reader, hostOut *hostbridge.Writer) (Disposition, error) {
	backoff := initialReconnectBackoff
	hostCh := readHostFrames(ctx, host)

	for {
		if err := ctx.Err(); err != nil {
			return session.Disposition(), err
		}

		session.SetKilled(false)

		url := session.ResumeURL()
		if url == "" {
			url = DiscoveryURL
		}

		conn, err := dialGateway(ctx, url, session.UserAgent)
		if err != nil {
			session.logEvent(zerolog.ErrorLevel, "Couldn't connect to gateway")
			if !sleepBackoff(ctx, clk, &backoff) {
				return session.Disposition(), ctx.Err()
			}
			continue
		}

		oc, runErr := runConnection(ctx, session, conn, clk, hostCh, hostOut)
		_ = conn.Close()

		switch oc {
		case outcomeShutdown:
			return session.Disposition(), nil

		case outcomeError:
			if !session.ReconnectIntent() || session.Disposition() >= DispositionFatal {
				return session.Disposition(), runErr
			}
			session.logEvent(zerolog.ErrorLevel, "Connection failed, reconnecting")
			if !sleepBackoff(ctx, clk, &backoff) {
				return session.Disposition(), ctx.Err()
			}

		case outcomeReconnect:
			if !session.ReconnectIntent() {
				return session.Disposition(), runErr
			}
			if session.Tag() != "?" {
				backoff = initialReconnectBackoff
			}
			session.logEvent(zerolog.WarnLevel, "Reconnecting")
			if !sleepBackoff(ctx, clk, &backoff) {
				return session.Disposition(), ctx.Err()
			}
		}
	}
}

// sleepBackoff waits out *backoff (or ctx cancellation, reported via the
// bool return) then doubles it, capped at MaxReconnectBackoff.
func sleepBackoff(ctx context.Context, clk clock.Clock, backoff *time.Duration) bool {
	select {
	case <-clk.After(*backoff):
	case <-ctx.Done():
		return false
	}

	next := *backoff * 2
	if next > MaxReconnectBackoff {
		next = MaxReconnectBackoff
	}
	*backoff = next
	return true
}

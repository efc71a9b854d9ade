package gateway

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Disposition is the session's exit severity. It only ever increases
// (OK < Error < Fatal) for the lifetime of a Session, mirroring
// original_source's die()/status field.
type Disposition int32

const (
	DispositionOK Disposition = iota
	DispositionError
	DispositionFatal
)

func (d Disposition) String() string {
	switch d {
	case DispositionOK:
		return "ok"
	case DispositionError:
		return "error"
	case DispositionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// HeartbeatTimeout is the fixed liveness budget: if no ack arrives within
// this long after a heartbeat is sent, the connection is presumed dead.
const HeartbeatTimeout = 5 * time.Second

// Identity is the identify-time "properties" block. Sandwich-Producer
// hardcodes "Sandwich"/"Sandwich"; original_source hardcodes "makima"/
// "makima" with os="unix". This module defaults to the latter but leaves
// it overridable by the host process.
type Identity struct {
	OS      string
	Browser string
	Device  string
}

// DefaultIdentity matches original_source's constants.
func DefaultIdentity() Identity {
	return Identity{OS: "unix", Browser: "makima", Device: "makima"}
}

// Config is the set of values the host process supplies at startup -
// the Go equivalent of makima_gateway's (token, intents, shard_i, shard_c)
// parameters.
type Config struct {
	Token      string
	Intents    int
	ShardID    int
	ShardCount int
	Identity   Identity

	Log zerolog.Logger
}

// Session is the process-scope gateway session state machine described by
// the data model: credentials and capability flags fixed for the life of
// the process, plus the mutable fields the parser, heartbeat actor and
// host-pipe reader touch across reconnects.
type Session struct {
	Token      string
	Intents    int
	ShardID    int
	ShardCount int
	Identity   Identity
	UserAgent  string

	resumeURL atomic.Value // string
	sessionID atomic.Value // string
	sequence  atomic.Int64
	ack       atomic.Bool
	tag       atomic.Value // string

	heartbeatInterval atomic.Int64 // time.Duration, nanoseconds

	disposition     atomic.Int32
	reconnectIntent atomic.Bool
	killed          atomic.Bool

	log zerolog.Logger
}

// NewSession constructs a fresh Session from the host-supplied Config. It
// never touches the network; Open/connect happens in the supervisor.
func NewSession(cfg Config) *Session {
	s := &Session{
		Token:      cfg.Token,
		Intents:    cfg.Intents,
		ShardID:    cfg.ShardID,
		ShardCount: cfg.ShardCount,
		Identity:   cfg.Identity,
		UserAgent:  UserAgent,
		log:        cfg.Log,
	}
	s.resumeURL.Store("")
	s.sessionID.Store("")
	s.tag.Store("?")
	s.reconnectIntent.Store(true)

	return s
}

// ResumeURL returns the last resume_gateway_url seen from READY, or "" if
// none has been received yet.
func (s *Session) ResumeURL() string { return s.resumeURL.Load().(string) }

// SessionID returns the current session id, or "" if there isn't one
// (meaning the next connect must identify fresh rather than resume).
func (s *Session) SessionID() string { return s.sessionID.Load().(string) }

// CanResume reports whether the session holds enough state to resume
// rather than identify fresh.
func (s *Session) CanResume() bool { return s.SessionID() != "" }

// Sequence returns the last-seen sequence number. 0 means "none yet" -
// the sentinel behaviour original_source and this module both preserve
// (see the Open Question in SPEC_FULL.md about legitimate s==0 frames).
func (s *Session) Sequence() int64 { return s.sequence.Load() }

// UpdateSequence stores s if it is non-zero, per the wire protocol
// invariant that a zero sequence means "not present."
func (s *Session) UpdateSequence(seq int64) {
	if seq != 0 {
		s.sequence.Store(seq)
	}
}

// HeartbeatInterval returns the interval sampled from the most recent
// hello frame.
func (s *Session) HeartbeatInterval() time.Duration {
	return time.Duration(s.heartbeatInterval.Load())
}

// SetHeartbeatInterval samples a new interval; called once per connection,
// from hello.
func (s *Session) SetHeartbeatInterval(d time.Duration) {
	s.heartbeatInterval.Store(int64(d))
}

// Ack reports whether a heartbeat-ack has been received since the ack flag
// was last cleared.
func (s *Session) Ack() bool { return s.ack.Load() }

// SetAck sets or clears the heartbeat liveness flag.
func (s *Session) SetAck(v bool) { s.ack.Store(v) }

// Tag returns the "<username>#<discriminator>" display tag, or "?" if
// READY hasn't been processed yet (or didn't carry a usable user object).
func (s *Session) Tag() string { return s.tag.Load().(string) }

// Disposition returns the session's current exit severity.
func (s *Session) Disposition() Disposition { return Disposition(s.disposition.Load()) }

// Fail raises the session's disposition to at least d (it never lowers
// it) and, for Error/Fatal, clears reconnect intent - mirroring
// original_source's die(). DispositionOK never clears reconnect intent
// here; callers that want a clean shutdown call SetReconnectIntent(false)
// explicitly (the host op:-2 path).
func (s *Session) Fail(d Disposition) {
	for {
		cur := Disposition(s.disposition.Load())
		if d <= cur {
			break
		}
		if s.disposition.CompareAndSwap(int32(cur), int32(d)) {
			break
		}
	}
	if d >= DispositionError {
		s.reconnectIntent.Store(false)
	}
}

// ReconnectIntent reports whether the supervisor should reopen the
// connection when the current one ends.
func (s *Session) ReconnectIntent() bool { return s.reconnectIntent.Load() }

// SetReconnectIntent sets the reconnect flag directly - used by opcode
// handlers (reconnect request, invalid session) that want to loop again
// without raising the disposition.
func (s *Session) SetReconnectIntent(v bool) { s.reconnectIntent.Store(v) }

// Killed reports whether the current connection was administratively
// closed, so that the resulting read error should not be logged as an
// unexpected failure.
func (s *Session) Killed() bool { return s.killed.Load() }

// SetKilled sets or clears the killed flag. Cleared at the start of every
// connection attempt.
func (s *Session) SetKilled(v bool) { s.killed.Store(v) }

// onReady applies a READY dispatch's payload: resume URL, session id, and
// best-effort account tag. Missing user fields downgrade to a warning;
// READY still succeeds (matches original_source's ready()).
func (s *Session) onReady(d readyData) {
	if d.ResumeGatewayURL != "" {
		s.resumeURL.Store(d.ResumeGatewayURL)
	}
	if d.SessionID != "" {
		s.sessionID.Store(d.SessionID)
	}

	if d.User.Username != "" && d.User.Discriminator != "" {
		s.tag.Store(fmt.Sprintf("%s#%s", d.User.Username, d.User.Discriminator))
		s.logEvent(zerolog.WarnLevel, "Ready")
	} else {
		s.logEvent(zerolog.WarnLevel, "Ready, but failed to get account tag")
	}
}

// onInvalidSession applies the op-9 payload: d==false forces a fresh
// identify on the next connect, d==true preserves the session id so the
// client can resume.
func (s *Session) onInvalidSession(resumable bool) {
	if !resumable {
		s.sessionID.Store("")
	}
}

// logEvent writes a single line matching the spec's required shape:
// "gateway [<tag>]: <severity>: <message>". zerolog's structured message
// field carries the whole composed string so operators still get
// timestamps, while the text itself stays identical to the original tool's
// output for anyone grepping logs.
func (s *Session) logEvent(level zerolog.Level, msg string) {
	line := fmt.Sprintf("gateway [%s]: %s: %s", s.Tag(), severityWord(level), msg)
	s.log.WithLevel(level).Msg(line)
}

func severityWord(level zerolog.Level) string {
	switch level {
	case zerolog.WarnLevel:
		return "warning"
	case zerolog.ErrorLevel:
		return "error"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return "fatal"
	default:
		return level.String()
	}
}

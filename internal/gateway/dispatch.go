package gateway

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ErrHeartbeatIntervalMissing is returned when a hello frame's
// heartbeat_interval is zero or absent - original_source treats this as a
// protocol error and gives up on the connection without reconnecting.
var ErrHeartbeatIntervalMissing = fmt.Errorf("gateway: hello frame carried no heartbeat interval")

// dispatcher interprets inbound frames and drives the Session plus the
// connection's send path. It is the protocol parser/dispatcher component:
// opcode 0 dispatch, 1 heartbeat-request, 7 reconnect, 9 invalid session,
// 10 hello, 11 heartbeat-ack.
type dispatcher struct {
	session *Session
	conn    sender

	onDispatchLine func(raw []byte) error
	startHeartbeat func()
}

// sender is the subset of *transport.Conn the dispatcher needs; kept as an
// interface so tests can stub it without a real socket.
type sender interface {
	WriteJSON(v interface{}) error
}

// handle processes one inbound frame. raw is the exact bytes the gateway
// sent (used verbatim for dispatch forwarding, per the host-pipe
// invariant that every dispatch frame appears on out_fd byte-for-byte).
// It returns an error only when the connection must be torn down (a send
// or host write failed, hello could not be decoded or carried no usable
// heartbeat interval). Opcodes that merely request reconnect (7 and 9) set
// Session.ReconnectIntent and return the errReconnect sentinel, which the
// event loop treats as a reconnect rather than a failure.
func (p *dispatcher) handle(raw []byte, in Inbound) error {
	p.session.UpdateSequence(in.S)

	switch in.Op {
	case OpDispatch:
		return p.handleDispatch(raw, in)
	case OpHeartbeat:
		return p.sendHeartbeat()
	case OpReconnect:
		p.session.logEvent(zerolog.WarnLevel, "Received reconnect request, reconnecting")
		p.session.SetReconnectIntent(true)
		return errReconnect
	case OpInvalidSession:
		p.session.logEvent(zerolog.WarnLevel, "Invalid session")
		resumable := false
		if len(in.D) > 0 {
			_ = json.Unmarshal(in.D, &resumable)
		}
		p.session.onInvalidSession(resumable)
		p.session.SetReconnectIntent(true)
		return errReconnect
	case OpHello:
		return p.handleHello(in)
	case OpHeartbeatACK:
		p.session.SetAck(true)
		return nil
	default:
		return nil
	}
}

// errReconnect is a sentinel the event loop recognizes as "tear down this
// connection, but it's not a failure" - distinct from a transport error.
var errReconnect = fmt.Errorf("gateway: reconnect requested")

func (p *dispatcher) handleDispatch(raw []byte, in Inbound) error {
	if err := p.onDispatchLine(raw); err != nil {
		return fmt.Errorf("gateway: writing dispatch to host: %w", err)
	}

	switch in.T {
	case "READY":
		var d readyData
		if len(in.D) > 0 {
			_ = json.Unmarshal(in.D, &d)
		}
		p.session.onReady(d)
	case "RESUMED":
		p.session.logEvent(zerolog.WarnLevel, "Resumed")
	}

	return nil
}

func (p *dispatcher) handleHello(in Inbound) error {
	var hello Hello
	if len(in.D) > 0 {
		if err := json.Unmarshal(in.D, &hello); err != nil {
			return fmt.Errorf("gateway: decoding hello: %w", err)
		}
	}

	if p.session.CanResume() {
		err := p.conn.WriteJSON(Outbound{
			Op: OpResume,
			D: ResumeData{
				Token:     p.session.Token,
				SessionID: p.session.SessionID(),
				Seq:       p.session.Sequence(),
			},
		})
		if err != nil {
			p.session.SetReconnectIntent(true)
			return fmt.Errorf("gateway: sending resume: %w", err)
		}
	} else {
		err := p.conn.WriteJSON(Outbound{
			Op: OpIdentify,
			D: IdentifyData{
				Token:   p.session.Token,
				Intents: p.session.Intents,
				Shards:  [2]int{p.session.ShardID, p.session.ShardCount},
				Properties: IdentifyProperties{
					OS:      p.session.Identity.OS,
					Browser: p.session.Identity.Browser,
					Device:  p.session.Identity.Device,
				},
			},
		})
		if err != nil {
			p.session.SetReconnectIntent(true)
			return fmt.Errorf("gateway: sending identify: %w", err)
		}
	}

	if hello.HeartbeatInterval <= 0 {
		p.session.logEvent(zerolog.ErrorLevel, "Couldn't determine heartbeat interval")
		p.session.Fail(DispositionError)
		return ErrHeartbeatIntervalMissing
	}

	p.session.SetHeartbeatInterval(durationFromMillis(hello.HeartbeatInterval))
	p.startHeartbeat()

	return nil
}

func (p *dispatcher) sendHeartbeat() error {
	seq := p.session.Sequence()

	var payload interface{}
	if seq > 0 {
		payload = seq
	}

	if err := p.conn.WriteJSON(Outbound{Op: OpHeartbeat, D: payload}); err != nil {
		p.session.SetReconnectIntent(true)
		return fmt.Errorf("gateway: sending heartbeat: %w", err)
	}
	return nil
}

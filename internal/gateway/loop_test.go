package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rockettek/makima-gateway/internal/clock"
	"github.com/rockettek/makima-gateway/internal/hostbridge"
)

// fakeConn is a wsConn double: reads come from a buffered queue, writes and
// close calls are recorded for assertions.
type fakeConn struct {
	msgs chan wsFrame

	mu         sync.Mutex
	writes     []Outbound
	closed     bool
	closedCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan wsFrame, 8)}
}

func (c *fakeConn) push(raw []byte, err error) {
	c.msgs <- wsFrame{raw: raw, err: err}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f := <-c.msgs
	return websocket.TextMessage, f.raw, f.err
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ob, ok := v.(Outbound)
	if ok {
		c.writes = append(c.writes, ob)
	}
	return nil
}

func (c *fakeConn) CloseWithCode(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closedCode = code
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// newTestHost returns a hostbridge.Reader fed by a pipe the test can write
// lines into, plus the writer side of that pipe.
func newTestHost(t *testing.T) (*hostbridge.Reader, *io.PipeWriter) {
	t.Helper()
	pr, pw := io.Pipe()
	return hostbridge.NewReader(pr), pw
}

func TestRunConnectionForwardsDispatchToHost(t *testing.T) {
	session := newTestSession(t)
	conn := newFakeConn()
	hostIn, hostInW := newTestHost(t)

	var outBuf safeBuffer
	hostOut := hostbridge.NewWriter(&outBuf)

	conn.push([]byte(`{"op":0,"s":1,"t":"MESSAGE_CREATE","d":{"x":1}}`), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hostCh := readHostFrames(ctx, hostIn)

	done := make(chan struct{})
	var oc outcome
	var runErr error
	go func() {
		oc, runErr = runConnection(ctx, session, conn, clock.NewFake(), hostCh, hostOut)
		close(done)
	}()

	// Shut the connection down cleanly via the host pipe once the
	// dispatch frame has had a chance to be forwarded.
	time.Sleep(20 * time.Millisecond)
	_, _ = hostInW.Write([]byte("{\"op\":-2,\"d\":null}\n"))

	<-done
	if oc != outcomeShutdown {
		t.Fatalf("outcome = %v, want outcomeShutdown (err=%v)", oc, runErr)
	}
	if !conn.closed || conn.closedCode != 1000 {
		t.Fatalf("expected a clean close with code 1000, got closed=%v code=%d", conn.closed, conn.closedCode)
	}
	if session.ReconnectIntent() {
		t.Fatal("expected reconnect intent cleared after a shutdown command")
	}

	if got := outBuf.String(); got != "{\"op\":0,\"s\":1,\"t\":\"MESSAGE_CREATE\",\"d\":{\"x\":1}}\n" {
		t.Fatalf("unexpected forwarded dispatch line: %q", got)
	}
}

func TestRunConnectionHostReconnectCommand(t *testing.T) {
	session := newTestSession(t)
	conn := newFakeConn()
	hostIn, hostInW := newTestHost(t)

	var outBuf safeBuffer
	hostOut := hostbridge.NewWriter(&outBuf)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hostCh := readHostFrames(ctx, hostIn)

	done := make(chan struct{})
	var oc outcome
	go func() {
		oc, _ = runConnection(ctx, session, conn, clock.NewFake(), hostCh, hostOut)
		close(done)
	}()

	_, _ = hostInW.Write([]byte("{\"op\":-1,\"d\":null}\n"))

	<-done
	if oc != outcomeReconnect {
		t.Fatalf("outcome = %v, want outcomeReconnect", oc)
	}
	if !session.ReconnectIntent() {
		t.Fatal("expected reconnect intent set after a reconnect command")
	}
	if !conn.closed {
		t.Fatal("expected the connection to be closed before reconnecting")
	}
}

func TestRunConnectionForwardsHostOutboundCommand(t *testing.T) {
	session := newTestSession(t)
	conn := newFakeConn()
	hostIn, hostInW := newTestHost(t)

	var outBuf safeBuffer
	hostOut := hostbridge.NewWriter(&outBuf)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hostCh := readHostFrames(ctx, hostIn)

	done := make(chan struct{})
	go func() {
		runConnection(ctx, session, conn, clock.NewFake(), hostCh, hostOut)
		close(done)
	}()

	_, _ = hostInW.Write([]byte(`{"op":3,"d":{"since":null,"status":"online"}}` + "\n"))
	time.Sleep(20 * time.Millisecond)
	_, _ = hostInW.Write([]byte("{\"op\":-2,\"d\":null}\n"))

	<-done

	if conn.writeCount() != 1 {
		t.Fatalf("writeCount = %d, want 1", conn.writeCount())
	}
	if conn.writes[0].Op != OpUpdateStatus {
		t.Fatalf("forwarded Op = %d, want %d", conn.writes[0].Op, OpUpdateStatus)
	}
}

func TestRunConnectionTerminalCloseCode(t *testing.T) {
	session := newTestSession(t)
	conn := newFakeConn()
	hostIn, _ := newTestHost(t)

	var outBuf safeBuffer
	hostOut := hostbridge.NewWriter(&outBuf)

	conn.push(nil, &websocket.CloseError{Code: 4004})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hostCh := readHostFrames(ctx, hostIn)

	oc, err := runConnection(ctx, session, conn, clock.NewFake(), hostCh, hostOut)
	if oc != outcomeError {
		t.Fatalf("outcome = %v, want outcomeError (err=%v)", oc, err)
	}
	if session.Disposition() != DispositionFatal {
		t.Fatalf("disposition = %v, want fatal", session.Disposition())
	}
}

func TestRunConnectionReconnectableCloseCode(t *testing.T) {
	session := newTestSession(t)
	conn := newFakeConn()
	hostIn, _ := newTestHost(t)

	var outBuf safeBuffer
	hostOut := hostbridge.NewWriter(&outBuf)

	conn.push(nil, &websocket.CloseError{Code: 1000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hostCh := readHostFrames(ctx, hostIn)

	oc, _ := runConnection(ctx, session, conn, clock.NewFake(), hostCh, hostOut)
	if oc != outcomeReconnect {
		t.Fatalf("outcome = %v, want outcomeReconnect", oc)
	}
	if session.Disposition() != DispositionOK {
		t.Fatalf("disposition = %v, want ok", session.Disposition())
	}
}

// safeBuffer is a bytes.Buffer guarded by a mutex so the host-writer
// goroutine and test assertions (taken after the goroutine exits) never
// race under -race.
type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Package transport wraps a WebSocket connection to the gateway, the way
// gateway/connection.go wrapped gorilla/websocket for Sandwich-Producer's
// shard handler. It is the "WebSocket adapter" external collaborator: TLS,
// framing and close-code extraction all live here, never in the session
// state machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadLimit bounds a single inbound message, matching the generous limit
// Sandwich-Producer's shard handler sets on its connection.
const ReadLimit = 512 << 20

// Conn wraps a single WebSocket connection. All writes are serialized
// behind a mutex; gorilla/websocket does not allow concurrent writers.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens a secure WebSocket connection to url, identifying with the
// given user agent.
func Dial(ctx context.Context, url, userAgent string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	header := make(map[string][]string)
	header["User-Agent"] = []string{userAgent}

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	ws.SetReadLimit(ReadLimit)

	return &Conn{ws: ws}, nil
}

// WriteJSON marshals v and sends it as a single text frame.
func (c *Conn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteJSON(v)
}

// ReadMessage blocks until the next complete message arrives. gorilla
// reassembles fragmentation internally, so the returned payload is always
// one logical WebSocket message.
func (c *Conn) ReadMessage() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

// CloseWithCode sends a close frame carrying code, then closes the
// underlying connection.
func (c *Conn) CloseWithCode(code int) error {
	c.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	c.writeMu.Unlock()

	closeErr := c.ws.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the connection without sending an explicit close frame.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// CloseCode extracts the WebSocket close code from err, if err wraps one.
// This replaces the original implementation's heuristic of sniffing the
// first bytes of a non-JSON frame for a big-endian close code: gorilla
// already parses the close frame into a typed error.
func CloseCode(err error) (code int, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

package testutil

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/gamegate/internal/protocol"
)

// WSClient is a WebSocket test client speaking the envelope protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials url with the given request headers.
//
// Precondition: url must be a ws:// or wss:// URL with a listening server.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string, header http.Header) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes env as one text frame.
func (c *WSClient) Send(env protocol.Envelope) {
	c.t.Helper()
	raw, err := protocol.Encode(env)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", env.Type, err)
	}
	c.SendRaw(raw)
}

// SendRaw writes raw as one text frame without validation.
func (c *WSClient) SendRaw(raw []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// Read returns the next envelope or fails the test on timeout.
func (c *WSClient) Read(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading envelope: %v", err)
	}
	env, err := protocol.Decode(raw, protocol.ServerToClient)
	if err != nil {
		c.t.Fatalf("decoding envelope %s: %v", raw, err)
	}
	return env
}

// Expect reads envelopes until one of type want arrives, skipping PINGs and
// other types, or fails the test on timeout.
//
// Postcondition: Returns the first envelope of type want.
func (c *WSClient) Expect(want protocol.EventType, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %s", want)
		}
		env := c.Read(remaining)
		if env.Type == want {
			return env
		}
	}
}

// ExpectClose reads until the server closes the connection and returns the
// close code, or fails the test on timeout.
func (c *WSClient) ExpectClose(timeout time.Duration) int {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		c.t.Fatalf("expected close frame, got %v", err)
	}
}

// Close sends a normal closure and closes the socket.
func (c *WSClient) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, protocol.ReasonClientClosed),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
}

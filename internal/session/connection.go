// Package session tracks client connections, their channel memberships and
// liveness, and bridges local delivery to the shared broker for
// cross-instance fan-out.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/gamegate/internal/protocol"
)

// DefaultOutboundBuffer is the outbound queue depth used when none is given.
const DefaultOutboundBuffer = 256

// State is the lifecycle state of a Connection.
type State int

const (
	// StateConnected accepts sends.
	StateConnected State = iota
	// StateClosed rejects sends. There is no way back.
	StateClosed
)

func (s State) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "CLOSED"
}

// Transport is the underlying client channel. Close must send the close code
// to the peer where the transport supports it and release the channel.
type Transport interface {
	Close(code protocol.CloseCode, reason string) error
}

// Connection is one accepted client channel bound to one principal.
// Outbound messages are queued and written by a separate transport writer,
// so Send never blocks on the network.
type Connection struct {
	id          string
	principalID string
	sessionID   string
	acceptedAt  time.Time
	transport   Transport
	outbound    chan []byte
	done        chan struct{}

	// opMu serializes membership changes and teardown of this connection,
	// including their registry mirroring.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	closeCode   protocol.CloseCode
	closeReason string
	channels    map[string]struct{}
	seen        map[string]int64
	lastPingAt  time.Time
	lastPongAt  time.Time
	missedPongs int
	// pingWindow is the send time of the oldest unanswered PING, zero when none.
	pingWindow time.Time
}

// NewConnection creates a connected Connection.
//
// Precondition: id and principalID must be non-empty; transport must be non-nil.
// Postcondition: Returns a Connection in StateConnected with an open outbound
// queue of outboundBuffer entries (DefaultOutboundBuffer when <= 0).
func NewConnection(id, principalID, sessionID string, acceptedAt time.Time, transport Transport, outboundBuffer int) *Connection {
	if outboundBuffer <= 0 {
		outboundBuffer = DefaultOutboundBuffer
	}
	return &Connection{
		id:          id,
		principalID: principalID,
		sessionID:   sessionID,
		acceptedAt:  acceptedAt,
		transport:   transport,
		outbound:    make(chan []byte, outboundBuffer),
		done:        make(chan struct{}),
		state:       StateConnected,
		channels:    make(map[string]struct{}),
		seen:        make(map[string]int64),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// PrincipalID returns the authenticated principal owning the connection.
func (c *Connection) PrincipalID() string { return c.principalID }

// SessionID returns the credential session id, which may be empty.
func (c *Connection) SessionID() string { return c.sessionID }

// AcceptedAt returns the accept time.
func (c *Connection) AcceptedAt() time.Time { return c.acceptedAt }

// Send encodes env and queues it for the writer.
//
// Postcondition: Returns true if the message was queued; false if the
// connection is closed, the queue is full, or env cannot be encoded.
func (c *Connection) Send(env protocol.Envelope) bool {
	raw, err := protocol.Encode(env)
	if err != nil {
		return false
	}
	return c.SendRaw(raw)
}

// SendRaw queues an already encoded envelope.
func (c *Connection) SendRaw(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	select {
	case c.outbound <- raw:
		return true
	default:
		return false
	}
}

// Outbound returns the queue drained by the transport writer. It is closed
// when the connection closes.
func (c *Connection) Outbound() <-chan []byte {
	return c.outbound
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close transitions the connection to StateClosed and closes the transport
// with code. Only the first call has any effect.
//
// Postcondition: State is StateClosed; further sends return false.
func (c *Connection) Close(code protocol.CloseCode, reason string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.closeCode = code
	c.closeReason = reason
	close(c.outbound)
	close(c.done)
	c.mu.Unlock()

	return c.transport.Close(code, reason)
}

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseStatus returns the code and reason of the first Close, or zero values
// while the connection is open.
func (c *Connection) CloseStatus() (protocol.CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Channels returns the subscribed channels, sorted.
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the connection is a member of channel.
func (c *Connection) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *Connection) addChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; ok {
		return false
	}
	c.channels[channel] = struct{}{}
	return true
}

func (c *Connection) removeChannel(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	delete(c.channels, channel)
	delete(c.seen, channel)
	return true
}

// MarkSeen records that the client holds state version v of channel.
// Versions never move backwards.
func (c *Connection) MarkSeen(channel string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v > c.seen[channel] {
		c.seen[channel] = v
	}
}

// LastSeen returns the last state version delivered for channel, 0 if none.
func (c *Connection) LastSeen(channel string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[channel]
}

func (c *Connection) seenSnapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.seen))
	for ch, v := range c.seen {
		out[ch] = v
	}
	return out
}

// RecordPong notes a PONG received at now. It clears the missed-pong count and
// the outstanding ping window immediately.
func (c *Connection) RecordPong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = now
	c.missedPongs = 0
	c.pingWindow = time.Time{}
}

// Liveness returns the heartbeat bookkeeping of the connection.
func (c *Connection) Liveness() (lastPing, lastPong time.Time, missed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt, c.lastPongAt, c.missedPongs
}

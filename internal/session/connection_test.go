package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gamegate/internal/protocol"
)

// fakeTransport records Close calls.
type fakeTransport struct {
	mu     sync.Mutex
	closes int
	code   protocol.CloseCode
	reason string
}

func (f *fakeTransport) Close(code protocol.CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) status() (int, protocol.CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes, f.code, f.reason
}

func newTestConnection(id, principal string, buffer int) (*Connection, *fakeTransport) {
	tr := &fakeTransport{}
	return NewConnection(id, principal, "sess-"+id, time.Unix(0, 0), tr, buffer), tr
}

// drain returns every queued envelope without blocking.
func drain(t *testing.T, c *Connection) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for {
		select {
		case raw, ok := <-c.Outbound():
			if !ok {
				return out
			}
			env, err := protocol.Decode(raw, protocol.ServerToClient)
			require.NoError(t, err)
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestConnection_SendQueues(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 4)
	assert.True(t, c.Send(protocol.MustNew(protocol.Ping, nil)))
	got := drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Ping, got[0].Type)
}

func TestConnection_SendFullReturnsFalse(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 1)
	assert.True(t, c.Send(protocol.MustNew(protocol.Ping, nil)))
	assert.False(t, c.Send(protocol.MustNew(protocol.Ping, nil)))
}

func TestConnection_SendAfterCloseReturnsFalse(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 4)
	require.NoError(t, c.Close(protocol.CloseForced, "bye"))
	assert.Equal(t, StateClosed, c.State())
	assert.False(t, c.Send(protocol.MustNew(protocol.Ping, nil)))
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	c, tr := newTestConnection("c1", "p1", 4)
	require.NoError(t, c.Close(protocol.CloseHeartbeatTimeout, protocol.ReasonHeartbeatTimeout))
	require.NoError(t, c.Close(protocol.CloseForced, "later"))

	n, code, reason := tr.status()
	assert.Equal(t, 1, n)
	assert.Equal(t, protocol.CloseHeartbeatTimeout, code)
	assert.Equal(t, protocol.ReasonHeartbeatTimeout, reason)

	code, reason = c.CloseStatus()
	assert.Equal(t, protocol.CloseHeartbeatTimeout, code)
	assert.Equal(t, protocol.ReasonHeartbeatTimeout, reason)

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConnection_ConcurrentSendAndClose(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 1024)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Send(protocol.MustNew(protocol.Ping, nil))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Close(protocol.CloseForced, "x")
	}()
	wg.Wait()
	assert.Equal(t, StateClosed, c.State())
}

func TestConnection_MarkSeenNeverMovesBack(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 4)
	c.MarkSeen("table:1", 5)
	c.MarkSeen("table:1", 3)
	assert.Equal(t, int64(5), c.LastSeen("table:1"))
	assert.Equal(t, int64(0), c.LastSeen("table:2"))
}

func TestConnection_RecordPongResetsMisses(t *testing.T) {
	c, _ := newTestConnection("c1", "p1", 4)
	c.mu.Lock()
	c.missedPongs = 1
	c.pingWindow = time.Unix(10, 0)
	c.mu.Unlock()

	c.RecordPong(time.Unix(20, 0))
	_, pong, missed := c.Liveness()
	assert.Equal(t, 0, missed)
	assert.Equal(t, time.Unix(20, 0), pong)
	c.mu.Lock()
	assert.True(t, c.pingWindow.IsZero())
	c.mu.Unlock()
}

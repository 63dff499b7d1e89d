package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gamegate/internal/broker/memory"
	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/protocol"
)

func defaultHeartbeat() config.HeartbeatConfig {
	return config.HeartbeatConfig{Interval: 30 * time.Second, Timeout: 60 * time.Second, MaxMissedPongs: 2}
}

// runTicks calls tick at every interval up to and including until, starting from
// start, and returns the elapsed time at eviction or -1.
func runTicks(h *Heartbeat, start time.Time, until time.Duration, onTick func(elapsed time.Duration)) time.Duration {
	for elapsed := h.cfg.Interval; elapsed <= until; elapsed += h.cfg.Interval {
		if onTick != nil {
			onTick(elapsed)
		}
		if h.tick(start.Add(elapsed)) {
			return elapsed
		}
	}
	return -1
}

// Scenario C: two consecutive unanswered windows close the socket with 4003
// and remove the connection from every manager table.
func TestHeartbeat_TwoMissedWindowsEvict(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m := newTestManager(t, "i1", memory.New(clk, testTTLs()), clk)
	c, tr := newTestConnection("c1", "alice", 64)
	require.NoError(t, m.Connect(ctx, c))
	require.NoError(t, m.Subscribe(ctx, "c1", "lobby"))

	var disconnected atomic.Int32
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zaptest.NewLogger(t), nil, func(conn *Connection) {
		disconnected.Add(1)
		m.Disconnect(ctx, conn.ID())
	})

	evictedAt := runTicks(h, clk.Now(), 10*time.Minute, nil)
	require.Positive(t, evictedAt)
	assert.LessOrEqual(t, evictedAt, 180*time.Second)

	_, code, reason := tr.status()
	assert.Equal(t, protocol.CloseHeartbeatTimeout, code)
	assert.Equal(t, protocol.ReasonHeartbeatTimeout, reason)
	assert.Equal(t, int32(1), disconnected.Load())
	_, ok := m.Connection("c1")
	assert.False(t, ok)
	assert.Empty(t, m.ChannelMembers("lobby"))
}

func TestHeartbeat_SendsPings(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestConnection("c1", "alice", 64)
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, nil)

	assert.False(t, h.tick(clk.Now().Add(30*time.Second)))
	got := drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Ping, got[0].Type)
	ping, _, _ := c.Liveness()
	assert.Equal(t, clk.Now().Add(30*time.Second), ping)
}

func TestHeartbeat_PongKeepsConnectionAlive(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestConnection("c1", "alice", 1024)
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, nil)

	start := clk.Now()
	evicted := runTicks(h, start, time.Hour, func(elapsed time.Duration) {
		drain(t, c)
		c.RecordPong(start.Add(elapsed - time.Second))
	})
	assert.Equal(t, time.Duration(-1), evicted)
	assert.Equal(t, StateConnected, c.State())
}

func TestHeartbeat_PongAfterOneMissResets(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestConnection("c1", "alice", 1024)
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, nil)
	start := clk.Now()

	for _, s := range []int{30, 60, 90} {
		require.False(t, h.tick(start.Add(time.Duration(s)*time.Second)))
	}
	_, _, missed := c.Liveness()
	require.Equal(t, 1, missed)

	c.RecordPong(start.Add(100 * time.Second))
	_, _, missed = c.Liveness()
	assert.Equal(t, 0, missed)

	// A full window is needed again before the next miss.
	for _, s := range []int{120, 150} {
		require.False(t, h.tick(start.Add(time.Duration(s)*time.Second)))
	}
	_, _, missed = c.Liveness()
	assert.Equal(t, 0, missed)
}

func TestHeartbeat_FailedSendCountsAsMiss(t *testing.T) {
	clk := clock.NewMock()
	c, tr := newTestConnection("c1", "alice", 1)
	require.True(t, c.Send(protocol.MustNew(protocol.ChatMessage, nil)))
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, nil)
	start := clk.Now()

	assert.False(t, h.tick(start.Add(30*time.Second)))
	_, _, missed := c.Liveness()
	assert.Equal(t, 1, missed)
	assert.True(t, h.tick(start.Add(60*time.Second)))

	_, code, _ := tr.status()
	assert.Equal(t, protocol.CloseHeartbeatTimeout, code)
}

func TestHeartbeat_RunStopsOnClose(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestConnection("c1", "alice", 8)
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, nil)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	require.NoError(t, c.Close(protocol.CloseNormal, protocol.ReasonClientClosed))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not stop after close")
	}
}

func TestHeartbeat_RunEvictsOnMockClock(t *testing.T) {
	clk := clock.NewMock()
	c, _ := newTestConnection("c1", "alice", 1024)
	timedOut := make(chan struct{})
	h := NewHeartbeat(c, defaultHeartbeat(), clk, zap.NewNop(), nil, func(*Connection) { close(timedOut) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	require.Eventually(t, func() bool {
		clk.Add(30 * time.Second)
		select {
		case <-timedOut:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	code, _ := c.CloseStatus()
	assert.Equal(t, protocol.CloseHeartbeatTimeout, code)
}

// P5: zero pongs for timeout × (max_missed_pongs + 1) always evicts.
func TestPropertyHeartbeatEviction(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		interval := time.Duration(rapid.IntRange(1, 60).Draw(rt, "interval_s")) * time.Second
		// Timeouts are whole multiples of the interval, as with the 30s/60s defaults.
		timeout := interval * time.Duration(rapid.IntRange(1, 4).Draw(rt, "windows"))
		maxMissed := rapid.IntRange(1, 5).Draw(rt, "max_missed")
		cfg := config.HeartbeatConfig{Interval: interval, Timeout: timeout, MaxMissedPongs: maxMissed}

		clk := clock.NewMock()
		c, tr := newTestConnection("c1", "alice", 4096)
		h := NewHeartbeat(c, cfg, clk, zap.NewNop(), nil, nil)

		bound := timeout * time.Duration(maxMissed+1)
		evictedAt := runTicks(h, clk.Now(), bound, nil)
		if evictedAt < 0 {
			rt.Fatalf("not evicted within %s (cfg %+v)", bound, cfg)
		}
		if _, code, _ := tr.status(); code != protocol.CloseHeartbeatTimeout {
			rt.Fatalf("close code %d", code)
		}
	})
}

package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/protocol"
)

// Heartbeat checks one connection with PINGs and evicts it after
// MaxMissedPongs unanswered windows. Every connection runs its own Heartbeat,
// so tickers are staggered by accept time.
type Heartbeat struct {
	conn      *Connection
	cfg       config.HeartbeatConfig
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *observability.Metrics
	onTimeout func(*Connection)
}

// NewHeartbeat creates a Heartbeat for conn. onTimeout runs after the
// connection has been closed with CloseHeartbeatTimeout.
//
// Precondition: cfg.Interval, cfg.Timeout and cfg.MaxMissedPongs must be positive.
// Postcondition: Returns a Heartbeat ready for Run.
func NewHeartbeat(conn *Connection, cfg config.HeartbeatConfig, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, onTimeout func(*Connection)) *Heartbeat {
	return &Heartbeat{
		conn:      conn,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With(zap.String("conn_id", conn.ID())),
		metrics:   metrics,
		onTimeout: onTimeout,
	}
}

// Run drives the heartbeat until ctx is cancelled, the connection closes, or
// the connection is evicted.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := h.clock.Ticker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.conn.Done():
			return
		case <-ticker.C:
			if h.tick(h.clock.Now()) {
				return
			}
		}
	}
}

// tick runs one heartbeat step at now and reports whether the connection was evicted.
func (h *Heartbeat) tick(now time.Time) bool {
	c := h.conn
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return true
	}
	if !c.pingWindow.IsZero() && now.Sub(c.pingWindow) >= h.cfg.Timeout {
		c.missedPongs++
		c.pingWindow = time.Time{}
		h.logger.Debug("pong missed", zap.Int("missed", c.missedPongs))
	}
	if c.missedPongs >= h.cfg.MaxMissedPongs {
		c.mu.Unlock()
		h.evict()
		return true
	}
	c.mu.Unlock()

	sent := c.Send(protocol.MustNew(protocol.Ping, nil))

	c.mu.Lock()
	if sent {
		c.lastPingAt = now
		if c.pingWindow.IsZero() {
			c.pingWindow = now
		}
		c.mu.Unlock()
		return false
	}
	c.missedPongs++
	missed := c.missedPongs
	c.mu.Unlock()

	h.logger.Debug("ping send failed", zap.Int("missed", missed))
	if missed >= h.cfg.MaxMissedPongs {
		h.evict()
		return true
	}
	return false
}

func (h *Heartbeat) evict() {
	_, _, missed := h.conn.Liveness()
	h.logger.Info("evicting connection", zap.Int("missed_pongs", missed))
	h.metrics.HeartbeatTimeout()
	if err := h.conn.Close(protocol.CloseHeartbeatTimeout, protocol.ReasonHeartbeatTimeout); err != nil {
		h.logger.Debug("closing transport", zap.Error(err))
	}
	if h.onTimeout != nil {
		h.onTimeout(h.conn)
	}
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/broker"
	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/protocol"
)

var (
	// ErrConnectionNotFound is returned for ids not registered on this instance.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
)

// relayMessage is the pub/sub payload of a channel broadcast.
type relayMessage struct {
	SourceInstance    string          `json:"sourceInstance"`
	Channel           string          `json:"channel"`
	ExcludeConnection string          `json:"excludeConnection,omitempty"`
	StateVersion      int64           `json:"stateVersion,omitempty"`
	Message           json.RawMessage `json:"message"`
}

// BroadcastOption adjusts one BroadcastToChannel call.
type BroadcastOption func(*broadcastOptions)

type broadcastOptions struct {
	exclude string
	version int64
}

// ExcludeConnection skips the connection with id, typically the sender.
func ExcludeConnection(id string) BroadcastOption {
	return func(o *broadcastOptions) { o.exclude = id }
}

// WithStateVersion marks the message as carrying state version v of the
// channel's resource; receivers record it as last seen.
func WithStateVersion(v int64) BroadcastOption {
	return func(o *broadcastOptions) { o.version = v }
}

// Manager is the per-instance registry of connections and channel
// memberships. Local tables are authoritative for delivery; every entry is
// mirrored to the shared registry so peers and sweepers can see it.
// All methods are safe for concurrent use.
type Manager struct {
	instanceID string
	broker     broker.Broker
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu          sync.RWMutex
	conns       map[string]*Connection         // conn id → connection
	byPrincipal map[string]map[string]struct{} // principal → conn ids
	channels    map[string]map[string]struct{} // channel → conn ids
	sub         broker.Subscription
}

// NewManager creates an empty Manager for instanceID.
//
// Precondition: instanceID must be non-empty; b, clk and logger must be non-nil.
// metrics may be nil.
// Postcondition: Returns a Manager with empty tables and no listener.
func NewManager(instanceID string, b broker.Broker, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		instanceID:  instanceID,
		broker:      b,
		clock:       clk,
		logger:      logger,
		metrics:     metrics,
		conns:       make(map[string]*Connection),
		byPrincipal: make(map[string]map[string]struct{}),
		channels:    make(map[string]map[string]struct{}),
	}
}

// InstanceID returns the identity of the owning instance.
func (m *Manager) InstanceID() string { return m.instanceID }

// Connect registers conn locally and in the shared connection registry.
//
// Precondition: conn must be open and not yet registered.
// Postcondition: conn is addressable by id and principal. A registry write
// failure is logged and does not fail the call.
func (m *Manager) Connect(ctx context.Context, conn *Connection) error {
	m.mu.Lock()
	if _, exists := m.conns[conn.ID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID())
	}
	m.conns[conn.ID()] = conn
	set, ok := m.byPrincipal[conn.PrincipalID()]
	if !ok {
		set = make(map[string]struct{})
		m.byPrincipal[conn.PrincipalID()] = set
	}
	set[conn.ID()] = struct{}{}
	m.mu.Unlock()

	m.metrics.ConnectionOpened()

	if err := m.putConnection(ctx, conn); err != nil {
		m.registryFailed("connect", err, zap.String("conn_id", conn.ID()))
	}

	m.logger.Debug("connection registered",
		zap.String("conn_id", conn.ID()),
		zap.String("principal_id", conn.PrincipalID()),
	)
	return nil
}

// Disconnect tears down the connection with id: it snapshots reconnection
// state, unsubscribes from every channel, deregisters locally and in the
// shared registry, and closes the connection with CloseForced if it is still
// open. Unknown ids and repeated calls are no-ops.
//
// Postcondition: id is in no local channel set and no lookup finds it.
func (m *Manager) Disconnect(ctx context.Context, id string) {
	conn, ok := m.Connection(id)
	if !ok {
		return
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	m.mu.Lock()
	if m.conns[id] != conn {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	if set := m.byPrincipal[conn.PrincipalID()]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byPrincipal, conn.PrincipalID())
		}
	}
	m.mu.Unlock()

	channels := conn.Channels()
	state := UserReconnectState{
		Channels:       channels,
		LastSeen:       conn.seenSnapshot(),
		DisconnectedAt: m.clock.Now().UTC(),
	}
	if err := m.mergeUserState(ctx, conn.PrincipalID(), state); err != nil {
		m.registryFailed("store_user_state", err, zap.String("conn_id", id))
	}

	for _, ch := range channels {
		m.unsubscribeLocked(ctx, conn, ch)
	}

	if err := m.broker.Delete(ctx, broker.Connections, broker.ConnectionKey(conn.PrincipalID(), m.instanceID, id)); err != nil {
		m.registryFailed("disconnect", err, zap.String("conn_id", id))
	}

	if err := conn.Close(protocol.CloseForced, "disconnected"); err != nil {
		m.logger.Debug("closing transport", zap.String("conn_id", id), zap.Error(err))
	}
	m.metrics.ConnectionClosed()

	m.logger.Debug("connection deregistered",
		zap.String("conn_id", id),
		zap.String("principal_id", conn.PrincipalID()),
		zap.Int("channels", len(channels)),
	)
}

// Subscribe adds the connection with id to channel. Subscribing twice is a no-op.
//
// Postcondition: Returns ErrConnectionNotFound if id is not registered.
func (m *Manager) Subscribe(ctx context.Context, id, channel string) error {
	conn, ok := m.Connection(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	m.mu.Lock()
	if m.conns[id] != conn {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if !conn.addChannel(channel) {
		m.mu.Unlock()
		return nil
	}
	set, ok := m.channels[channel]
	if !ok {
		set = make(map[string]struct{})
		m.channels[channel] = set
	}
	set[id] = struct{}{}
	m.mu.Unlock()

	m.metrics.SubscriptionAdded()
	marker := []byte(broker.MemberMarker(m.instanceID, id))
	if err := m.broker.Put(ctx, broker.Channels, broker.ChannelKey(channel, m.instanceID, id), marker); err != nil {
		m.registryFailed("subscribe", err, zap.String("conn_id", id), zap.String("channel", channel))
	}
	return nil
}

// Unsubscribe removes the connection with id from channel. Removing a
// membership that does not exist is a no-op.
//
// Postcondition: Returns ErrConnectionNotFound if id is not registered.
func (m *Manager) Unsubscribe(ctx context.Context, id, channel string) error {
	conn, ok := m.Connection(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	conn.opMu.Lock()
	defer conn.opMu.Unlock()

	m.mu.RLock()
	registered := m.conns[id] == conn
	m.mu.RUnlock()
	if !registered {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	m.unsubscribeLocked(ctx, conn, channel)
	return nil
}

// unsubscribeLocked removes one membership. Caller must hold conn.opMu.
func (m *Manager) unsubscribeLocked(ctx context.Context, conn *Connection, channel string) {
	m.mu.Lock()
	removed := conn.removeChannel(channel)
	if set := m.channels[channel]; set != nil {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(m.channels, channel)
		}
	}
	m.mu.Unlock()
	if !removed {
		return
	}

	m.metrics.SubscriptionRemoved()
	if err := m.broker.Delete(ctx, broker.Channels, broker.ChannelKey(channel, m.instanceID, conn.ID())); err != nil {
		m.registryFailed("unsubscribe", err, zap.String("conn_id", conn.ID()), zap.String("channel", channel))
	}
}

// BroadcastToChannel delivers env to every local subscriber of channel, then
// publishes it for the other instances. Cross-instance delivery is
// fire-and-forget; a publish failure never undoes local delivery.
//
// Postcondition: Returns the number of local connections the message was queued for.
func (m *Manager) BroadcastToChannel(ctx context.Context, channel string, env protocol.Envelope, opts ...BroadcastOption) int {
	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := protocol.Encode(env)
	if err != nil {
		m.logger.Error("encoding broadcast", zap.String("channel", channel), zap.Error(err))
		return 0
	}

	delivered := m.deliverLocal(channel, raw, o.exclude, o.version)

	msg, err := json.Marshal(relayMessage{
		SourceInstance:    m.instanceID,
		Channel:           channel,
		ExcludeConnection: o.exclude,
		StateVersion:      o.version,
		Message:           raw,
	})
	if err == nil {
		err = m.broker.Publish(ctx, broker.ChannelSubject(channel), msg)
	}
	if err != nil {
		m.metrics.PublishFailed()
		m.logger.Warn("cross-instance publish failed",
			zap.String("channel", channel),
			zap.String("trace_id", env.TraceID),
			zap.Error(err),
		)
	}
	return delivered
}

// deliverLocal queues raw for the local members of channel, in member order.
func (m *Manager) deliverLocal(channel string, raw []byte, exclude string, version int64) int {
	m.mu.RLock()
	members := make([]*Connection, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		if id == exclude {
			continue
		}
		if conn, ok := m.conns[id]; ok {
			members = append(members, conn)
		}
	}
	m.mu.RUnlock()

	ok, failed := 0, 0
	for _, conn := range members {
		if conn.SendRaw(raw) {
			ok++
			if version > 0 {
				conn.MarkSeen(channel, version)
			}
		} else {
			failed++
		}
	}
	m.metrics.Delivered(ok, failed)
	if failed > 0 {
		m.logger.Debug("local delivery incomplete",
			zap.String("channel", channel),
			zap.Int("delivered", ok),
			zap.Int("failed", failed),
		)
	}
	return ok
}

// SendToUser delivers env to the connections of principalID owned by this
// instance. Connections of the same principal on other instances are not reached.
//
// Postcondition: Returns the number of connections the message was queued for.
func (m *Manager) SendToUser(principalID string, env protocol.Envelope) int {
	raw, err := protocol.Encode(env)
	if err != nil {
		return 0
	}
	n := 0
	for _, conn := range m.ConnectionsForPrincipal(principalID) {
		if conn.SendRaw(raw) {
			n++
		}
	}
	return n
}

// SendToConnection delivers env to one local connection.
func (m *Manager) SendToConnection(id string, env protocol.Envelope) bool {
	conn, ok := m.Connection(id)
	if !ok {
		return false
	}
	return conn.Send(env)
}

// Start subscribes the instance to every channel subject on the broker.
// Messages published by this instance are dropped; the others are delivered
// once to local subscribers and never republished.
//
// Precondition: Start must be called at most once.
// Postcondition: The listener is active until Shutdown, or an error is returned.
func (m *Manager) Start(_ context.Context) error {
	sub, err := m.broker.Subscribe(broker.AllChannelsPattern, m.relay)
	if err != nil {
		return fmt.Errorf("subscribing to channel fan-out: %w", err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	m.logger.Info("channel listener started", zap.String("pattern", broker.AllChannelsPattern))
	return nil
}

// relay handles one pub/sub message. It must not panic or block on the broker.
func (m *Manager) relay(subject string, data []byte) {
	var msg relayMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel == "" || len(msg.Message) == 0 {
		m.metrics.Relayed("malformed")
		m.logger.Warn("dropping malformed relay message", zap.String("subject", subject), zap.Error(err))
		return
	}
	if msg.SourceInstance == m.instanceID {
		m.metrics.Relayed("self")
		return
	}
	if broker.ChannelSubject(msg.Channel) != subject {
		m.metrics.Relayed("malformed")
		m.logger.Warn("relay subject does not match channel",
			zap.String("subject", subject),
			zap.String("channel", msg.Channel),
		)
		return
	}
	m.metrics.Relayed("delivered")
	m.deliverLocal(msg.Channel, msg.Message, msg.ExcludeConnection, msg.StateVersion)
}

// Shutdown stops the listener and disconnects every local connection with
// CloseForced so that no registry entry outlives a clean shutdown.
//
// Postcondition: The manager holds no connections. Returns the listener
// teardown error and ctx.Err() if the deadline passed while draining.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error

	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if sub != nil {
		err = multierr.Append(err, sub.Unsubscribe())
	}

	for _, id := range ids {
		if conn, ok := m.Connection(id); ok {
			_ = conn.Close(protocol.CloseForced, protocol.ReasonShutdown)
		}
		m.Disconnect(ctx, id)
	}
	err = multierr.Append(err, ctx.Err())

	m.logger.Info("connection manager stopped", zap.Int("disconnected", len(ids)))
	return err
}

// Connection returns the local connection with id.
func (m *Manager) Connection(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// ConnectionsForPrincipal returns the local connections of principalID.
func (m *Manager) ConnectionsForPrincipal(principalID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byPrincipal[principalID]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		out = append(out, m.conns[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ChannelMembers returns the ids of local connections subscribed to channel, sorted.
func (m *Manager) ChannelMembers(channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ChannelsOf returns the channels the connection with id is subscribed to.
func (m *Manager) ChannelsOf(id string) []string {
	conn, ok := m.Connection(id)
	if !ok {
		return nil
	}
	return conn.Channels()
}

// LocalConnectionCount returns the number of connections owned by this instance.
func (m *Manager) LocalConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SharedChannelMembers lists the fleet-wide membership markers of channel
// from the shared registry.
func (m *Manager) SharedChannelMembers(ctx context.Context, channel string) ([]broker.RegistryEntry, error) {
	keys, err := m.broker.Keys(ctx, broker.Channels, broker.OwnerPrefix(channel))
	if err != nil {
		return nil, fmt.Errorf("listing members of %s: %w", channel, err)
	}
	out := make([]broker.RegistryEntry, 0, len(keys))
	for _, k := range keys {
		entry, err := broker.ParseRegistryKey(k)
		if err != nil {
			m.logger.Warn("skipping malformed channel key", zap.String("key", k), zap.Error(err))
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *Manager) putConnection(ctx context.Context, conn *Connection) error {
	rec, err := json.Marshal(broker.ConnectionRecord{
		InstanceID:  m.instanceID,
		ConnectedAt: conn.AcceptedAt(),
		SessionID:   conn.SessionID(),
	})
	if err != nil {
		return err
	}
	return m.broker.Put(ctx, broker.Connections, broker.ConnectionKey(conn.PrincipalID(), m.instanceID, conn.ID()), rec)
}

// Remirror rewrites the shared registry entries of every local connection
// and membership. An instance calls it after peers reclaimed it while it was
// stalled, which deleted entries that are still live here.
//
// Postcondition: Every live local connection and membership has its registry
// entry, or the combined write errors are returned.
func (m *Manager) Remirror(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var errs error
	var memberships int
	for _, conn := range conns {
		conn.opMu.Lock()
		m.mu.RLock()
		live := m.conns[conn.ID()] == conn
		m.mu.RUnlock()
		if !live {
			conn.opMu.Unlock()
			continue
		}
		if err := m.putConnection(ctx, conn); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remirroring connection %s: %w", conn.ID(), err))
		}
		for _, ch := range conn.Channels() {
			marker := []byte(broker.MemberMarker(m.instanceID, conn.ID()))
			if err := m.broker.Put(ctx, broker.Channels, broker.ChannelKey(ch, m.instanceID, conn.ID()), marker); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("remirroring %s in %s: %w", conn.ID(), ch, err))
				continue
			}
			memberships++
		}
		conn.opMu.Unlock()
	}
	m.logger.Info("shared registry remirrored",
		zap.Int("connections", len(conns)),
		zap.Int("memberships", memberships),
		zap.Error(errs),
	)
	return errs
}

func (m *Manager) registryFailed(op string, err error, fields ...zap.Field) {
	m.metrics.RegistryFailed(op)
	m.logger.Warn("shared registry "+op+" failed", append(fields, zap.Error(err))...)
}

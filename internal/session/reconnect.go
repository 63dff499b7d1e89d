package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/broker"
)

// UserReconnectState is the short-lived snapshot a principal's next
// connection resumes from, possibly on another instance.
type UserReconnectState struct {
	Channels []string `json:"channels"`
	// LastSeen maps channel to the last state version delivered to the client.
	LastSeen       map[string]int64 `json:"lastSeen"`
	DisconnectedAt time.Time        `json:"disconnectedAt"`
}

// VersionLookup reports the current state version of the resource behind a
// channel. ok is false for channels that carry no versioned state.
type VersionLookup interface {
	CurrentVersion(ctx context.Context, channel string) (version int64, ok bool, err error)
}

// VersionLookupFunc adapts a function to VersionLookup.
type VersionLookupFunc func(ctx context.Context, channel string) (int64, bool, error)

// CurrentVersion implements VersionLookup.
func (f VersionLookupFunc) CurrentVersion(ctx context.Context, channel string) (int64, bool, error) {
	return f(ctx, channel)
}

// Resumed describes what Resume restored.
type Resumed struct {
	Channels []string
	// Stale lists channels whose client copy is behind the resource. The
	// client must fetch a full snapshot for each.
	Stale          []string
	DisconnectedAt time.Time
}

// StoreUserState writes the reconnection snapshot of principalID. The
// snapshot expires with the Reconnect bucket TTL.
func (m *Manager) StoreUserState(ctx context.Context, principalID string, state UserReconnectState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding reconnect state: %w", err)
	}
	if err := m.broker.Put(ctx, broker.Reconnect, broker.Token(principalID), raw); err != nil {
		return fmt.Errorf("storing reconnect state for %s: %w", principalID, err)
	}
	return nil
}

// mergeUserState folds state into the principal's existing snapshot so a
// principal with several devices keeps every device's channels. Channels are
// unioned, the highest last-seen version per channel wins and the latest
// disconnect time is kept.
func (m *Manager) mergeUserState(ctx context.Context, principalID string, state UserReconnectState) error {
	prev, err := m.GetUserState(ctx, principalID)
	if err != nil {
		return err
	}
	if prev != nil {
		state = MergeUserState(*prev, state)
	}
	return m.StoreUserState(ctx, principalID, state)
}

// MergeUserState combines two snapshots of one principal.
//
// Postcondition: Channels is the sorted union; LastSeen holds the maximum of
// both per channel.
func MergeUserState(a, b UserReconnectState) UserReconnectState {
	out := UserReconnectState{
		Channels:       append(slices.Clone(a.Channels), b.Channels...),
		LastSeen:       make(map[string]int64, len(a.LastSeen)+len(b.LastSeen)),
		DisconnectedAt: a.DisconnectedAt,
	}
	slices.Sort(out.Channels)
	out.Channels = slices.Compact(out.Channels)
	for _, seen := range []map[string]int64{a.LastSeen, b.LastSeen} {
		for ch, v := range seen {
			if v > out.LastSeen[ch] {
				out.LastSeen[ch] = v
			}
		}
	}
	if b.DisconnectedAt.After(out.DisconnectedAt) {
		out.DisconnectedAt = b.DisconnectedAt
	}
	return out
}

// GetUserState reads the reconnection snapshot of principalID.
//
// Postcondition: Returns (nil, nil) when no unexpired snapshot exists.
func (m *Manager) GetUserState(ctx context.Context, principalID string) (*UserReconnectState, error) {
	raw, err := m.broker.Get(ctx, broker.Reconnect, broker.Token(principalID))
	if errors.Is(err, broker.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reconnect state for %s: %w", principalID, err)
	}
	var state UserReconnectState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding reconnect state for %s: %w", principalID, err)
	}
	return &state, nil
}

// Resume resubscribes conn to the channels of its principal's snapshot and
// reports which of them are stale. The snapshot is consumed.
//
// Precondition: conn must be registered with Connect.
// Postcondition: Returns (nil, nil) when there was nothing to resume.
func (m *Manager) Resume(ctx context.Context, conn *Connection, versions VersionLookup) (*Resumed, error) {
	state, err := m.GetUserState(ctx, conn.PrincipalID())
	if err != nil || state == nil {
		return nil, err
	}

	out := &Resumed{DisconnectedAt: state.DisconnectedAt}
	for _, ch := range state.Channels {
		if err := m.Subscribe(ctx, conn.ID(), ch); err != nil {
			return nil, err
		}
		out.Channels = append(out.Channels, ch)

		seen := state.LastSeen[ch]
		current, ok, err := versions.CurrentVersion(ctx, ch)
		if err != nil {
			m.logger.Warn("version lookup failed; treating channel as stale",
				zap.String("channel", ch), zap.Error(err))
			out.Stale = append(out.Stale, ch)
			continue
		}
		if !ok {
			continue
		}
		if seen > current {
			seen = current
		}
		conn.MarkSeen(ch, seen)
		if seen < current {
			out.Stale = append(out.Stale, ch)
		}
	}

	if err := m.broker.Delete(ctx, broker.Reconnect, broker.Token(conn.PrincipalID())); err != nil {
		m.registryFailed("consume_user_state", err, zap.String("conn_id", conn.ID()))
	}
	m.logger.Debug("connection resumed",
		zap.String("conn_id", conn.ID()),
		zap.Strings("channels", out.Channels),
		zap.Strings("stale", out.Stale),
	)
	return out, nil
}

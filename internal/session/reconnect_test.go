package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gamegate/internal/broker/memory"
	"github.com/cory-johannsen/gamegate/internal/protocol"
)

func versionsOf(current map[string]int64) VersionLookup {
	return VersionLookupFunc(func(_ context.Context, channel string) (int64, bool, error) {
		v, ok := current[channel]
		return v, ok, nil
	})
}

func TestManager_DisconnectStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m := newTestManager(t, "i1", memory.New(clk, testTTLs()), clk)
	c := connectNew(t, m, "c1", "alice")
	require.NoError(t, m.Subscribe(ctx, "c1", "lobby"))
	require.NoError(t, m.Subscribe(ctx, "c1", "table:42"))
	m.BroadcastToChannel(ctx, "table:42", protocol.MustNew(protocol.TableStateUpdate, nil), WithStateVersion(4))
	require.Equal(t, int64(4), c.LastSeen("table:42"))

	m.Disconnect(ctx, "c1")

	state, err := m.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{"lobby", "table:42"}, state.Channels)
	assert.Equal(t, int64(4), state.LastSeen["table:42"])
	assert.Equal(t, clk.Now().UTC(), state.DisconnectedAt)
}

// The last device to disconnect must not erase what earlier devices left.
func TestManager_DisconnectMergesSnapshotsAcrossDevices(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := memory.New(clk, testTTLs())
	i1 := newTestManager(t, "i1", b, clk)
	i2 := newTestManager(t, "i2", b, clk)

	phone := connectNew(t, i1, "c1", "alice")
	connectNew(t, i2, "c2", "alice")
	require.NoError(t, i1.Subscribe(ctx, "c1", "table:42"))
	phone.MarkSeen("table:42", 7)
	require.NoError(t, i2.Subscribe(ctx, "c2", "lobby"))

	i1.Disconnect(ctx, "c1")
	clk.Add(time.Second)
	i2.Disconnect(ctx, "c2")

	state, err := i2.GetUserState(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{"lobby", "table:42"}, state.Channels)
	assert.Equal(t, int64(7), state.LastSeen["table:42"])
	assert.Equal(t, clk.Now().UTC(), state.DisconnectedAt)

	fresh := connectNew(t, i1, "c3", "alice")
	resumed, err := i1.Resume(ctx, fresh, versionsOf(map[string]int64{"table:42": 9}))
	require.NoError(t, err)
	assert.Equal(t, []string{"lobby", "table:42"}, resumed.Channels)
	assert.Equal(t, []string{"table:42"}, resumed.Stale)
}

func TestPropertyMergeUserStateKeepsEverything(t *testing.T) {
	channel := rapid.SampledFrom([]string{"lobby", "table:1", "table:2", "table:3"})
	snapshot := rapid.Custom(func(rt *rapid.T) UserReconnectState {
		seen := rapid.MapOf(channel, rapid.Int64Range(1, 100)).Draw(rt, "seen")
		chans := rapid.SliceOf(channel).Draw(rt, "channels")
		for ch := range seen {
			chans = append(chans, ch)
		}
		return UserReconnectState{Channels: chans, LastSeen: seen}
	})
	rapid.Check(t, func(rt *rapid.T) {
		a := snapshot.Draw(rt, "a")
		b := snapshot.Draw(rt, "b")
		got := MergeUserState(a, b)

		for _, ch := range append(append([]string(nil), a.Channels...), b.Channels...) {
			assert.Contains(rt, got.Channels, ch)
		}
		for i := 1; i < len(got.Channels); i++ {
			assert.Less(rt, got.Channels[i-1], got.Channels[i], "sorted without duplicates")
		}
		for _, seen := range []map[string]int64{a.LastSeen, b.LastSeen} {
			for ch, v := range seen {
				assert.GreaterOrEqual(rt, got.LastSeen[ch], v)
			}
		}
		assert.Equal(rt, got, MergeUserState(b, a))
	})
}

func TestManager_SnapshotExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m := newTestManager(t, "i1", memory.New(clk, testTTLs()), clk)
	require.NoError(t, m.StoreUserState(ctx, "alice", UserReconnectState{Channels: []string{"lobby"}}))

	clk.Add(5*time.Minute + time.Second)
	state, err := m.GetUserState(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, state)
}

// Reconnecting on another instance restores memberships and flags stale channels.
func TestManager_ResumeOnOtherInstance(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	b := memory.New(clk, testTTLs())
	i1 := newTestManager(t, "i1", b, clk)
	i2 := newTestManager(t, "i2", b, clk)

	old := connectNew(t, i1, "old", "alice")
	require.NoError(t, i1.Subscribe(ctx, "old", "lobby"))
	require.NoError(t, i1.Subscribe(ctx, "old", "table:1"))
	require.NoError(t, i1.Subscribe(ctx, "old", "table:2"))
	old.MarkSeen("table:1", 3)
	old.MarkSeen("table:2", 5)
	i1.Disconnect(ctx, "old")

	fresh := connectNew(t, i2, "new", "alice")
	resumed, err := i2.Resume(ctx, fresh, versionsOf(map[string]int64{"table:1": 3, "table:2": 6}))
	require.NoError(t, err)
	require.NotNil(t, resumed)

	assert.Equal(t, []string{"lobby", "table:1", "table:2"}, resumed.Channels)
	assert.Equal(t, []string{"table:2"}, resumed.Stale)
	assert.Equal(t, []string{"lobby", "table:1", "table:2"}, i2.ChannelsOf("new"))
	assert.Equal(t, int64(5), fresh.LastSeen("table:2"))

	again, err := i2.GetUserState(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, again, "snapshot is consumed by Resume")
}

func TestManager_ResumeWithoutSnapshot(t *testing.T) {
	clk := clock.NewMock()
	m := newTestManager(t, "i1", memory.New(clk, testTTLs()), clk)
	c := connectNew(t, m, "c1", "alice")
	resumed, err := m.Resume(context.Background(), c, versionsOf(nil))
	require.NoError(t, err)
	assert.Nil(t, resumed)
}

func TestManager_ResumeClampsSeenAndTreatsLookupErrorsAsStale(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	m := newTestManager(t, "i1", memory.New(clk, testTTLs()), clk)
	require.NoError(t, m.StoreUserState(ctx, "alice", UserReconnectState{
		Channels: []string{"table:1", "table:2"},
		LastSeen: map[string]int64{"table:1": 9, "table:2": 1},
	}))
	c := connectNew(t, m, "c1", "alice")

	lookup := VersionLookupFunc(func(_ context.Context, channel string) (int64, bool, error) {
		if channel == "table:2" {
			return 0, false, errors.New("store down")
		}
		return 4, true, nil
	})
	resumed, err := m.Resume(ctx, c, lookup)
	require.NoError(t, err)
	assert.Equal(t, []string{"table:2"}, resumed.Stale)
	assert.Equal(t, int64(4), c.LastSeen("table:1"), "last seen never exceeds the current version")
}

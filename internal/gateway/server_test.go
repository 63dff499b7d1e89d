package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gamegate/internal/action"
	"github.com/cory-johannsen/gamegate/internal/auth"
	"github.com/cory-johannsen/gamegate/internal/broker"
	"github.com/cory-johannsen/gamegate/internal/broker/memory"
	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/gateway"
	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/rules"
	"github.com/cory-johannsen/gamegate/internal/session"
	"github.com/cory-johannsen/gamegate/internal/testutil"
)

const (
	secret  = "gateway-test-secret-0123"
	timeout = 3 * time.Second
)

type harness struct {
	srv     *gateway.Server
	manager *session.Manager
	store   *action.MemoryStore
	broker  *memory.Broker
	url     string
}

func quietHeartbeat() config.HeartbeatConfig {
	return config.HeartbeatConfig{Interval: time.Hour, Timeout: time.Hour, MaxMissedPongs: 2}
}

func newHarness(t *testing.T, hb config.HeartbeatConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.New()
	b := memory.New(clk, broker.TTLs{broker.Reconnect: 5 * time.Minute, broker.Idempotency: 10 * time.Minute})

	seeds, err := action.LoadSeeds(filepath.Join(testutil.RepoRoot(t), "content", "seed", "tables.yaml"))
	require.NoError(t, err)
	store := action.NewMemoryStore(seeds...)
	engine, err := rules.LoadFile(filepath.Join(testutil.RepoRoot(t), "content", "rules", "betting.lua"), 0, logger)
	require.NoError(t, err)

	manager := session.NewManager("i1", b, clk, logger, nil)
	require.NoError(t, manager.Start(context.Background()))
	proc := action.NewProcessor("i1", b, store, engine, manager, clk, logger, nil, action.Options{})

	srv := gateway.NewServer(gateway.Config{
		WebSocket: config.WebSocketConfig{
			Path:            "/ws",
			WriteTimeout:    time.Second,
			MaxMessageBytes: 64 * 1024,
		},
		Heartbeat:      hb,
		OutboundBuffer: 64,
	}, auth.NewValidator(secret, "gamegate", nil), manager, proc, store, clk, logger, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return &harness{
		srv:     srv,
		manager: manager,
		store:   store,
		broker:  b,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func token(t *testing.T, principal string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": principal,
		"iss": "gamegate",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (h *harness) dial(t *testing.T, principal string) *testutil.WSClient {
	t.Helper()
	c := testutil.NewWSClient(t, h.url, http.Header{"Authorization": {"Bearer " + token(t, principal)}})
	c.Expect(protocol.Connected, timeout)
	return c
}

func envelope(t *testing.T, typ protocol.EventType, requestID string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, payload)
	require.NoError(t, err)
	env.RequestID = requestID
	return env
}

func subscribe(t *testing.T, c *testutil.WSClient, channel string) {
	t.Helper()
	c.Send(envelope(t, protocol.Subscribe, "", protocol.ChannelPayload{Channel: channel}))
	got := c.Expect(protocol.Subscribed, timeout)
	var p protocol.ChannelPayload
	require.NoError(t, json.Unmarshal(got.Payload, &p))
	require.Equal(t, channel, p.Channel)
}

func expectError(t *testing.T, c *testutil.WSClient, code string) protocol.ErrorPayload {
	t.Helper()
	env := c.Expect(protocol.ErrorEvent, timeout)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, code, p.Code)
	return p
}

func actionRequest(t *testing.T, requestID, kind string, data any) protocol.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return envelope(t, protocol.ActionRequest, requestID, protocol.ActionRequestPayload{ResourceID: "42", Kind: kind, Data: raw})
}

func TestServer_RejectsMissingCredential(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := testutil.NewWSClient(t, h.url, nil)
	assert.Equal(t, int(protocol.CloseAuthFailed), c.ExpectClose(timeout))
	assert.Zero(t, h.manager.LocalConnectionCount())
}

func TestServer_RejectsBadCredential(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := testutil.NewWSClient(t, h.url+"?token=garbage", nil)
	assert.Equal(t, int(protocol.CloseAuthFailed), c.ExpectClose(timeout))
}

func TestServer_ConnectedGreeting(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := testutil.NewWSClient(t, h.url+"?token="+token(t, "alice"), nil)
	env := c.Expect(protocol.Connected, timeout)

	var p protocol.ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "alice", p.PrincipalID)
	assert.Equal(t, "i1", p.InstanceID)
	assert.NotEmpty(t, p.ConnectionID)
	assert.Equal(t, int64(time.Hour/time.Millisecond), p.HeartbeatIntervalMs)
	assert.Eventually(t, func() bool { return h.manager.LocalConnectionCount() == 1 }, timeout, 10*time.Millisecond)
}

func TestServer_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := h.dial(t, "alice")

	c.SendRaw([]byte(`{not json`))
	expectError(t, c, protocol.CodeMalformedEnvelope)

	c.SendRaw([]byte(`{"type":"TELEPORT","version":"v1","payload":{}}`))
	expectError(t, c, protocol.CodeUnknownEventType)

	c.SendRaw([]byte(`{"type":"PING","version":"v0","payload":{}}`))
	expectError(t, c, protocol.CodeUnsupportedVersion)

	c.SendRaw([]byte(`{"type":"TABLE_STATE_UPDATE","version":"v1","payload":{}}`))
	expectError(t, c, protocol.CodeInvalidDirection)

	c.Send(actionRequest(t, "", "bet", map[string]int{"amount": 1}))
	expectError(t, c, protocol.CodeRequestIDRequired)

	c.Send(envelope(t, protocol.Unsubscribe, "", protocol.ChannelPayload{Channel: "lobby"}))
	expectError(t, c, protocol.CodeNotSubscribed)

	ping := envelope(t, protocol.Ping, "", nil)
	c.Send(ping)
	pong := c.Expect(protocol.Pong, timeout)
	assert.Equal(t, ping.TraceID, pong.TraceID)
}

// Scenario B over the wire: a retried request returns the cached version 2.
func TestServer_ActionAppliedBroadcastAndRetried(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	subscribe(t, alice, "table:42")
	subscribe(t, bob, "table:42")

	alice.Send(actionRequest(t, "r1", "bet", map[string]int{"amount": 100}))
	first := alice.Expect(protocol.ActionResult, timeout)
	assert.Equal(t, "r1", first.RequestID)
	var result protocol.ActionResultPayload
	require.NoError(t, json.Unmarshal(first.Payload, &result))
	assert.Equal(t, int64(2), result.Version)

	update := bob.Expect(protocol.TableStateUpdate, timeout)
	var state protocol.StatePayload
	require.NoError(t, json.Unmarshal(update.Payload, &state))
	assert.Equal(t, int64(2), state.Version)
	assert.Equal(t, "table:42", state.Channel)

	alice.Send(actionRequest(t, "r1", "bet", map[string]int{"amount": 100}))
	again := alice.Expect(protocol.ActionResult, timeout)
	assert.JSONEq(t, string(first.Payload), string(again.Payload))

	res, err := h.store.Load(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)
}

func TestServer_ActionRejectedWithRuleCode(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	bob := h.dial(t, "bob")
	bob.Send(actionRequest(t, "r1", "bet", map[string]int{"amount": 100}))
	p := expectError(t, bob, "NOT_YOUR_TURN")
	assert.NotEmpty(t, p.Message)

	bob.Send(actionRequest(t, "r1", "bet", map[string]int{"amount": 100}))
	expectError(t, bob, "NOT_YOUR_TURN")
}

func TestServer_StateSync(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := h.dial(t, "alice")
	c.Send(envelope(t, protocol.StateSyncRequest, "", protocol.StateSyncRequestPayload{ResourceID: "42"}))
	env := c.Expect(protocol.StateSync, timeout)
	var p protocol.StatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, "table:42", p.Channel)

	c.Send(envelope(t, protocol.StateSyncRequest, "", protocol.StateSyncRequestPayload{ResourceID: "nope"}))
	expectError(t, c, action.CodeResourceNotFound)
}

func TestServer_ChatExcludesSender(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	subscribe(t, alice, "lobby")
	subscribe(t, bob, "lobby")

	alice.Send(envelope(t, protocol.ChatSend, "", protocol.ChatSendPayload{Channel: "lobby", Text: "gl hf"}))
	msg := bob.Expect(protocol.ChatMessage, timeout)
	var p protocol.ChatMessagePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "alice", p.PrincipalID)
	assert.Equal(t, "gl hf", p.Text)

	// The chat is handled before the ping, so an echo would arrive first.
	alice.Send(envelope(t, protocol.Ping, "", nil))
	assert.Equal(t, protocol.Pong, alice.Read(timeout).Type)

	alice.Send(envelope(t, protocol.ChatSend, "", protocol.ChatSendPayload{Channel: "elsewhere", Text: "hi"}))
	expectError(t, alice, protocol.CodeNotSubscribed)
}

func TestServer_ReconnectReportsStaleChannels(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	ctx := context.Background()

	alice := h.dial(t, "alice")
	subscribe(t, alice, "table:42")
	subscribe(t, alice, "lobby")
	alice.Close()
	require.Eventually(t, func() bool {
		_, err := h.broker.Get(ctx, broker.Reconnect, broker.Token("alice"))
		return err == nil
	}, timeout, 10*time.Millisecond)

	res, err := h.store.Load(ctx, "42")
	require.NoError(t, err)
	res.Version = 2
	require.NoError(t, h.store.Save(ctx, res, 1))

	again := testutil.NewWSClient(t, h.url, http.Header{"Authorization": {"Bearer " + token(t, "alice")}})
	again.Expect(protocol.Connected, timeout)
	env := again.Expect(protocol.ReconnectState, timeout)
	var p protocol.ReconnectStatePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.ElementsMatch(t, []string{"table:42", "lobby"}, p.Channels)
	assert.Equal(t, []string{"table:42"}, p.Stale)
	assert.NotZero(t, p.DisconnectedAt)

	conns := h.manager.ConnectionsForPrincipal("alice")
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Subscribed("table:42"))
}

func TestServer_HeartbeatTimeoutCloses4003(t *testing.T) {
	h := newHarness(t, config.HeartbeatConfig{Interval: 50 * time.Millisecond, Timeout: 100 * time.Millisecond, MaxMissedPongs: 2})
	c := h.dial(t, "alice")
	assert.Equal(t, int(protocol.CloseHeartbeatTimeout), c.ExpectClose(timeout))
	assert.Eventually(t, func() bool { return h.manager.LocalConnectionCount() == 0 }, timeout, 10*time.Millisecond)
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	h := newHarness(t, quietHeartbeat())
	c := h.dial(t, "alice")
	subscribe(t, c, "lobby")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		done <- h.srv.Shutdown(ctx)
	}()
	assert.Equal(t, int(protocol.CloseForced), c.ExpectClose(timeout))
	require.NoError(t, <-done)

	assert.Zero(t, h.manager.LocalConnectionCount())
	keys, err := h.broker.Keys(context.Background(), broker.Channels, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

package gateway

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/action"
	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/session"
)

// maxChatRunes bounds one chat line.
const maxChatRunes = 512

// ActionProcessor executes state-changing commands.
type ActionProcessor interface {
	Process(ctx context.Context, cmd action.Command) (action.Result, error)
}

// handlers holds the collaborators of the built-in event handlers.
type handlers struct {
	manager   *session.Manager
	processor ActionProcessor
	store     action.Store
	clock     clock.Clock
	logger    *zap.Logger
}

// table returns the static dispatch table.
func (h *handlers) table() map[protocol.EventType]Handler {
	return map[protocol.EventType]Handler{
		protocol.Ping:             HandlerFunc(h.ping),
		protocol.Pong:             HandlerFunc(h.pong),
		protocol.Subscribe:        HandlerFunc(h.subscribe),
		protocol.Unsubscribe:      HandlerFunc(h.unsubscribe),
		protocol.ActionRequest:    HandlerFunc(h.actionRequest),
		protocol.StateSyncRequest: HandlerFunc(h.stateSync),
		protocol.ChatSend:         HandlerFunc(h.chatSend),
	}
}

func reply(req protocol.Envelope, t protocol.EventType, payload any) (*protocol.Envelope, error) {
	env, err := protocol.Reply(req, t, payload)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (h *handlers) ping(_ context.Context, _ *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	return reply(env, protocol.Pong, nil)
}

func (h *handlers) pong(_ context.Context, conn *session.Connection, _ protocol.Envelope) (*protocol.Envelope, error) {
	conn.RecordPong(h.clock.Now())
	return nil, nil
}

func channelOf(env protocol.Envelope) (string, error) {
	var p protocol.ChannelPayload
	if err := env.DecodePayload(&p); err != nil {
		return "", err
	}
	p.Channel = strings.TrimSpace(p.Channel)
	if p.Channel == "" {
		return "", protocol.Errorf(protocol.CodeInvalidPayload, "channel is required")
	}
	return p.Channel, nil
}

func (h *handlers) subscribe(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	channel, err := channelOf(env)
	if err != nil {
		return nil, err
	}
	if err := h.manager.Subscribe(ctx, conn.ID(), channel); err != nil {
		return nil, err
	}
	return reply(env, protocol.Subscribed, protocol.ChannelPayload{Channel: channel})
}

func (h *handlers) unsubscribe(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	channel, err := channelOf(env)
	if err != nil {
		return nil, err
	}
	if !conn.Subscribed(channel) {
		return nil, protocol.Errorf(protocol.CodeNotSubscribed, "not subscribed to %s", channel)
	}
	if err := h.manager.Unsubscribe(ctx, conn.ID(), channel); err != nil {
		return nil, err
	}
	return reply(env, protocol.Unsubscribed, protocol.ChannelPayload{Channel: channel})
}

// actionRequest runs the command through the idempotent processor. Applied
// results answer with ACTION_RESULT; rejections answer with ERROR carrying
// the rule code. Retries get the same answer.
func (h *handlers) actionRequest(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	var p protocol.ActionRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.ResourceID == "" || p.Kind == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "resourceId and kind are required")
	}

	res, err := h.processor.Process(ctx, action.Command{
		ResourceID:  p.ResourceID,
		PrincipalID: conn.PrincipalID(),
		RequestID:   env.RequestID,
		Kind:        p.Kind,
		Payload:     p.Data,
	})
	switch {
	case errors.Is(err, action.ErrRequestInFlight):
		return nil, protocol.Errorf(protocol.CodeRequestInFlight, "request %s is still being processed", env.RequestID)
	case err != nil:
		h.logger.Warn("action processing failed",
			zap.String("conn_id", conn.ID()),
			zap.String("resource_id", p.ResourceID),
			zap.String("request_id", env.RequestID),
			zap.Error(err),
		)
		return nil, protocol.Errorf(protocol.CodeUnavailable, "action could not be processed; retry with the same requestId")
	case res.Rejected != nil:
		return nil, protocol.Errorf(res.Rejected.Code, "%s", res.Rejected.Message)
	}

	return reply(env, protocol.ActionResult, protocol.ActionResultPayload{
		ResourceID: res.ResourceID,
		Version:    res.Version,
		State:      res.State,
	})
}

// stateSync answers with the full current state and records it as seen.
func (h *handlers) stateSync(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	var p protocol.StateSyncRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.ResourceID == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "resourceId is required")
	}
	res, err := h.store.Load(ctx, p.ResourceID)
	if errors.Is(err, action.ErrResourceNotFound) {
		return nil, protocol.Errorf(action.CodeResourceNotFound, "resource %s does not exist", p.ResourceID)
	}
	if err != nil {
		h.logger.Warn("loading state for sync", zap.String("resource_id", p.ResourceID), zap.Error(err))
		return nil, protocol.Errorf(protocol.CodeUnavailable, "state is temporarily unavailable")
	}

	channel := action.ChannelFor(res.ID)
	conn.MarkSeen(channel, res.Version)
	return reply(env, protocol.StateSync, protocol.StatePayload{
		ResourceID: res.ID,
		Channel:    channel,
		Version:    res.Version,
		State:      res.State,
	})
}

// chatSend fans a chat line out to the channel, excluding the sender.
func (h *handlers) chatSend(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	var p protocol.ChatSendPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.Channel == "" || strings.TrimSpace(p.Text) == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "channel and text are required")
	}
	if utf8.RuneCountInString(p.Text) > maxChatRunes {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "text exceeds %d characters", maxChatRunes)
	}
	if !conn.Subscribed(p.Channel) {
		return nil, protocol.Errorf(protocol.CodeNotSubscribed, "not subscribed to %s", p.Channel)
	}

	msg, err := protocol.New(protocol.ChatMessage, protocol.ChatMessagePayload{
		Channel:     p.Channel,
		PrincipalID: conn.PrincipalID(),
		Text:        p.Text,
	})
	if err != nil {
		return nil, err
	}
	msg.TraceID = env.TraceID
	h.manager.BroadcastToChannel(ctx, p.Channel, msg, session.ExcludeConnection(conn.ID()))
	return nil, nil
}

package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/session"
)

// Handler processes one decoded client envelope. A non-nil reply is sent to
// the originating connection. A returned error becomes an ERROR envelope for
// the originator only; the connection stays open.
type Handler interface {
	Handle(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, conn *session.Connection, env protocol.Envelope) (*protocol.Envelope, error) {
	return f(ctx, conn, env)
}

// Router dispatches inbound frames by event type through a static table.
type Router struct {
	handlers map[protocol.EventType]Handler
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewRouter creates a Router over handlers.
//
// Precondition: logger must be non-nil; handlers must not be modified afterwards.
func NewRouter(handlers map[protocol.EventType]Handler, logger *zap.Logger, metrics *observability.Metrics) *Router {
	return &Router{handlers: handlers, logger: logger, metrics: metrics}
}

// Dispatch decodes raw and runs its handler, answering conn with the reply
// or an ERROR envelope.
func (r *Router) Dispatch(ctx context.Context, conn *session.Connection, raw []byte) {
	env, err := protocol.Decode(raw, protocol.ClientToServer)
	if err != nil {
		r.reject(conn, env, protocol.AsError(err))
		return
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		r.reject(conn, env, protocol.Errorf(protocol.CodeUnknownEventType, "event type %q is not handled", env.Type))
		return
	}

	reply, err := h.Handle(ctx, conn, env)
	if err != nil {
		perr := protocol.AsError(err)
		if perr.Code == protocol.CodeInternal {
			r.logger.Error("handler failed",
				zap.String("conn_id", conn.ID()),
				zap.String("type", string(env.Type)),
				zap.String("trace_id", env.TraceID),
				zap.Error(err),
			)
		}
		r.reject(conn, env, perr)
		return
	}
	if reply != nil && !conn.Send(*reply) {
		r.logger.Debug("reply dropped",
			zap.String("conn_id", conn.ID()),
			zap.String("type", string(reply.Type)),
		)
	}
}

func (r *Router) reject(conn *session.Connection, req protocol.Envelope, perr *protocol.Error) {
	r.metrics.ProtocolRejected(perr.Code)
	r.logger.Debug("envelope rejected",
		zap.String("conn_id", conn.ID()),
		zap.String("type", string(req.Type)),
		zap.String("code", perr.Code),
		zap.String("trace_id", req.TraceID),
	)
	if req.TraceID == "" {
		req.TraceID = protocol.NewTraceID()
	}
	conn.Send(protocol.ErrorReply(req, perr))
}

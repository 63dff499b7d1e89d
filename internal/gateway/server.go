// Package gateway accepts authenticated WebSocket clients and routes their
// envelopes to the session, action and chat handlers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/gamegate/internal/action"
	"github.com/cory-johannsen/gamegate/internal/auth"
	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/session"
)

// teardownTimeout bounds the registry cleanup of one closed connection.
const teardownTimeout = 5 * time.Second

// Authenticator validates the credential presented on upgrade.
type Authenticator interface {
	Validate(token string) (auth.Identity, error)
}

// Config holds the acceptor settings.
type Config struct {
	WebSocket      config.WebSocketConfig
	Heartbeat      config.HeartbeatConfig
	OutboundBuffer int
}

// Server is the client-facing WebSocket acceptor. Each accepted connection
// runs a read loop, a write pump and a heartbeat in one errgroup.
type Server struct {
	cfg      Config
	authn    Authenticator
	manager  *session.Manager
	router   *Router
	versions session.VersionLookup
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	closing  bool
}

// NewServer creates a Server.
//
// Precondition: every collaborator except metrics must be non-nil.
// Postcondition: Returns a Server whose Handler serves cfg.WebSocket.Path.
func NewServer(cfg Config, authn Authenticator, manager *session.Manager, processor ActionProcessor, store action.Store, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *Server {
	h := &handlers{
		manager:   manager,
		processor: processor,
		store:     store,
		clock:     clk,
		logger:    logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		authn:    authn,
		manager:  manager,
		router:   NewRouter(h.table(), logger, metrics),
		versions: action.VersionLookup(store),
		clock:    clk,
		logger:   logger,
		metrics:  metrics,
		upgrader: makeUpgrader(cfg.WebSocket.AllowedOrigins),
		mux:      http.NewServeMux(),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.mux.HandleFunc(cfg.WebSocket.Path, s.serveWS)
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Handle registers an extra HTTP handler, such as the metrics endpoint.
//
// Precondition: Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler serving the WebSocket route.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Stop.
//
// Postcondition: Returns nil after a clean Stop, or the listen/serve error.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.WebSocket.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.WebSocket.Addr(), err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("websocket gateway listening",
		zap.String("addr", l.Addr().String()),
		zap.String("path", s.cfg.WebSocket.Path),
	)
	if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket gateway: %w", err)
	}
	return nil
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stop implements server.Service.
func (s *Server) Stop(ctx context.Context) error {
	return s.Shutdown(ctx)
}

// Shutdown stops accepting, closes every connection with CloseForced and
// waits for their handlers to finish their teardown.
//
// Postcondition: No connection goroutine of this server is running, unless
// ctx ended first, in which case ctx.Err() is included in the result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	started := s.listener != nil
	s.mu.Unlock()

	var err error
	if started {
		err = multierr.Append(err, s.httpSrv.Shutdown(ctx))
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}
	s.logger.Info("websocket gateway stopped")
	return err
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	token := auth.FromRequest(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	defer func() { _ = ws.Close() }()

	ident, err := s.authn.Validate(token)
	if err != nil {
		s.metrics.ProtocolRejected("AUTH_FAILED")
		s.logger.Info("rejecting unauthenticated connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		tr := newTransport(ws, s.cfg.WebSocket.WriteTimeout)
		_ = tr.Close(protocol.CloseAuthFailed, protocol.ReasonAuthFailed)
		drain(ws)
		return
	}

	s.serveConn(ws, ident, r.RemoteAddr)
}

// drain reads until the peer answers the close frame or the grace deadline passes.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}

func (s *Server) serveConn(ws *websocket.Conn, ident auth.Identity, remoteAddr string) {
	start := s.clock.Now()
	sessionID := ident.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	tr := newTransport(ws, s.cfg.WebSocket.WriteTimeout)
	conn := session.NewConnection(uuid.NewString(), ident.PrincipalID, sessionID, start, tr, s.cfg.OutboundBuffer)
	logger := s.logger.With(
		zap.String("conn_id", conn.ID()),
		zap.String("principal_id", conn.PrincipalID()),
	)
	ws.SetReadLimit(s.cfg.WebSocket.MaxMessageBytes)

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	if err := s.manager.Connect(ctx, conn); err != nil {
		logger.Error("registering connection", zap.Error(err))
		_ = conn.Close(protocol.CloseForced, "registration failed")
		return
	}
	logger.Info("client connected", zap.String("remote_addr", remoteAddr))

	g := new(errgroup.Group)
	g.Go(func() error { return s.writePump(conn, tr, logger) })

	conn.Send(protocol.MustNew(protocol.Connected, protocol.ConnectedPayload{
		ConnectionID:        conn.ID(),
		PrincipalID:         conn.PrincipalID(),
		InstanceID:          s.manager.InstanceID(),
		HeartbeatIntervalMs: s.cfg.Heartbeat.Interval.Milliseconds(),
	}))
	s.resume(ctx, conn, logger)

	hb := session.NewHeartbeat(conn, s.cfg.Heartbeat, s.clock, logger, s.metrics, func(c *session.Connection) {
		tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer tcancel()
		s.manager.Disconnect(tctx, c.ID())
	})
	g.Go(func() error {
		hb.Run(ctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			_ = conn.Close(protocol.CloseForced, protocol.ReasonShutdown)
		case <-conn.Done():
		}
		return nil
	})
	g.Go(func() error {
		s.readLoop(ctx, conn, ws, logger)
		return nil
	})
	_ = g.Wait()

	tctx, tcancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer tcancel()
	s.manager.Disconnect(tctx, conn.ID())

	code, reason := conn.CloseStatus()
	logger.Info("client disconnected",
		zap.Int("close_code", int(code)),
		zap.String("reason", reason),
		zap.Duration("duration", s.clock.Since(start)),
	)
}

// resume restores the principal's previous subscriptions, if any, and tells
// the client which channels need a STATE_SYNC_REQUEST.
func (s *Server) resume(ctx context.Context, conn *session.Connection, logger *zap.Logger) {
	resumed, err := s.manager.Resume(ctx, conn, s.versions)
	if err != nil {
		logger.Warn("resuming previous session", zap.Error(err))
		return
	}
	if resumed == nil {
		return
	}
	stale := resumed.Stale
	if stale == nil {
		stale = []string{}
	}
	conn.Send(protocol.MustNew(protocol.ReconnectState, protocol.ReconnectStatePayload{
		Channels:       resumed.Channels,
		Stale:          stale,
		DisconnectedAt: resumed.DisconnectedAt.UnixMilli(),
	}))
}

// readLoop dispatches inbound frames until the socket fails or closes.
// Closing the connection ends the loop because the transport arms a read
// deadline.
func (s *Server) readLoop(ctx context.Context, conn *session.Connection, ws *websocket.Conn, logger *zap.Logger) {
	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				_ = conn.Close(protocol.CloseNormal, protocol.ReasonClientClosed)
			case conn.State() == session.StateConnected:
				logger.Debug("read failed", zap.Error(err))
				_ = conn.Close(protocol.CloseForced, "read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			conn.Send(protocol.ErrorReply(protocol.Envelope{TraceID: protocol.NewTraceID()},
				protocol.Errorf(protocol.CodeMalformedEnvelope, "only text frames are accepted")))
			continue
		}
		s.router.Dispatch(ctx, conn, raw)
	}
}

// writePump drains the outbound queue to the socket. A write failure closes
// the connection so later sends fail fast.
func (s *Server) writePump(conn *session.Connection, tr *wsTransport, logger *zap.Logger) error {
	for raw := range conn.Outbound() {
		if err := tr.write(raw); err != nil {
			logger.Debug("write failed", zap.Error(err))
			_ = conn.Close(protocol.CloseForced, "write failed")
			for range conn.Outbound() {
			}
			return nil
		}
	}
	return nil
}

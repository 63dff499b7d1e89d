// Package status exposes instance health over the standard gRPC health
// protocol so orchestrators can route around instances that lost their
// broker registration.
package status

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "gamegate.Gateway"

// Check reports one dependency as healthy by returning nil.
type Check func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   Check
}

// Server serves grpc.health.v1 and re-evaluates its checks periodically.
// It reports NOT_SERVING until the first evaluation passes.
type Server struct {
	addr         string
	interval     time.Duration
	checkTimeout time.Duration
	clock        clock.Clock
	logger       *zap.Logger
	health       *health.Server
	grpc         *grpc.Server

	mu       sync.Mutex
	checks   []namedCheck
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Server listening on addr once started.
//
// Precondition: interval must be positive; clk and logger must be non-nil.
// Postcondition: Returns a Server reporting NOT_SERVING.
func New(addr string, interval time.Duration, clk clock.Clock, logger *zap.Logger) *Server {
	s := &Server{
		addr:         addr,
		interval:     interval,
		checkTimeout: interval,
		clock:        clk,
		logger:       logger,
		health:       health.NewServer(),
		grpc:         grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// AddCheck registers a named check.
//
// Precondition: Must be called before Start.
func (s *Server) AddCheck(name string, fn Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, namedCheck{name: name, fn: fn})
}

// Evaluate runs every check and publishes the aggregate status.
//
// Postcondition: Returns SERVING only if every check passed.
func (s *Server) Evaluate(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	checks := append([]namedCheck(nil), s.checks...)
	s.mu.Unlock()

	st := healthpb.HealthCheckResponse_SERVING
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		err := c.fn(cctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.setStatus(st)
	return st
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens, evaluates the checks every interval, and serves until Stop.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.listener = l
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Evaluate(ctx)
		ticker := s.clock.Ticker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evaluate(ctx)
			}
		}
	}()

	s.logger.Info("health service listening", zap.String("addr", l.Addr().String()))
	if err := s.grpc.Serve(l); err != nil {
		return fmt.Errorf("serving health: %w", err)
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

// Stop reports NOT_SERVING to watchers and stops the server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}

// Package main provides the session gateway binary: the WebSocket acceptor,
// the action processor and the instance health loops over a shared broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/action"
	"github.com/cory-johannsen/gamegate/internal/auth"
	"github.com/cory-johannsen/gamegate/internal/broker"
	"github.com/cory-johannsen/gamegate/internal/broker/memory"
	"github.com/cory-johannsen/gamegate/internal/broker/natsbroker"
	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/gateway"
	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/rules"
	"github.com/cory-johannsen/gamegate/internal/server"
	"github.com/cory-johannsen/gamegate/internal/session"
	"github.com/cory-johannsen/gamegate/internal/status"
	"github.com/cory-johannsen/gamegate/internal/storage/postgres"
	"github.com/cory-johannsen/gamegate/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	plog, err := observability.NewLogger(cfg.Logging, instanceID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	logger := plog.Logger
	defer func() { _ = logger.Sync() }()

	logger.Info("starting session gateway",
		zap.String("mode", cfg.Server.Mode),
		zap.String("version", version),
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.String("status_addr", cfg.Status.Addr()),
	)

	clk := clock.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	b, err := openBroker(cfg, instanceID, clk, logger)
	if err != nil {
		logger.Fatal("opening broker", zap.Error(err))
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("closing broker", zap.Error(err))
		}
	}()

	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening resource store", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
	}

	engine, err := rules.LoadFile(cfg.Store.RulesScript, rules.DefaultInstructionLimit, logger)
	if err != nil {
		logger.Fatal("loading rules", zap.String("script", cfg.Store.RulesScript), zap.Error(err))
	}

	manager := session.NewManager(instanceID, b, clk, logger, metrics)
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("starting session manager", zap.Error(err))
	}

	processor := action.NewProcessor(instanceID, b, store, engine, manager, clk, logger, metrics, action.Options{})

	srv := gateway.NewServer(gateway.Config{
		WebSocket:      cfg.WebSocket,
		Heartbeat:      cfg.Heartbeat,
		OutboundBuffer: cfg.Session.OutboundBuffer,
	}, auth.NewValidator(cfg.Auth.Secret, cfg.Auth.Issuer, nil), manager, processor, store, clk, logger, metrics)
	srv.Handle("/debug/loglevel", plog.Level)
	if cfg.Metrics.Enabled {
		srv.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	healthMgr := worker.NewHealthManager(worker.Config{
		InstanceID:        instanceID,
		Version:           version,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		CleanupInterval:   cfg.Worker.CleanupInterval,
	}, b, manager, clk, logger, metrics)
	healthMgr.OnDeadWorker(gateway.AnnounceDeadWorker(manager, logger))
	if err := healthMgr.Start(ctx); err != nil {
		logger.Fatal("registering instance", zap.Error(err))
	}

	interval := cfg.Status.CheckInterval
	if interval <= 0 {
		interval = cfg.Worker.HeartbeatInterval
	}
	statusSrv := status.New(cfg.Status.Addr(), interval, clk, logger)
	statusSrv.AddCheck("liveness", func(ctx context.Context) error {
		_, err := b.Get(ctx, broker.Liveness, broker.Token(instanceID))
		return err
	})
	if pool != nil {
		statusSrv.AddCheck("database", func(ctx context.Context) error {
			return pool.Health(ctx)
		})
	}

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lifecycle.Add("worker", &server.FuncService{StopFn: healthMgr.Stop})
	lifecycle.Add("session", &server.FuncService{StopFn: manager.Shutdown})
	lifecycle.Add("gateway", srv)
	lifecycle.Add("status", statusSrv)

	logger.Info("session gateway initialized",
		zap.String("instance_id", instanceID),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("gateway exited with errors", zap.Error(err))
	}
}

// openBroker connects the configured broker driver.
func openBroker(cfg config.Config, instanceID string, clk clock.Clock, logger *zap.Logger) (broker.Broker, error) {
	ttls := broker.TTLs{
		broker.Liveness:    cfg.Worker.LivenessTTL,
		broker.Reconnect:   cfg.Session.ReconnectTTL,
		broker.Idempotency: cfg.Session.IdempotencyTTL,
		broker.Claims:      cfg.Worker.ClaimTTL,
	}
	switch cfg.Broker.Driver {
	case "nats":
		nb, err := natsbroker.Connect(natsbroker.Options{
			URL:           cfg.Broker.URL,
			Name:          "gamegate-" + instanceID,
			BucketPrefix:  cfg.Broker.BucketPrefix,
			ConnectWait:   cfg.Broker.ConnectWait,
			MaxReconnects: cfg.Broker.MaxReconnects,
			TTLs:          ttls,
		}, logger)
		if err != nil {
			return nil, err
		}
		return nb, nil
	case "memory":
		logger.Warn("using in-process broker; state is not shared with other instances")
		return memory.New(clk, ttls), nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// openStore opens the configured resource store. pool is nil unless the
// postgres driver is selected.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (action.Store, *postgres.Pool, error) {
	var seeds []action.Resource
	if cfg.Store.SeedFile != "" {
		var err error
		if seeds, err = action.LoadSeeds(cfg.Store.SeedFile); err != nil {
			return nil, nil, err
		}
	}

	switch cfg.Store.Driver {
	case "postgres":
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewResourceRepository(pool.DB())
		n, err := repo.Seed(ctx, seeds)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("seeded", n),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return repo, pool, nil
	case "memory":
		logger.Info("using in-memory resource store", zap.Int("seeded", len(seeds)))
		return action.NewMemoryStore(seeds...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

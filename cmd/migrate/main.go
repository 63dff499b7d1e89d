// Package main applies or rolls back the resource schema migrations.
package main

import (
	"errors"
	"flag"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/config"
	"github.com/cory-johannsen/gamegate/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "migrations", "directory holding the migration files")
	direction := flag.String("direction", "up", "migration direction: up, down or version")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	force := flag.Int("force", -1, "force the recorded version without running migrations, clearing the dirty flag")
	flag.Parse()

	// Not validated: the gateway's auth secret is not required to migrate.
	v, err := config.Read(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Fatalf("parsing config: %v", err)
	}
	dbCfg := cfg.Database
	plog, err := observability.NewLogger(cfg.Logging, "")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	logger := plog.Logger.With(zap.String("database", dbCfg.Name), zap.String("host", dbCfg.Host))
	defer func() { _ = logger.Sync() }()

	m, err := migrate.New("file://"+*dir, dbCfg.DSN())
	if err != nil {
		logger.Fatal("creating migrator", zap.Error(err))
	}
	defer func() { _, _ = m.Close() }()

	switch {
	case *force >= 0:
		err = m.Force(*force)
	case *direction == "up" && *steps > 0:
		err = m.Steps(*steps)
	case *direction == "up":
		err = m.Up()
	case *direction == "down" && *steps > 0:
		err = m.Steps(-*steps)
	case *direction == "down":
		err = m.Down()
	case *direction == "version":
	default:
		logger.Fatal("invalid direction", zap.String("direction", *direction))
	}
	noChange := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !noChange {
		logger.Fatal("migration failed", zap.String("direction", *direction), zap.Error(err))
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		logger.Fatal("reading schema version", zap.Error(verr))
	}
	logger.Info("schema migrations done",
		zap.String("direction", *direction),
		zap.Bool("changed", !noChange && *direction != "version"),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Package config provides Viper-based configuration loading for the session gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level instance settings.
type ServerConfig struct {
	// Mode is "standalone" (single node, in-memory broker allowed) or "cluster".
	Mode string `mapstructure:"mode"`
	// InstanceID overrides the generated instance identity. Empty generates one.
	InstanceID string `mapstructure:"instance_id"`
	// ShutdownTimeout bounds graceful shutdown of all services.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WebSocketConfig holds client-facing acceptor settings.
type WebSocketConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP route upgraded to WebSocket.
	Path string `mapstructure:"path"`
	// WriteTimeout bounds every frame write to a client.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageBytes is the inbound frame size limit.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// AllowedOrigins restricts browser origins; empty or "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HeartbeatConfig holds per-connection liveness probing settings.
type HeartbeatConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxMissedPongs int           `mapstructure:"max_missed_pongs"`
}

// WorkerConfig holds instance liveness advertisement settings.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessTTL       time.Duration `mapstructure:"liveness_ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	// ClaimTTL bounds how long one peer holds the right to reclaim a dead instance.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// SessionConfig holds connection manager settings.
type SessionConfig struct {
	ReconnectTTL   time.Duration `mapstructure:"reconnect_ttl"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// OutboundBuffer is the per-connection queue depth before Send reports failure.
	OutboundBuffer int `mapstructure:"outbound_buffer"`
}

// BrokerConfig holds shared broker settings.
type BrokerConfig struct {
	// Driver is "nats" or "memory".
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	// BucketPrefix namespaces the key-value buckets of one deployment.
	BucketPrefix  string        `mapstructure:"bucket_prefix"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// StoreConfig selects where resource state lives.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver"`
	// SeedFile is an optional YAML file of resources loaded into the memory store.
	SeedFile string `mapstructure:"seed_file"`
	// RulesScript is the Lua rule script used to validate and apply actions.
	RulesScript string `mapstructure:"rules_script"`
}

// AuthConfig holds credential validation settings.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StatusConfig holds the gRPC health service settings.
type StatusConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// CheckInterval is how often dependency checks are re-evaluated.
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// Addr returns the "host:port" gRPC address.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.GRPCHost, s.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Session   SessionConfig   `mapstructure:"session"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Status    StatusConfig    `mapstructure:"status"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateServer(c.Server, c.Broker),
		validateWebSocket(c.WebSocket),
		validateHeartbeat(c.Heartbeat),
		validateWorker(c.Worker),
		validateSession(c.Session),
		validateBroker(c.Broker),
		validateStore(c.Store, c.Database),
		validateAuth(c.Auth),
		validateLogging(c.Logging),
		validateStatus(c.Status),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig, b BrokerConfig) error {
	validModes := map[string]bool{"standalone": true, "cluster": true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [standalone, cluster], got %q", s.Mode)
	}
	if s.Mode == "cluster" && b.Driver == "memory" {
		return errors.New("server.mode cluster requires a shared broker, got broker.driver memory")
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 1 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 1-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.MaxMessageBytes <= 0 {
		errs = append(errs, "websocket.max_message_bytes must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHeartbeat(h HeartbeatConfig) error {
	var errs []string
	if h.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if h.Timeout <= 0 {
		errs = append(errs, "heartbeat.timeout must be positive")
	}
	if h.MaxMissedPongs < 1 {
		errs = append(errs, fmt.Sprintf("heartbeat.max_missed_pongs must be >= 1, got %d", h.MaxMissedPongs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWorker(w WorkerConfig) error {
	var errs []string
	if w.HeartbeatInterval <= 0 {
		errs = append(errs, "worker.heartbeat_interval must be positive")
	}
	if w.CleanupInterval <= 0 {
		errs = append(errs, "worker.cleanup_interval must be positive")
	}
	if w.LivenessTTL <= w.HeartbeatInterval {
		errs = append(errs, "worker.liveness_ttl must exceed worker.heartbeat_interval")
	}
	if w.ClaimTTL <= 0 {
		errs = append(errs, "worker.claim_ttl must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.ReconnectTTL <= 0 {
		errs = append(errs, "session.reconnect_ttl must be positive")
	}
	if s.IdempotencyTTL <= 0 {
		errs = append(errs, "session.idempotency_ttl must be positive")
	}
	if s.OutboundBuffer < 1 {
		errs = append(errs, fmt.Sprintf("session.outbound_buffer must be >= 1, got %d", s.OutboundBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBroker(b BrokerConfig) error {
	switch b.Driver {
	case "memory":
		return nil
	case "nats":
		if b.URL == "" {
			return errors.New("broker.url must not be empty for the nats driver")
		}
		if b.BucketPrefix == "" {
			return errors.New("broker.bucket_prefix must not be empty")
		}
		return nil
	default:
		return fmt.Errorf("broker.driver must be one of [nats, memory], got %q", b.Driver)
	}
}

func validateStore(s StoreConfig, d DatabaseConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "postgres":
		return validateDatabase(d)
	default:
		return fmt.Errorf("store.driver must be one of [postgres, memory], got %q", s.Driver)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	if len(a.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 bytes, got %d", len(a.Secret))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateStatus(s StatusConfig) error {
	if s.GRPCPort < 1 || s.GRPCPort > 65535 {
		return fmt.Errorf("status.grpc_port must be 1-65535, got %d", s.GRPCPort)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	return LoadFromViper(v)
}

// Read returns a Viper holding the file at path layered over the defaults,
// with GAMEGATE_ environment overrides (GAMEGATE_DATABASE_PASSWORD sets
// database.password). Nothing is validated, so tools that need one section
// can unmarshal just that key.
func Read(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GAMEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return v, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "standalone")
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_message_bytes", 64*1024)

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.timeout", "60s")
	v.SetDefault("heartbeat.max_missed_pongs", 2)

	v.SetDefault("worker.heartbeat_interval", "5s")
	v.SetDefault("worker.liveness_ttl", "30s")
	v.SetDefault("worker.cleanup_interval", "10s")
	v.SetDefault("worker.claim_ttl", "2m")

	v.SetDefault("session.reconnect_ttl", "5m")
	v.SetDefault("session.idempotency_ttl", "10m")
	v.SetDefault("session.outbound_buffer", 256)

	v.SetDefault("broker.driver", "memory")
	v.SetDefault("broker.url", "nats://127.0.0.1:4222")
	v.SetDefault("broker.bucket_prefix", "gamegate")
	v.SetDefault("broker.connect_wait", "2s")
	v.SetDefault("broker.max_reconnects", -1)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gamegate")
	v.SetDefault("database.password", "gamegate")
	v.SetDefault("database.name", "gamegate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.seed_file", "")
	v.SetDefault("store.rules_script", "content/rules/betting.lua")

	// Registered so GAMEGATE_AUTH_SECRET reaches Unmarshal.
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "gamegate")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("status.grpc_host", "0.0.0.0")
	v.SetDefault("status.grpc_port", 50061)
	v.SetDefault("status.check_interval", "5s")
}

// Package worker advertises instance liveness through TTL-bound keys in the
// shared store and reclaims the registry entries of peers whose liveness key
// has expired.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/gamegate/internal/broker"
	"github.com/cory-johannsen/gamegate/internal/observability"
)

// Descriptor is the Instances bucket value of one instance.
type Descriptor struct {
	InstanceID      string    `json:"instanceId"`
	StartedAt       time.Time `json:"startedAt"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	ConnectionCount int       `json:"connectionCount"`
	Version         string    `json:"version"`
}

// Worker is a descriptor together with its liveness.
type Worker struct {
	Descriptor
	Alive bool
}

// DeadWorker describes a reclaimed peer and the registry entries removed with it.
type DeadWorker struct {
	InstanceID string
	// Connections are the Connections bucket entries; Owner is the principal.
	Connections []broker.RegistryEntry
	// Memberships are the Channels bucket entries; Owner is the channel.
	Memberships []broker.RegistryEntry
}

// LocalRegistry is this instance's view of its own connections.
type LocalRegistry interface {
	// LocalConnectionCount reports the number of connections owned here.
	LocalConnectionCount() int
	// Remirror rewrites the shared registry entries of every local
	// connection and membership.
	Remirror(ctx context.Context) error
}

// Config holds the timing of one HealthManager.
type Config struct {
	InstanceID        string
	Version           string
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
}

// HealthManager registers this instance, keeps its liveness key armed, and
// sweeps dead peers. All methods are safe for concurrent use.
type HealthManager struct {
	cfg     Config
	store   broker.Store
	local   LocalRegistry
	clock   clock.Clock
	logger  *zap.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	startedAt time.Time
	callbacks []func(context.Context, DeadWorker)
	registered bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// NewHealthManager creates a HealthManager.
//
// Precondition: cfg.InstanceID must be non-empty and both intervals positive;
// store, local, clk and logger must be non-nil.
// Postcondition: Returns a stopped HealthManager.
func NewHealthManager(cfg Config, store broker.Store, local LocalRegistry, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics) *HealthManager {
	return &HealthManager{
		cfg:       cfg,
		store:     store,
		local:     local,
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
	}
}

// OnDeadWorker registers fn to run once for every reclaimed peer.
func (h *HealthManager) OnDeadWorker(fn func(context.Context, DeadWorker)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

// Start registers the instance and launches the heartbeat and cleanup loops.
//
// Postcondition: The descriptor and liveness key are written and both loops
// run until Stop, or an error is returned and nothing is running.
func (h *HealthManager) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.group != nil {
		h.mu.Unlock()
		return errors.New("health manager already started")
	}
	h.startedAt = h.clock.Now().UTC()
	h.mu.Unlock()

	if err := h.Beat(ctx); err != nil {
		return fmt.Errorf("registering instance %s: %w", h.cfg.InstanceID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return h.loop(gctx, "heartbeat", h.cfg.HeartbeatInterval, h.Beat) })
	g.Go(func() error { return h.loop(gctx, "cleanup", h.cfg.CleanupInterval, h.Sweep) })

	h.mu.Lock()
	h.cancel = cancel
	h.group = g
	h.mu.Unlock()

	h.logger.Info("worker registered",
		zap.Duration("heartbeat_interval", h.cfg.HeartbeatInterval),
		zap.Duration("cleanup_interval", h.cfg.CleanupInterval),
	)
	return nil
}

// loop runs fn every interval. Failures are logged and the loop continues.
func (h *HealthManager) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("worker "+name+" iteration failed", zap.Error(err))
			}
		}
	}
}

// Beat re-arms the liveness key and refreshes the descriptor. The liveness
// key is written first so the descriptor is never visible without it.
//
// If either key had vanished since the previous Beat, this instance stalled
// past its TTL and a peer may have reclaimed it. Its claim is released and
// the local connections and memberships are written back to the registry.
func (h *HealthManager) Beat(ctx context.Context) error {
	now := h.clock.Now().UTC()
	h.mu.Lock()
	startedAt, registered := h.startedAt, h.registered
	h.mu.Unlock()

	key := broker.Token(h.cfg.InstanceID)
	lapsed := false
	if registered {
		for _, bucket := range []broker.Bucket{broker.Liveness, broker.Instances} {
			_, err := h.store.Get(ctx, bucket, key)
			if errors.Is(err, broker.ErrNotFound) {
				lapsed = true
				continue
			}
			if err != nil {
				return fmt.Errorf("checking %s registration: %w", bucket, err)
			}
		}
	}

	desc, err := json.Marshal(Descriptor{
		InstanceID:      h.cfg.InstanceID,
		StartedAt:       startedAt,
		LastHeartbeat:   now,
		ConnectionCount: h.local.LocalConnectionCount(),
		Version:         h.cfg.Version,
	})
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	if err := h.store.Put(ctx, broker.Liveness, key, []byte(now.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("arming liveness key: %w", err)
	}
	if err := h.store.Put(ctx, broker.Instances, key, desc); err != nil {
		return fmt.Errorf("writing descriptor: %w", err)
	}
	h.mu.Lock()
	h.registered = true
	h.mu.Unlock()

	if !lapsed {
		return nil
	}
	h.logger.Warn("registration lapsed; restoring shared registry entries")
	if err := h.store.Delete(ctx, broker.Claims, key); err != nil {
		h.logger.Warn("releasing stale reclaim claim", zap.Error(err))
	}
	if err := h.local.Remirror(ctx); err != nil {
		return fmt.Errorf("restoring registry entries: %w", err)
	}
	return nil
}

// Sweep reclaims every peer whose liveness key is absent. One peer's failure
// does not stop the sweep of the others.
//
// Postcondition: Returns the combined errors of this pass, or nil.
func (h *HealthManager) Sweep(ctx context.Context) error {
	keys, err := h.store.Keys(ctx, broker.Instances, "")
	if err != nil {
		return fmt.Errorf("listing instances: %w", err)
	}
	self := broker.Token(h.cfg.InstanceID)

	var errs error
	for _, key := range keys {
		if key == self {
			continue
		}
		_, err := h.store.Get(ctx, broker.Liveness, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, broker.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("checking liveness of %s: %w", key, err))
			continue
		}
		id, err := broker.ParseToken(key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("decoding instance key %q: %w", key, err))
			continue
		}
		errs = multierr.Append(errs, h.reclaim(ctx, id))
	}
	return errs
}

// reclaim removes the registry entries of a dead instance and runs the
// callbacks once. A fleet-wide claim keeps concurrent sweepers from
// reclaiming the same instance twice.
func (h *HealthManager) reclaim(ctx context.Context, id string) error {
	claimKey := broker.Token(id)
	err := h.store.Create(ctx, broker.Claims, claimKey, []byte(h.cfg.InstanceID))
	if errors.Is(err, broker.ErrKeyExists) {
		h.logger.Debug("dead worker claimed by a peer", zap.String("dead_instance", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming %s: %w", id, err)
	}

	dead := DeadWorker{InstanceID: id}
	var errs error
	dead.Connections, err = h.purge(ctx, broker.Connections, id)
	errs = multierr.Append(errs, err)
	dead.Memberships, err = h.purge(ctx, broker.Channels, id)
	errs = multierr.Append(errs, err)
	if errs == nil {
		errs = h.store.Delete(ctx, broker.Instances, broker.Token(id))
	}
	if errs != nil {
		// Release the claim so the next pass, here or on a peer, retries.
		if err := h.store.Delete(ctx, broker.Claims, claimKey); err != nil {
			h.logger.Warn("releasing reclaim claim", zap.String("dead_instance", id), zap.Error(err))
		}
		return fmt.Errorf("reclaiming %s: %w", id, errs)
	}

	h.mu.Lock()
	callbacks := append([]func(context.Context, DeadWorker){}, h.callbacks...)
	h.mu.Unlock()

	h.metrics.WorkerReclaimed()
	h.logger.Info("reclaimed dead worker",
		zap.String("dead_instance", id),
		zap.Int("connections", len(dead.Connections)),
		zap.Int("memberships", len(dead.Memberships)),
	)
	for _, fn := range callbacks {
		fn(ctx, dead)
	}
	return nil
}

// purge deletes every entry of bucket owned by instance id.
func (h *HealthManager) purge(ctx context.Context, bucket broker.Bucket, id string) ([]broker.RegistryEntry, error) {
	keys, err := h.store.Keys(ctx, bucket, "")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", bucket, err)
	}
	var (
		entries []broker.RegistryEntry
		errs    error
	)
	for _, key := range keys {
		if !broker.OwnedBy(key, id) {
			continue
		}
		if err := h.store.Delete(ctx, bucket, key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting %s/%s: %w", bucket, key, err))
			continue
		}
		entry, err := broker.ParseRegistryKey(key)
		if err != nil {
			h.logger.Warn("purged malformed registry key", zap.String("key", key), zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, errs
}

// Stop cancels both loops, waits for them, and deregisters the instance.
// Stopping a manager that was never started only deregisters.
func (h *HealthManager) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, g := h.cancel, h.group
	h.cancel, h.group = nil, nil
	h.registered = false
	h.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		err = multierr.Append(err, g.Wait())
	}
	key := broker.Token(h.cfg.InstanceID)
	err = multierr.Append(err, h.store.Delete(ctx, broker.Liveness, key))
	err = multierr.Append(err, h.store.Delete(ctx, broker.Instances, key))
	h.logger.Info("worker deregistered")
	return err
}

// Workers lists every registered instance with its liveness.
func (h *HealthManager) Workers(ctx context.Context) ([]Worker, error) {
	keys, err := h.store.Keys(ctx, broker.Instances, "")
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	out := make([]Worker, 0, len(keys))
	for _, key := range keys {
		raw, err := h.store.Get(ctx, broker.Instances, key)
		if errors.Is(err, broker.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading instance %s: %w", key, err)
		}
		var w Worker
		if err := json.Unmarshal(raw, &w.Descriptor); err != nil {
			h.logger.Warn("skipping malformed descriptor", zap.String("key", key), zap.Error(err))
			continue
		}
		_, err = h.store.Get(ctx, broker.Liveness, key)
		switch {
		case err == nil:
			w.Alive = true
		case !errors.Is(err, broker.ErrNotFound):
			return nil, fmt.Errorf("checking liveness of %s: %w", key, err)
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// TotalConnectionCount sums the connection counts of live instances as of
// their last heartbeat.
func (h *HealthManager) TotalConnectionCount(ctx context.Context) (int, error) {
	workers, err := h.Workers(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, w := range workers {
		if w.Alive {
			total += w.ConnectionCount
		}
	}
	return total, nil
}

package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/broker"
	"github.com/cory-johannsen/gamegate/internal/observability"
	"github.com/cory-johannsen/gamegate/internal/protocol"
	"github.com/cory-johannsen/gamegate/internal/session"
)

const (
	recordPending = "pending"
	recordDone    = "done"
)

// record is the Idempotency bucket value.
type record struct {
	Status string  `json:"status"`
	Owner  string  `json:"owner"`
	Result *Result `json:"result,omitempty"`
}

// Broadcaster fans resource updates out to a channel.
type Broadcaster interface {
	BroadcastToChannel(ctx context.Context, channel string, env protocol.Envelope, opts ...session.BroadcastOption) int
}

// Options tunes a Processor. Zero values select the defaults.
type Options struct {
	// MaxConflictRetries bounds reload-and-retry on ErrVersionConflict.
	MaxConflictRetries int
	// PollInterval is the wait between checks of an in-flight duplicate.
	PollInterval time.Duration
	// WaitTimeout bounds how long a duplicate waits for the original to finish.
	WaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConflictRetries <= 0 {
		o.MaxConflictRetries = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	return o
}

// Processor runs commands through claim, validate, apply, save, cache and
// broadcast. Concurrent identical commands execute once fleet-wide because
// the claim is an atomic create in the shared store.
type Processor struct {
	instanceID  string
	idempotency broker.Store
	store       Store
	engine      Engine
	broadcaster Broadcaster
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	opts        Options
}

// NewProcessor creates a Processor.
//
// Precondition: every collaborator except metrics must be non-nil.
// Postcondition: Returns a Processor ready for concurrent use.
func NewProcessor(instanceID string, idempotency broker.Store, store Store, engine Engine, broadcaster Broadcaster, clk clock.Clock, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Processor {
	return &Processor{
		instanceID:  instanceID,
		idempotency: idempotency,
		store:       store,
		engine:      engine,
		broadcaster: broadcaster,
		clock:       clk,
		logger:      logger,
		metrics:     metrics,
		opts:        opts.withDefaults(),
	}
}

// IdempotencyKey returns the Idempotency bucket key of cmd.
func IdempotencyKey(cmd Command) string {
	return broker.Key(broker.Token(cmd.ResourceID), broker.Token(cmd.PrincipalID), broker.Token(cmd.RequestID))
}

// Process executes cmd at most once per (resource, principal, request id).
// A repeated command returns the first Result unchanged without executing.
// Precondition failures are returned as a Result with Rejected set and are
// cached like successes.
//
// Precondition: cmd.ResourceID, cmd.PrincipalID and cmd.RequestID must be non-empty.
// Postcondition: Returns the Result, ErrRequestInFlight, or an
// infrastructure error after which nothing was cached or broadcast.
func (p *Processor) Process(ctx context.Context, cmd Command) (Result, error) {
	key := IdempotencyKey(cmd)
	logger := p.logger.With(
		zap.String("resource_id", cmd.ResourceID),
		zap.String("principal_id", cmd.PrincipalID),
		zap.String("request_id", cmd.RequestID),
	)

	pending, err := json.Marshal(record{Status: recordPending, Owner: p.instanceID})
	if err != nil {
		return Result{}, err
	}
	for {
		err := p.idempotency.Create(ctx, broker.Idempotency, key, pending)
		if err == nil {
			break
		}
		if !errors.Is(err, broker.ErrKeyExists) {
			p.metrics.ActionProcessed("failed")
			return Result{}, fmt.Errorf("claiming idempotency key: %w", err)
		}
		res, found, err := p.await(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if found {
			p.metrics.IdempotentReplay()
			logger.Debug("replaying cached result", zap.Int64("version", res.Version))
			return res, nil
		}
		// The original attempt released its marker; claim again.
	}

	res, err := p.execute(ctx, cmd)
	if err != nil {
		if derr := p.idempotency.Delete(ctx, broker.Idempotency, key); derr != nil {
			logger.Error("releasing idempotency marker", zap.Error(derr))
		}
		p.metrics.ActionProcessed("failed")
		return Result{}, err
	}

	if err := p.complete(ctx, key, res); err != nil {
		// The mutation is saved. The marker stays pending so a retry can
		// never apply it twice; it expires with the bucket TTL.
		logger.Error("caching action result", zap.Error(err))
	}

	if res.Rejected != nil {
		p.metrics.ActionProcessed("rejected")
		logger.Debug("action rejected", zap.String("code", res.Rejected.Code))
		return res, nil
	}
	p.metrics.ActionProcessed("applied")

	env, err := protocol.New(protocol.TableStateUpdate, protocol.StatePayload{
		ResourceID: res.ResourceID,
		Channel:    ChannelFor(res.ResourceID),
		Version:    res.Version,
		State:      res.State,
	})
	if err != nil {
		logger.Error("encoding state update", zap.Error(err))
		return res, nil
	}
	n := p.broadcaster.BroadcastToChannel(ctx, ChannelFor(res.ResourceID), env, session.WithStateVersion(res.Version))
	logger.Debug("action applied", zap.Int64("version", res.Version), zap.Int("delivered", n))
	return res, nil
}

// execute loads, validates, applies and saves, retrying on version conflicts.
// Precondition failures become a rejected Result; everything else is an error.
func (p *Processor) execute(ctx context.Context, cmd Command) (Result, error) {
	for attempt := 0; attempt < p.opts.MaxConflictRetries; attempt++ {
		res, err := p.store.Load(ctx, cmd.ResourceID)
		if errors.Is(err, ErrResourceNotFound) {
			return rejected(cmd, 0, Reject(CodeResourceNotFound, "resource %s does not exist", cmd.ResourceID)), nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("loading resource %s: %w", cmd.ResourceID, err)
		}

		if err := p.engine.Validate(ctx, res, cmd); err != nil {
			return p.rejectOrFail(cmd, res, err)
		}
		next, err := p.engine.Apply(ctx, res, cmd)
		if err != nil {
			return p.rejectOrFail(cmd, res, err)
		}

		updated := Resource{
			ID:        res.ID,
			Kind:      res.Kind,
			Version:   res.Version + 1,
			State:     next,
			UpdatedAt: p.clock.Now().UTC(),
		}
		err = p.store.Save(ctx, updated, res.Version)
		if errors.Is(err, ErrVersionConflict) {
			p.logger.Debug("version conflict, retrying",
				zap.String("resource_id", cmd.ResourceID),
				zap.Int64("expected", res.Version),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("saving resource %s: %w", cmd.ResourceID, err)
		}
		return Result{
			ResourceID: cmd.ResourceID,
			RequestID:  cmd.RequestID,
			Version:    updated.Version,
			State:      updated.State,
		}, nil
	}
	return Result{}, fmt.Errorf("saving resource %s after %d attempts: %w", cmd.ResourceID, p.opts.MaxConflictRetries, ErrVersionConflict)
}

func (p *Processor) rejectOrFail(cmd Command, res Resource, err error) (Result, error) {
	var perr *PreconditionError
	if errors.As(err, &perr) {
		return rejected(cmd, res.Version, perr), nil
	}
	return Result{}, fmt.Errorf("evaluating %s on %s: %w", cmd.Kind, cmd.ResourceID, err)
}

func rejected(cmd Command, version int64, perr *PreconditionError) Result {
	return Result{
		ResourceID: cmd.ResourceID,
		RequestID:  cmd.RequestID,
		Version:    version,
		Rejected:   &Rejection{Code: perr.Code, Message: perr.Message},
	}
}

// complete replaces the pending marker with the finished record, retrying once.
func (p *Processor) complete(ctx context.Context, key string, res Result) error {
	raw, err := json.Marshal(record{Status: recordDone, Owner: p.instanceID, Result: &res})
	if err != nil {
		return err
	}
	if err = p.idempotency.Put(ctx, broker.Idempotency, key, raw); err == nil {
		return nil
	}
	return p.idempotency.Put(ctx, broker.Idempotency, key, raw)
}

// await polls key until the record completes. found is false when the
// marker disappeared, meaning the original attempt failed and released it.
func (p *Processor) await(ctx context.Context, key string) (res Result, found bool, err error) {
	deadline := p.clock.Now().Add(p.opts.WaitTimeout)
	for {
		raw, err := p.idempotency.Get(ctx, broker.Idempotency, key)
		if errors.Is(err, broker.ErrNotFound) {
			return Result{}, false, nil
		}
		if err != nil {
			return Result{}, false, fmt.Errorf("reading idempotency record: %w", err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Result{}, false, fmt.Errorf("decoding idempotency record: %w", err)
		}
		if rec.Status == recordDone && rec.Result != nil {
			return *rec.Result, true, nil
		}
		if !p.clock.Now().Before(deadline) {
			return Result{}, false, ErrRequestInFlight
		}
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		case <-p.clock.After(p.opts.PollInterval):
		}
	}
}

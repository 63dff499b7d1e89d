// Package natsbroker implements broker.Broker on NATS core pub/sub and
// JetStream key-value buckets.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gamegate/internal/broker"
)

// Options configures a NATS broker connection.
type Options struct {
	URL string
	// Name identifies this client in NATS monitoring.
	Name string
	// BucketPrefix namespaces the key-value buckets, e.g. "gamegate".
	BucketPrefix string
	// ConnectWait bounds the initial connection attempt.
	ConnectWait time.Duration
	// MaxReconnects is passed to nats.MaxReconnects; -1 retries forever.
	MaxReconnects int
	// TTLs sets the max age of each bucket. Applied only when a bucket is created.
	TTLs broker.TTLs
	// Storage selects JetStream storage for created buckets.
	Storage nats.StorageType
}

// Broker is a broker.Broker backed by a NATS connection.
type Broker struct {
	nc      *nats.Conn
	buckets map[broker.Bucket]nats.KeyValue
	logger  *zap.Logger
}

var _ broker.Broker = (*Broker)(nil)

// Connect dials NATS and binds every gateway bucket, creating missing ones.
//
// Precondition: opts.URL must be non-empty; logger must be non-nil.
// Postcondition: Returns a ready Broker or a non-nil error; on error no
// connection is left open.
func Connect(opts Options, logger *zap.Logger) (*Broker, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", opts.URL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	b := &Broker{nc: nc, buckets: make(map[broker.Bucket]nats.KeyValue), logger: logger}
	for _, bucket := range broker.Buckets() {
		kv, err := bindBucket(js, bucketName(opts.BucketPrefix, bucket), opts.TTLs[bucket], opts.Storage)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("binding bucket %s: %w", bucket, err)
		}
		b.buckets[bucket] = kv
	}

	logger.Info("nats broker connected",
		zap.String("url", nc.ConnectedUrl()),
		zap.Int("buckets", len(b.buckets)),
	)
	return b, nil
}

func bucketName(prefix string, bucket broker.Bucket) string {
	if prefix == "" {
		return string(bucket)
	}
	return prefix + "_" + string(bucket)
}

func bindBucket(js nats.JetStreamContext, name string, ttl time.Duration, storage nats.StorageType) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  name,
		TTL:     ttl,
		History: 1,
		Storage: storage,
	})
}

func (b *Broker) kv(bucket broker.Bucket) (nats.KeyValue, error) {
	kv, ok := b.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q", bucket)
	}
	return kv, nil
}

// Put implements broker.Store.
func (b *Broker) Put(ctx context.Context, bucket broker.Bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv, err := b.kv(bucket)
	if err != nil {
		return err
	}
	_, err = kv.Put(key, value)
	return mapErr(err)
}

// Get implements broker.Store.
func (b *Broker) Get(ctx context.Context, bucket broker.Bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kv, err := b.kv(bucket)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(key)
	if err != nil {
		return nil, mapErr(err)
	}
	return entry.Value(), nil
}

// Create implements broker.Store.
func (b *Broker) Create(ctx context.Context, bucket broker.Bucket, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv, err := b.kv(bucket)
	if err != nil {
		return err
	}
	_, err = kv.Create(key, value)
	return mapErr(err)
}

// Delete implements broker.Store.
func (b *Broker) Delete(ctx context.Context, bucket broker.Bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv, err := b.kv(bucket)
	if err != nil {
		return err
	}
	if err := kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return mapErr(err)
	}
	return nil
}

// Keys implements broker.Store. Prefix filtering happens client-side.
func (b *Broker) Keys(ctx context.Context, bucket broker.Bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kv, err := b.kv(bucket)
	if err != nil {
		return nil, err
	}
	all, err := kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Publish implements broker.PubSub.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(b.nc.Publish(subject, data))
}

// Subscribe implements broker.PubSub. Handlers run on the NATS delivery goroutine.
func (b *Broker) Subscribe(pattern string, h broker.Handler) (broker.Subscription, error) {
	sub, err := b.nc.Subscribe(pattern, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return sub, nil
}

// Close drains subscriptions and closes the connection.
func (b *Broker) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrKeyNotFound):
		return broker.ErrNotFound
	case errors.Is(err, nats.ErrKeyExists):
		return broker.ErrKeyExists
	case errors.Is(err, nats.ErrConnectionClosed):
		return broker.ErrClosed
	default:
		return err
	}
}

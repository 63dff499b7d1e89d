// Package memory provides an in-process broker.Broker. Several gateway
// managers sharing one memory Broker behave like instances sharing a real
// broker, which makes it the fabric for tests and for single-node standalone
// deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cory-johannsen/gamegate/internal/broker"
)

// ErrUnavailable is returned by every operation while the broker is marked
// unavailable with SetUnavailable.
var ErrUnavailable = errors.New("memory broker: unavailable")

type entry struct {
	value   []byte
	expires time.Time // zero = never
}

type subscription struct {
	b       *Broker
	id      uint64
	pattern string
	handler broker.Handler
}

// Unsubscribe removes the subscription. It is idempotent.
func (s *subscription) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	return nil
}

// Broker is an in-memory broker.Broker whose key expiry follows the injected clock.
// All methods are safe for concurrent use.
type Broker struct {
	clock clock.Clock
	ttls  broker.TTLs

	mu          sync.Mutex
	buckets     map[broker.Bucket]map[string]entry
	subs        map[uint64]*subscription
	nextSub     uint64
	closed      bool
	unavailable bool
}

var _ broker.Broker = (*Broker)(nil)

// New creates an empty memory broker.
//
// Precondition: clk must be non-nil; ttls may be nil (no expiry).
// Postcondition: Returns a Broker ready for use.
func New(clk clock.Clock, ttls broker.TTLs) *Broker {
	return &Broker{
		clock:   clk,
		ttls:    ttls,
		buckets: make(map[broker.Bucket]map[string]entry),
		subs:    make(map[uint64]*subscription),
	}
}

// SetUnavailable simulates losing (true) or regaining (false) the broker.
func (b *Broker) SetUnavailable(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = down
}

func (b *Broker) check() error {
	if b.closed {
		return broker.ErrClosed
	}
	if b.unavailable {
		return ErrUnavailable
	}
	return nil
}

// live returns the unexpired entry under key; expired entries are dropped.
// Caller must hold b.mu.
func (b *Broker) live(bucket broker.Bucket, key string) (entry, bool) {
	m := b.buckets[bucket]
	e, ok := m[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !b.clock.Now().Before(e.expires) {
		delete(m, key)
		return entry{}, false
	}
	return e, true
}

// write stores value under key with the bucket TTL. Caller must hold b.mu.
func (b *Broker) write(bucket broker.Bucket, key string, value []byte) {
	m, ok := b.buckets[bucket]
	if !ok {
		m = make(map[string]entry)
		b.buckets[bucket] = m
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl := b.ttls[bucket]; ttl > 0 {
		e.expires = b.clock.Now().Add(ttl)
	}
	m[key] = e
}

// Put implements broker.Store.
func (b *Broker) Put(_ context.Context, bucket broker.Bucket, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.write(bucket, key, value)
	return nil
}

// Get implements broker.Store.
func (b *Broker) Get(_ context.Context, bucket broker.Bucket, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	e, ok := b.live(bucket, key)
	if !ok {
		return nil, broker.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Create implements broker.Store.
func (b *Broker) Create(_ context.Context, bucket broker.Bucket, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if _, ok := b.live(bucket, key); ok {
		return broker.ErrKeyExists
	}
	b.write(bucket, key, value)
	return nil
}

// Delete implements broker.Store.
func (b *Broker) Delete(_ context.Context, bucket broker.Bucket, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	delete(b.buckets[bucket], key)
	return nil
}

// Keys implements broker.Store. Keys are returned sorted.
func (b *Broker) Keys(_ context.Context, bucket broker.Bucket, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range b.buckets[bucket] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := b.live(bucket, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Publish implements broker.PubSub. Matching handlers run synchronously on
// the caller's goroutine, outside the broker lock.
func (b *Broker) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if err := b.check(); err != nil {
		b.mu.Unlock()
		return err
	}
	var targets []broker.Handler
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s := b.subs[id]
		if broker.MatchSubject(s.pattern, subject) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(subject, append([]byte(nil), data...))
	}
	return nil
}

// Subscribe implements broker.PubSub.
func (b *Broker) Subscribe(pattern string, h broker.Handler) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	b.nextSub++
	s := &subscription{b: b, id: b.nextSub, pattern: pattern, handler: h}
	b.subs[s.id] = s
	return s, nil
}

// Close implements broker.Broker. Subsequent operations return broker.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]*subscription)
	return nil
}

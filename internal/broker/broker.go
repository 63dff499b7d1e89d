// Package broker defines the shared key-value store and pub/sub fabric that
// gateway instances coordinate through. It is the only cross-instance mutable
// state: every write is a single atomic primitive or touches keys owned by the
// writing instance.
package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("broker: key not found")
	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("broker: key exists")
	// ErrClosed is returned after the broker has been closed.
	ErrClosed = errors.New("broker: closed")
)

// Bucket is a key namespace with its own expiry policy.
type Bucket string

// Buckets used by the gateway.
const (
	// Instances holds instance descriptors. No TTL; dead peers are reclaimed.
	Instances Bucket = "instances"
	// Liveness holds one TTL-bound key per live instance.
	Liveness Bucket = "liveness"
	// Connections is the shared connection registry keyed by principal.
	Connections Bucket = "connections"
	// Channels holds per-channel instance:connection membership markers.
	Channels Bucket = "channels"
	// Idempotency holds action markers and cached results.
	Idempotency Bucket = "idempotency"
	// Reconnect holds per-principal reconnection snapshots.
	Reconnect Bucket = "reconnect"
	// Claims holds fleet-wide reclamation claims for dead instances.
	Claims Bucket = "claims"
)

// Buckets returns every bucket the gateway uses.
func Buckets() []Bucket {
	return []Bucket{Instances, Liveness, Connections, Channels, Idempotency, Reconnect, Claims}
}

// TTLs maps buckets to their key expiry. Buckets without an entry never expire.
type TTLs map[Bucket]time.Duration

// Store is an atomic key-value store partitioned into buckets.
type Store interface {
	// Put writes value under key, re-arming the bucket TTL for that key.
	Put(ctx context.Context, bucket Bucket, key string, value []byte) error
	// Get returns the value under key, or ErrNotFound.
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)
	// Create writes value only if key is absent, atomically; otherwise ErrKeyExists.
	Create(ctx context.Context, bucket Bucket, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, bucket Bucket, key string) error
	// Keys lists the live keys of bucket starting with prefix.
	Keys(ctx context.Context, bucket Bucket, prefix string) ([]string, error)
}

// Handler receives one pub/sub message.
type Handler func(subject string, data []byte)

// Subscription is an active pub/sub registration.
type Subscription interface {
	Unsubscribe() error
}

// PubSub is a fire-and-forget publish/subscribe fabric. Delivery is
// at-most-once; there is no acknowledgement.
type PubSub interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers h for subjects matching pattern. Tokens are
	// '.'-separated; "*" matches one token and ">" matches the remainder.
	Subscribe(pattern string, h Handler) (Subscription, error)
}

// Broker combines the store and the pub/sub fabric.
type Broker interface {
	Store
	PubSub
	Close() error
}

// Token encodes an arbitrary string into a single key or subject token.
// Channel names such as "table:42" contain characters that are not legal in
// keys, and '.' would split the token.
func Token(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

// ParseToken reverses Token.
func ParseToken(tok string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Key joins already-encoded tokens into a key.
func Key(tokens ...string) string {
	return strings.Join(tokens, ".")
}

// SplitKey splits a key into its tokens.
func SplitKey(key string) []string {
	return strings.Split(key, ".")
}

// ChannelSubjectPrefix prefixes every channel fan-out subject.
const ChannelSubjectPrefix = "channel"

// ChannelSubject returns the pub/sub subject for a channel.
func ChannelSubject(channel string) string {
	return ChannelSubjectPrefix + "." + Token(channel)
}

// AllChannelsPattern matches every channel subject.
const AllChannelsPattern = ChannelSubjectPrefix + ".*"

// MatchSubject reports whether subject matches a NATS-style pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

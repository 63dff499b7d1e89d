// Package action processes state-changing commands exactly once per
// idempotency key and applies them with optimistic version checks.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrResourceNotFound is returned by Store.Load for unknown resources.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrVersionConflict is returned by Store.Save when the stored version
	// no longer matches the expected one.
	ErrVersionConflict = errors.New("resource version conflict")
	// ErrRequestInFlight is returned when an identical request is still being
	// processed and did not complete within the wait bound.
	ErrRequestInFlight = errors.New("request already in flight")
)

// Rejection codes produced by the processor itself.
const (
	CodeResourceNotFound = "RESOURCE_NOT_FOUND"
	CodeInvalidAction    = "INVALID_ACTION"
)

// PreconditionError is a domain rejection. It never changes resource state.
type PreconditionError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %s: %s", e.Code, e.Message)
}

// Reject builds a *PreconditionError.
func Reject(code, format string, args ...any) *PreconditionError {
	return &PreconditionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Command is one state-changing request.
type Command struct {
	ResourceID  string
	PrincipalID string
	RequestID   string
	Kind        string
	Payload     json.RawMessage
}

// Resource is a versioned unit of state.
type Resource struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Rejection is the cached form of a PreconditionError.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of one Command. Retries receive an identical Result.
type Result struct {
	ResourceID string          `json:"resourceId"`
	RequestID  string          `json:"requestId"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"state,omitempty"`
	Rejected   *Rejection      `json:"rejected,omitempty"`
}

// Engine holds the domain rules. Validate and Apply must not have side effects;
// Apply returns the next state and may still reject.
type Engine interface {
	Validate(ctx context.Context, res Resource, cmd Command) error
	Apply(ctx context.Context, res Resource, cmd Command) (json.RawMessage, error)
}

// Store persists resources.
type Store interface {
	// Load returns the resource or ErrResourceNotFound.
	Load(ctx context.Context, id string) (Resource, error)
	// Save writes res only if the stored version equals expected, otherwise
	// ErrVersionConflict. A failed Save leaves nothing behind.
	Save(ctx context.Context, res Resource, expected int64) error
}

// ChannelPrefix prefixes the channel of every resource.
const ChannelPrefix = "table:"

// ChannelFor returns the broadcast channel of a resource.
func ChannelFor(resourceID string) string {
	return ChannelPrefix + resourceID
}

// ResourceForChannel reverses ChannelFor.
func ResourceForChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	return id, ok && id != ""
}

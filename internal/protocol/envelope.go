package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only wire protocol version this gateway speaks.
const Version = "v1"

// Envelope is the typed wrapper of every message in either direction.
type Envelope struct {
	Type      EventType       `json:"type"`
	TS        int64           `json:"ts"`
	TraceID   string          `json:"traceId"`
	Payload   json.RawMessage `json:"payload"`
	Version   string          `json:"version"`
	RequestID string          `json:"requestId,omitempty"`
}

// emptyPayload is sent when no payload is supplied so the field stays an object.
var emptyPayload = json.RawMessage(`{}`)

// New builds a server envelope with a fresh trace id and the current timestamp.
// payload may be nil, a json.RawMessage, or any JSON-marshalable value.
//
// Postcondition: Returns an envelope with Version v1, or an error if payload
// cannot be encoded as a JSON object.
func New(t EventType, payload any) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Envelope{
		Type:    t,
		TS:      time.Now().UnixMilli(),
		TraceID: NewTraceID(),
		Payload: raw,
		Version: Version,
	}, nil
}

// MustNew is New for payloads known to encode, such as package-defined structs.
func MustNew(t EventType, payload any) Envelope {
	env, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Reply builds a response to req, carrying its trace id and request id so the
// client can correlate it.
func Reply(req Envelope, t EventType, payload any) (Envelope, error) {
	env, err := New(t, payload)
	if err != nil {
		return Envelope{}, err
	}
	env.TraceID = req.TraceID
	env.RequestID = req.RequestID
	return env, nil
}

// ErrorReply builds an ERROR envelope correlated with req.
func ErrorReply(req Envelope, perr *Error) Envelope {
	env := MustNew(ErrorEvent, ErrorPayload{Code: perr.Code, Message: perr.Message})
	env.TraceID = req.TraceID
	env.RequestID = req.RequestID
	return env
}

// NewTraceID returns a new random trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// Encode marshals env to its wire form.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = emptyPayload
	}
	if env.Version == "" {
		env.Version = Version
	}
	return json.Marshal(env)
}

// Decode parses raw as an envelope sent in direction from.
// A missing trace id is generated so the message stays traceable.
//
// Postcondition: Returns a validated envelope or a *Error naming the violation.
func Decode(raw []byte, from Direction) (Envelope, error) {
	var env Envelope
	// Unmarshal, unlike a streaming decoder, rejects bytes after the object.
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Errorf(CodeMalformedEnvelope, "envelope is not valid JSON: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, Errorf(CodeMalformedEnvelope, "envelope type is required")
	}
	if env.Version != Version {
		return env, Errorf(CodeUnsupportedVersion, "protocol version %q is not supported", env.Version)
	}
	if !Known(env.Type) {
		return env, Errorf(CodeUnknownEventType, "event type %q is not recognized", env.Type)
	}
	if !Allowed(env.Type, from) {
		return env, Errorf(CodeInvalidDirection, "event type %q may not be sent %s", env.Type, from)
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		env.Payload = emptyPayload
	} else if trimmed := bytes.TrimSpace(env.Payload); len(trimmed) == 0 || trimmed[0] != '{' {
		return env, Errorf(CodeMalformedEnvelope, "payload must be a JSON object")
	}
	if env.TraceID == "" {
		env.TraceID = NewTraceID()
	}
	if RequiresRequestID(env.Type) && env.RequestID == "" {
		return env, Errorf(CodeRequestIDRequired, "%s requires a requestId", env.Type)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
//
// Postcondition: Returns a *Error with CodeInvalidPayload on failure.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return Errorf(CodeInvalidPayload, "invalid %s payload: %v", e.Type, err)
	}
	return nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyPayload, nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

package protocol

import "encoding/json"

// ChannelPayload carries a channel name for SUBSCRIBE, UNSUBSCRIBE,
// SUBSCRIBED and UNSUBSCRIBED.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// ConnectedPayload greets a freshly accepted connection.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	PrincipalID  string `json:"principalId"`
	InstanceID   string `json:"instanceId"`
	// HeartbeatIntervalMs lets clients size their own liveness expectations.
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
}

// ActionRequestPayload is a state-changing command against one resource.
type ActionRequestPayload struct {
	ResourceID string          `json:"resourceId"`
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ActionResultPayload answers an applied ACTION_REQUEST. Retries of the same
// request receive an identical payload. Rejected requests get an ERROR instead.
type ActionResultPayload struct {
	ResourceID string          `json:"resourceId"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"state,omitempty"`
}

// StatePayload carries an authoritative resource state for TABLE_STATE_UPDATE
// and STATE_SYNC.
type StatePayload struct {
	ResourceID string          `json:"resourceId"`
	Channel    string          `json:"channel"`
	Version    int64           `json:"version"`
	State      json.RawMessage `json:"state"`
}

// StateSyncRequestPayload asks for a full snapshot of a resource.
type StateSyncRequestPayload struct {
	ResourceID string `json:"resourceId"`
}

// ReconnectStatePayload tells a resumed connection what was restored.
type ReconnectStatePayload struct {
	Channels []string `json:"channels"`
	// Stale lists channels whose last-seen version is behind the resource; the
	// client must send STATE_SYNC_REQUEST for each.
	Stale          []string `json:"stale"`
	DisconnectedAt int64    `json:"disconnectedAt"`
}

// ChatSendPayload is a chat line sent by a client.
type ChatSendPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// ChatMessagePayload is a chat line fanned out to a channel.
type ChatMessagePayload struct {
	Channel     string `json:"channel"`
	PrincipalID string `json:"principalId"`
	Text        string `json:"text"`
}

// PlayerDisconnectedPayload announces principals lost with a dead instance.
type PlayerDisconnectedPayload struct {
	PrincipalID string `json:"principalId"`
	Channel     string `json:"channel"`
}

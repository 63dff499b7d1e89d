// Package protocol defines the versioned JSON wire envelope exchanged with
// clients and the static direction classification of every event type.
package protocol

// EventType names one kind of message. The set is closed: anything not listed
// in directions is rejected on decode.
type EventType string

// Direction states who may originate an event type.
type Direction uint8

const (
	// ClientToServer events are commands sent by clients.
	ClientToServer Direction = 1 << iota
	// ServerToClient events are pushed by the gateway.
	ServerToClient
	// Both marks events either side may send.
	Both = ClientToServer | ServerToClient
)

// String returns a readable direction name.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	case Both:
		return "both"
	default:
		return "none"
	}
}

// Liveness.
const (
	Ping EventType = "PING"
	Pong EventType = "PONG"
)

// Client commands.
const (
	Subscribe        EventType = "SUBSCRIBE"
	Unsubscribe      EventType = "UNSUBSCRIBE"
	ActionRequest    EventType = "ACTION_REQUEST"
	StateSyncRequest EventType = "STATE_SYNC_REQUEST"
	ChatSend         EventType = "CHAT_SEND"
)

// Server pushes.
const (
	Connected          EventType = "CONNECTED"
	Subscribed         EventType = "SUBSCRIBED"
	Unsubscribed       EventType = "UNSUBSCRIBED"
	ActionResult       EventType = "ACTION_RESULT"
	TableStateUpdate   EventType = "TABLE_STATE_UPDATE"
	StateSync          EventType = "STATE_SYNC"
	ReconnectState     EventType = "RECONNECT_STATE"
	ChatMessage        EventType = "CHAT_MESSAGE"
	PlayerDisconnected EventType = "PLAYER_DISCONNECTED"
	ErrorEvent         EventType = "ERROR"
)

var directions = map[EventType]Direction{
	Ping: Both,
	Pong: Both,

	Subscribe:        ClientToServer,
	Unsubscribe:      ClientToServer,
	ActionRequest:    ClientToServer,
	StateSyncRequest: ClientToServer,
	ChatSend:         ClientToServer,

	Connected:          ServerToClient,
	Subscribed:         ServerToClient,
	Unsubscribed:       ServerToClient,
	ActionResult:       ServerToClient,
	TableStateUpdate:   ServerToClient,
	StateSync:          ServerToClient,
	ReconnectState:     ServerToClient,
	ChatMessage:        ServerToClient,
	PlayerDisconnected: ServerToClient,
	ErrorEvent:         ServerToClient,
}

// requestScoped lists commands that must carry a client-chosen request id.
var requestScoped = map[EventType]bool{
	ActionRequest: true,
}

// DirectionOf returns the static direction of t.
//
// Postcondition: ok is false when t is not a known event type.
func DirectionOf(t EventType) (d Direction, ok bool) {
	d, ok = directions[t]
	return d, ok
}

// Known reports whether t belongs to the closed event set.
func Known(t EventType) bool {
	_, ok := directions[t]
	return ok
}

// Allowed reports whether t may be sent in direction from.
func Allowed(t EventType, from Direction) bool {
	d, ok := directions[t]
	return ok && d&from != 0
}

// RequiresRequestID reports whether t is an idempotent command.
func RequiresRequestID(t EventType) bool {
	return requestScoped[t]
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(directions))
	for t := range directions {
		out = append(out, t)
	}
	return out
}

package protocol

// CloseCode is a WebSocket close status sent by the gateway.
type CloseCode int

const (
	// CloseNormal acknowledges a client-initiated close.
	CloseNormal CloseCode = 1000
	// CloseForced is an explicit server-side disconnect, including shutdown.
	CloseForced CloseCode = 4000
	// CloseAuthFailed rejects a connection whose credential did not validate.
	CloseAuthFailed CloseCode = 4001
	// CloseHeartbeatTimeout evicts a connection that stopped answering pings.
	CloseHeartbeatTimeout CloseCode = 4003
)

// Close reasons.
const (
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonAuthFailed       = "authentication failed"
	ReasonShutdown         = "server shutting down"
	ReasonClientClosed     = "client closed"
)

package broker

import (
	"fmt"
	"strings"
	"time"
)

// Registry keys are three tokens: <owner>.<instance>.<connection>, where owner
// is the principal (Connections bucket) or the channel (Channels bucket). The
// instance token lets a sweeper find every entry left by a dead instance.

// ConnectionRecord is the Connections bucket value.
type ConnectionRecord struct {
	InstanceID  string    `json:"instanceId"`
	ConnectedAt time.Time `json:"connectedAt"`
	SessionID   string    `json:"sessionId"`
}

// RegistryEntry is a decoded registry key.
type RegistryEntry struct {
	// Owner is the principal id or channel name, depending on the bucket.
	Owner        string
	InstanceID   string
	ConnectionID string
}

// ConnectionKey returns the Connections bucket key for a connection.
func ConnectionKey(principalID, instanceID, connID string) string {
	return Key(Token(principalID), Token(instanceID), Token(connID))
}

// ChannelKey returns the Channels bucket key for a membership marker.
func ChannelKey(channel, instanceID, connID string) string {
	return Key(Token(channel), Token(instanceID), Token(connID))
}

// OwnerPrefix returns the key prefix listing every entry of one owner.
func OwnerPrefix(owner string) string {
	return Token(owner) + "."
}

// MemberMarker is the Channels bucket value: "instance:connection".
func MemberMarker(instanceID, connID string) string {
	return instanceID + ":" + connID
}

// ParseRegistryKey decodes a registry key built by ConnectionKey or ChannelKey.
func ParseRegistryKey(key string) (RegistryEntry, error) {
	toks := SplitKey(key)
	if len(toks) != 3 {
		return RegistryEntry{}, fmt.Errorf("registry key %q: want 3 tokens, got %d", key, len(toks))
	}
	var parts [3]string
	for i, tok := range toks {
		s, err := ParseToken(tok)
		if err != nil {
			return RegistryEntry{}, fmt.Errorf("registry key %q: %w", key, err)
		}
		parts[i] = s
	}
	return RegistryEntry{Owner: parts[0], InstanceID: parts[1], ConnectionID: parts[2]}, nil
}

// OwnedBy reports whether key was written by instanceID without decoding
// the other tokens.
func OwnedBy(key, instanceID string) bool {
	toks := strings.Split(key, ".")
	return len(toks) == 3 && toks[1] == Token(instanceID)
}

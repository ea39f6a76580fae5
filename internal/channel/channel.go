// Package channel names push channels and decides which push messages
// should wake the sync scheduler.
package channel

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// Broadcast is the channel every client listens on regardless of
	// which containers have unsynced changes.
	Broadcast = "broadcast"

	// CursorBump is the message type the server sends when a container's
	// remote cursor advanced.
	CursorBump = "cursor-bump"

	containerPrefix = "container:"
	containerSuffix = ":sync"
)

// PushMessage is a single notification received from the push transport.
type PushMessage struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trigger describes why a sync should be scheduled.
type Trigger struct {
	Channel     string
	ContainerID string
	Broadcast   bool
}

// FilterOptions holds the integrator policy for Classify.
type FilterOptions struct {
	// TriggerOnBroadcast makes cursor bumps on the broadcast channel
	// schedule a sync as well. Off by default.
	TriggerOnBroadcast bool
}

// ContainerChannel returns the push channel for a container.
func ContainerChannel(id string) string {
	return containerPrefix + id + containerSuffix
}

// ParseContainer extracts the container id from a container channel name.
// It reports false for the broadcast channel and anything else that does
// not match container:<id>:sync with a non-empty id.
func ParseContainer(name string) (string, bool) {
	if !strings.HasPrefix(name, containerPrefix) || !strings.HasSuffix(name, containerSuffix) {
		return "", false
	}

	id := name[len(containerPrefix):]
	if len(id) < len(containerSuffix) {
		return "", false
	}

	id = id[:len(id)-len(containerSuffix)]
	if id == "" {
		return "", false
	}

	return id, true
}

// Classify decides whether msg should schedule a sync.
func Classify(msg PushMessage, opts FilterOptions) (Trigger, bool) {
	if msg.Type != CursorBump {
		return Trigger{}, false
	}

	if id, ok := ParseContainer(msg.Channel); ok {
		return Trigger{Channel: msg.Channel, ContainerID: id}, true
	}

	if msg.Channel == Broadcast && opts.TriggerOnBroadcast {
		return Trigger{Channel: msg.Channel, Broadcast: true}, true
	}

	return Trigger{}, false
}

package event

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical normalized event handed to the engine by platform adapters.
// It is treated as immutable once submitted.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"event_type"` // "twitch.chat.message", "discord.member.join", ...
	Platform  string                 `json:"platform"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	Metadata  map[string]string      `json:"metadata"`
}

// New builds an envelope with a fresh ID and the current time.
func New(eventType, platform string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Platform:  platform,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  map[string]string{},
	}
}

// Normalize fills the ID and timestamp when an adapter left them empty.
func (e *Envelope) Normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Platform == "" {
		if i := strings.IndexByte(e.Type, '.'); i > 0 {
			e.Platform = e.Type[:i]
		}
	}
}

// Category returns the middle segment of a namespaced type ("chat" for "twitch.chat.message").
func (e *Envelope) Category() string {
	parts := strings.Split(e.Type, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// Text returns payload.text, the chat message body for chat events.
func (e *Envelope) Text() (string, bool) { return e.payloadString("text") }

// User returns payload.user.
func (e *Envelope) User() (string, bool) { return e.payloadString("user") }

// Channel returns payload.channel.
func (e *Envelope) Channel() (string, bool) { return e.payloadString("channel") }

func (e *Envelope) payloadString(key string) (string, bool) {
	if e.Payload == nil {
		return "", false
	}
	s, ok := e.Payload[key].(string)
	return s, ok
}

// Resolve walks a dot-separated path into the event's fields.
// Supported roots: event.{id,type,platform,timestamp}, payload.*, metadata.*.
func (e *Envelope) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "payload":
		if e.Payload == nil {
			return nil, false
		}
		return ResolveMap(e.Payload, path[1:])
	case "metadata", "meta":
		if len(path) != 2 || e.Metadata == nil {
			return nil, false
		}
		v, ok := e.Metadata[path[1]]
		return v, ok
	case "event":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "id":
			return e.ID, true
		case "type":
			return e.Type, true
		case "platform":
			return e.Platform, true
		case "category":
			return e.Category(), true
		case "timestamp":
			return e.Timestamp.Format(time.RFC3339Nano), true
		}
	}
	return nil, false
}

// Snapshot returns a detached map copy for storage in an execution record.
func (e *Envelope) Snapshot() map[string]interface{} {
	meta := make(map[string]interface{}, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	return map[string]interface{}{
		"id":         e.ID,
		"event_type": e.Type,
		"platform":   e.Platform,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"payload":    copyMap(e.Payload),
		"metadata":   meta,
	}
}

// ResolveMap walks path through nested maps.
func ResolveMap(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	val, ok := m[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return val, true
	}
	sub, ok := val.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return ResolveMap(sub, path[1:])
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			out[k] = copyMap(sub)
			continue
		}
		out[k] = v
	}
	return out
}

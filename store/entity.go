package store

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind names the record family a Record belongs to
type Kind string

const (
	// SessionKind is the record kind for agent sessions
	SessionKind Kind = "session"
	// ConversationKind is the record kind for chat conversations
	ConversationKind Kind = "conversation"
	// TaskKind is the record kind for background tasks
	TaskKind Kind = "task"
)

// IndexField is a record field the store keeps a secondary index for
type IndexField string

const (
	// ClientKeyField indexes Record.ClientKey
	ClientKeyField IndexField = "clientKey"
	// OwnerField indexes Record.OwnerID
	OwnerField IndexField = "ownerId"
)

// EventKind tells the sanitizer how an event participates in a correlated unit
type EventKind string

const (
	// MessageEvent is a self-contained entry
	MessageEvent EventKind = "message"
	// RequestEvent opens a unit that a ResponseEvent with the same CorrelationID closes
	RequestEvent EventKind = "request"
	// ResponseEvent closes the unit opened by the RequestEvent with the same CorrelationID
	ResponseEvent EventKind = "response"
)

// Event is a single entry of a record's append-only event log
type Event struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Kind          EventKind       `json:"kind"`
	Role          string          `json:"role"`
	Author        string          `json:"author,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Record represents an entity persisted in the EntityStore
type Record struct {
	ServerID   string          `json:"id"`
	Kind       Kind            `json:"kind"`
	ClientKey  string          `json:"clientKey"`
	AppScope   string          `json:"appScope"`
	OwnerID    string          `json:"ownerId"`
	Version    int64           `json:"version"`
	State      string          `json:"state,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
	EventLog   []Event         `json:"eventLog,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// IndexValue returns the value of an indexed field
func (r *Record) IndexValue(field IndexField) string {
	switch field {
	case ClientKeyField:
		return r.ClientKey
	case OwnerField:
		return r.OwnerID
	}
	return ""
}

// Clone returns a deep copy of the record. Attribute values are copied through
// their JSON representation, which is the shape every backend persists anyway.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Attributes != nil {
		c.Attributes = CloneAttributes(r.Attributes)
	}
	if r.EventLog != nil {
		c.EventLog = make([]Event, len(r.EventLog))
		for i, e := range r.EventLog {
			c.EventLog[i] = e.clone()
		}
	}
	if r.Data != nil {
		c.Data = append(json.RawMessage(nil), r.Data...)
	}
	return &c
}

func (e Event) clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// CloneAttributes deep copies an attribute map
func CloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		out := make(map[string]any, len(attrs))
		for k, v := range attrs {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return attrs
	}
	return out
}

// NewEventID returns a lexicographically sortable event id
func NewEventID() string {
	return ulid.Make().String()
}

// NewEvent builds an event stamped with a fresh id and the current time
func NewEvent(kind EventKind, role string, payload json.RawMessage) Event {
	return Event{
		ID:        NewEventID(),
		Kind:      kind,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Package events defines the domain event schema and the machinery that
// moves events from the transactional outbox to downstream consumers.
//
// Events travel on two rails sharing one schema: a low-latency
// PostgreSQL NOTIFY channel (best-effort) and the durable outbox table
// (at-least-once). Consumers deduplicate by event id.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the session runtime and the flow store.
const (
	TypeSessionStarted       = "session_started"
	TypeNodeChanged          = "node_changed"
	TypeSessionStatusChanged = "session_status_changed"
	TypeSessionUpdated       = "session_updated"
	TypeSessionDeleted       = "session_deleted"
	TypeFlowUpdated          = "flow_updated"
	TypeFlowPublished        = "flow_published"
)

// DefaultChannel is the NOTIFY channel and default outbox destination.
const DefaultChannel = "flow_events"

// Event is the payload carried on both rails. Timestamp is Unix epoch
// seconds; ids are opaque strings.
type Event struct {
	ID               string                 `json:"id"`
	Type             string                 `json:"event_type"`
	SessionID        string                 `json:"session_id,omitempty"`
	FlowID           string                 `json:"flow_id,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	CurrentNode      string                 `json:"current_node,omitempty"`
	PreviousNode     string                 `json:"previous_node,omitempty"`
	Status           string                 `json:"status,omitempty"`
	PreviousStatus   string                 `json:"previous_status,omitempty"`
	Revision         int64                  `json:"revision,omitempty"`
	PreviousRevision int64                  `json:"previous_revision,omitempty"`
	Timestamp        int64                  `json:"timestamp"`
	Details          map[string]interface{} `json:"details,omitempty"`
}

// New creates an event of the given type with a fresh id and the current
// timestamp. Callers fill the remaining fields.
func New(eventType string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().Unix(),
	}
}

// Marshal encodes the event payload as JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes an event payload.
func Parse(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// PendingEvent is an undelivered outbox row.
type PendingEvent struct {
	RowID       int64
	Event       *Event
	Destination string
	Priority    string
	Attempts    int
	CreatedAt   time.Time
}

// OutboxSource supplies pending events to the dispatcher and records
// delivery outcomes. Implemented by the db outbox store.
type OutboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]*PendingEvent, error)
	MarkDelivered(ctx context.Context, rowID int64) error
	MarkFailed(ctx context.Context, rowID int64, deliveryErr error) error
}

// Sink publishes events to one transport (Redis channel, AMQP exchange,
// in-process subscribers).
type Sink interface {
	Name() string
	Publish(ctx context.Context, destination string, event *Event) error
}

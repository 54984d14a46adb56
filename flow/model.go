// Package flow defines the conversation flow domain: flows, their typed
// nodes and connections, sessions walking them, and the validation and
// snapshot rules that keep the relational graph and its denormalized
// flow_data view consistent.
package flow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeMessage   NodeType = "message"
	NodeQuestion  NodeType = "question"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeWebhook   NodeType = "webhook"
	NodeComposite NodeType = "composite"
	NodeScript    NodeType = "script"
)

// KnownNodeType reports whether t is one of the supported node kinds.
func KnownNodeType(t NodeType) bool {
	switch t {
	case NodeStart, NodeMessage, NodeQuestion, NodeCondition,
		NodeAction, NodeWebhook, NodeComposite, NodeScript:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAbandoned SessionStatus = "ABANDONED"
)

// Terminal reports whether the status accepts no further interactions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// InteractionType classifies conversation history entries.
type InteractionType string

const (
	InteractionMessage InteractionType = "MESSAGE" // bot emission
	InteractionInput   InteractionType = "INPUT"   // user response
	InteractionAction  InteractionType = "ACTION"  // system event
)

// TraceLevel controls how much detail a session's execution trace records.
type TraceLevel string

const (
	TraceStandard TraceLevel = "standard"
	TraceVerbose  TraceLevel = "verbose"
)

// JSONMap stores a JSON object in a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for jsonb storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for jsonb retrieval.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Flow is the authored unit of publication: a directed graph of typed
// nodes plus the denormalized flow_data snapshot derived from them.
type Flow struct {
	ID              string     `gorm:"primaryKey;type:uuid" json:"id"`
	Name            string     `gorm:"not null;index" json:"name"`
	Version         string     `gorm:"not null;default:1.0.0" json:"version"`
	EntryNodeID     string     `json:"entry_node_id"`
	IsPublished     bool       `gorm:"index" json:"is_published"`
	IsActive        bool       `gorm:"default:true" json:"is_active"`
	FlowData        JSONMap    `gorm:"type:jsonb" json:"flow_data"`
	Info            JSONMap    `gorm:"type:jsonb" json:"info"`
	Contract        JSONMap    `gorm:"type:jsonb" json:"contract,omitempty"`
	RetentionDays   int        `gorm:"default:30" json:"retention_days"`
	TraceEnabled    bool       `gorm:"default:false" json:"trace_enabled"`
	TraceSampleRate int        `gorm:"default:100" json:"trace_sample_rate"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	PublishedBy     string     `json:"published_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Nodes       []Node       `gorm:"foreignKey:FlowID;references:ID;constraint:OnDelete:CASCADE" json:"nodes,omitempty"`
	Connections []Connection `gorm:"foreignKey:FlowID;references:ID;constraint:OnDelete:CASCADE" json:"connections,omitempty"`
}

// Node is one vertex of a flow graph. NodeID is the author-visible
// identifier, stable across clones; ID is the surrogate primary key.
type Node struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	FlowID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_flow_node" json:"flow_id"`
	NodeID    string    `gorm:"not null;uniqueIndex:idx_flow_node" json:"node_id"`
	NodeType  NodeType  `gorm:"not null" json:"node_type"`
	Content   JSONMap   `gorm:"type:jsonb" json:"content"`
	Template  string    `json:"template,omitempty"`
	Position  JSONMap   `gorm:"type:jsonb" json:"position"`
	Info      JSONMap   `gorm:"type:jsonb" json:"info"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connection is one directed edge. The unique index covers the full
// (flow, source, target, type) tuple; duplicate (source, type) pairs are
// additionally rejected at publish time.
type Connection struct {
	ID             uint           `gorm:"primaryKey" json:"-"`
	FlowID         string         `gorm:"type:uuid;not null;uniqueIndex:idx_flow_conn" json:"flow_id"`
	SourceNodeID   string         `gorm:"not null;uniqueIndex:idx_flow_conn" json:"source_node_id"`
	TargetNodeID   string         `gorm:"not null;uniqueIndex:idx_flow_conn" json:"target_node_id"`
	ConnectionType ConnectionType `gorm:"not null;uniqueIndex:idx_flow_conn" json:"connection_type"`
	Conditions     JSONMap        `gorm:"type:jsonb" json:"conditions"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Session is one durable runtime walk of a flow.
type Session struct {
	ID             string                 `json:"id"`
	FlowID         string                 `json:"flow_id"`
	SessionToken   string                 `json:"session_token"`
	UserID         string                 `json:"user_id,omitempty"`
	Channel        string                 `json:"channel,omitempty"`
	CurrentNodeID  string                 `json:"current_node_id"`
	State          map[string]interface{} `json:"state"`
	Info           map[string]interface{} `json:"info,omitempty"`
	Status         SessionStatus          `json:"status"`
	Revision       int64                  `json:"revision"`
	TraceEnabled   bool                   `json:"trace_enabled"`
	TraceLevel     TraceLevel             `json:"trace_level"`
	StateHash      string                 `json:"state_hash,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	LastActivityAt time.Time              `json:"last_activity_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
}

// HistoryEntry is one append-only conversation history row.
type HistoryEntry struct {
	ID              int64                  `json:"id"`
	SessionID       string                 `json:"session_id"`
	NodeID          string                 `json:"node_id"`
	InteractionType InteractionType        `json:"interaction_type"`
	Content         map[string]interface{} `json:"content"`
	CreatedAt       time.Time              `json:"created_at"`
}

// EventSubscription registers an external consumer for domain events.
// Events whose type matches the prefix filter are fanned out to the
// target URL by the delivery workers.
type EventSubscription struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	EventTypes string    `gorm:"not null" json:"event_types"` // prefix filter, "*" for all
	TargetURL  string    `gorm:"not null" json:"target_url"`
	Secret     string    `json:"-"`
	IsActive   bool      `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName keeps the flows table name singular-free and explicit.
func (Flow) TableName() string { return "flows" }

// TableName for nodes.
func (Node) TableName() string { return "flow_nodes" }

// TableName for connections.
func (Connection) TableName() string { return "flow_connections" }

// TableName for event subscriptions.
func (EventSubscription) TableName() string { return "event_subscriptions" }

package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// runtimeSchema holds the DDL for the pgx-backed runtime tables. The
// authoring tables (flows, flow_nodes, flow_connections) are managed by
// gorm and must exist before this runs; sessions reference flows.
const runtimeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id UUID PRIMARY KEY,
	flow_id UUID NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
	session_token VARCHAR(255) NOT NULL,
	user_id VARCHAR(255),
	channel VARCHAR(50) NOT NULL DEFAULT 'web',
	current_node_id VARCHAR(255),
	state JSONB NOT NULL DEFAULT '{}',
	info JSONB NOT NULL DEFAULT '{}',
	status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
	revision BIGINT NOT NULL DEFAULT 1,
	trace_enabled BOOLEAN NOT NULL DEFAULT false,
	trace_level VARCHAR(20) NOT NULL DEFAULT 'standard',
	state_hash VARCHAR(64),
	started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	ended_at TIMESTAMP WITH TIME ZONE,
	UNIQUE(session_token)
);

CREATE INDEX IF NOT EXISTS idx_sessions_flow_id ON sessions(flow_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity_at);

CREATE TABLE IF NOT EXISTS conversation_history (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	node_id VARCHAR(255),
	interaction_type VARCHAR(20) NOT NULL,
	content JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_history_session_id ON conversation_history(session_id, created_at);

CREATE TABLE IF NOT EXISTS execution_steps (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	step_number INT NOT NULL,
	node_id VARCHAR(255) NOT NULL,
	node_type VARCHAR(50) NOT NULL,
	state_before JSONB,
	state_after JSONB,
	execution_details JSONB NOT NULL DEFAULT '{}',
	connection_type VARCHAR(50),
	next_node_id VARCHAR(255),
	started_at TIMESTAMP WITH TIME ZONE NOT NULL,
	completed_at TIMESTAMP WITH TIME ZONE,
	duration_ms BIGINT,
	error_message TEXT,
	error_details JSONB,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	UNIQUE(session_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_steps_session_id ON execution_steps(session_id, step_number);
CREATE INDEX IF NOT EXISTS idx_steps_created_at ON execution_steps(created_at);

CREATE TABLE IF NOT EXISTS trace_access_audit (
	id BIGSERIAL PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	accessed_by VARCHAR(255) NOT NULL,
	access_type VARCHAR(50) NOT NULL,
	ip_address VARCHAR(64),
	user_agent TEXT,
	data_accessed JSONB,
	accessed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_session_id ON trace_access_audit(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_accessed_at ON trace_access_audit(accessed_at);

CREATE TABLE IF NOT EXISTS event_outbox (
	id BIGSERIAL PRIMARY KEY,
	event_type VARCHAR(100) NOT NULL,
	payload JSONB NOT NULL,
	destination VARCHAR(100) NOT NULL DEFAULT 'flow_events',
	priority VARCHAR(20) NOT NULL DEFAULT 'normal',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	delivered_at TIMESTAMP WITH TIME ZONE,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON event_outbox(created_at) WHERE delivered_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_outbox_delivered ON event_outbox(delivered_at) WHERE delivered_at IS NOT NULL;
`

// Migrate creates the runtime tables if they don't exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, runtimeSchema); err != nil {
		return fmt.Errorf("failed to create runtime tables: %w", err)
	}
	return nil
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flow.evalgo.org/flow"
)

// StepRecord is one execution trace row. StateBefore and StateAfter are
// stored already masked; the store never sees raw PII.
type StepRecord struct {
	ID             int64                  `json:"id,omitempty"`
	StepNumber     int                    `json:"step_number"`
	NodeID         string                 `json:"node_id"`
	NodeType       flow.NodeType          `json:"node_type"`
	StateBefore    map[string]interface{} `json:"state_before,omitempty"`
	StateAfter     map[string]interface{} `json:"state_after,omitempty"`
	Details        map[string]interface{} `json:"execution_details"`
	ConnectionType string                 `json:"connection_type,omitempty"`
	NextNodeID     string                 `json:"next_node_id,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DurationMS     int64                  `json:"duration_ms"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ErrorDetails   map[string]interface{} `json:"error_details,omitempty"`
}

// AuditRecord captures one trace read for compliance.
type AuditRecord struct {
	SessionID    string                 `json:"session_id"`
	AccessedBy   string                 `json:"accessed_by"`
	AccessType   string                 `json:"access_type"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	DataAccessed map[string]interface{} `json:"data_accessed,omitempty"`
}

// AuditEntry is a stored audit row.
type AuditEntry struct {
	ID         int64     `json:"id"`
	AuditRecord
	AccessedAt time.Time `json:"accessed_at"`
}

// ArchiveRow is one expired trace row fetched for archival, rendered as
// the full JSON of the database row.
type ArchiveRow struct {
	ID        int64
	SessionID string
	Data      json.RawMessage
}

// TraceStore persists execution steps and trace access audits.
type TraceStore struct {
	pool *pgxpool.Pool
}

// NewTraceStore creates a trace store.
func NewTraceStore(pool *pgxpool.Pool) *TraceStore {
	return &TraceStore{pool: pool}
}

// insertStepTx inserts one step through the given executor. Conflicting
// step numbers are ignored so retried ticks stay idempotent.
func insertStepTx(ctx context.Context, tx Execer, sessionID string, step StepRecord) error {
	details := step.Details
	if details == nil {
		details = map[string]interface{}{}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO execution_steps (
			session_id, step_number, node_id, node_type, state_before, state_after,
			execution_details, connection_type, next_node_id,
			started_at, completed_at, duration_ms, error_message, error_details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, NULLIF($13, ''), $14)
		ON CONFLICT (session_id, step_number) DO NOTHING
	`, sessionID, step.StepNumber, step.NodeID, step.NodeType, step.StateBefore, step.StateAfter,
		details, step.ConnectionType, step.NextNodeID,
		step.StartedAt, step.CompletedAt, step.DurationMS, step.ErrorMessage, step.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to insert execution step: %w", err)
	}
	return nil
}

// InsertStep commits a single step directly.
func (s *TraceStore) InsertStep(ctx context.Context, sessionID string, step StepRecord) error {
	return insertStepTx(ctx, s.pool, sessionID, step)
}

// InsertSteps commits a buffered batch of steps in one transaction.
func (s *TraceStore) InsertSteps(ctx context.Context, sessionID string, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, step := range steps {
		if err := insertStepTx(ctx, tx, sessionID, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit step batch: %w", err)
	}
	return nil
}

// NextStepNumber returns the next free step number for a session. Step
// numbers are contiguous from 1.
func (s *TraceStore) NextStepNumber(ctx context.Context, sessionID string) (int, error) {
	var max int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(step_number), 0) FROM execution_steps WHERE session_id = $1
	`, sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max step number: %w", err)
	}
	return max + 1, nil
}

// GetTrace returns a session's steps in execution order. Callers are
// responsible for recording the access audit.
func (s *TraceStore) GetTrace(ctx context.Context, sessionID string) ([]*StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, step_number, node_id, node_type, state_before, state_after,
		       execution_details, COALESCE(connection_type, ''), COALESCE(next_node_id, ''),
		       started_at, completed_at, COALESCE(duration_ms, 0), COALESCE(error_message, ''), error_details
		FROM execution_steps
		WHERE session_id = $1
		ORDER BY step_number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace: %w", err)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		step := &StepRecord{}
		if err := rows.Scan(&step.ID, &step.StepNumber, &step.NodeID, &step.NodeType,
			&step.StateBefore, &step.StateAfter, &step.Details,
			&step.ConnectionType, &step.NextNodeID,
			&step.StartedAt, &step.CompletedAt, &step.DurationMS,
			&step.ErrorMessage, &step.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CountSteps returns the number of traced steps for a session.
func (s *TraceStore) CountSteps(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM execution_steps WHERE session_id = $1
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return count, nil
}

// DeleteSessionSteps removes every traced step of one session. Used for
// erasure requests; the access audit rows are kept.
func (s *TraceStore) DeleteSessionSteps(ctx context.Context, sessionID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM execution_steps WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session steps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordAccess appends a trace access audit row.
func (s *TraceStore) RecordAccess(ctx context.Context, record AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trace_access_audit (session_id, accessed_by, access_type, ip_address, user_agent, data_accessed)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
	`, record.SessionID, record.AccessedBy, record.AccessType,
		record.IPAddress, record.UserAgent, record.DataAccessed)
	if err != nil {
		return fmt.Errorf("failed to record trace access: %w", err)
	}
	return nil
}

// ListAccessAudits returns the audit log of a session's trace,
// newest first.
func (s *TraceStore) ListAccessAudits(ctx context.Context, sessionID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, accessed_by, access_type,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), data_accessed, accessed_at
		FROM trace_access_audit
		WHERE session_id = $1
		ORDER BY accessed_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access audits: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.AccessedBy, &entry.AccessType,
			&entry.IPAddress, &entry.UserAgent, &entry.DataAccessed, &entry.AccessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// expiredStepPredicate joins steps to their flow so each flow's
// retention_days governs its own traces.
const expiredStepPredicate = `
	FROM execution_steps es
	JOIN sessions sess ON sess.id = es.session_id
	JOIN flows f ON f.id = sess.flow_id
	WHERE es.created_at < NOW() - make_interval(days => COALESCE(NULLIF(f.retention_days, 0), 30))`

// DeleteExpiredBatch deletes one batch of steps past their flow's
// retention and reports how many went. Callers loop with a pause until a
// batch comes back short.
func (s *TraceStore) DeleteExpiredBatch(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	result, err := s.pool.Exec(ctx, `
		DELETE FROM execution_steps WHERE id IN (
			SELECT es.id `+expiredStepPredicate+`
			ORDER BY es.created_at ASC
			LIMIT $1
		)
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired steps: %w", err)
	}
	return result.RowsAffected(), nil
}

// FetchExpired returns expired steps as full row JSON for archival,
// oldest first.
func (s *TraceStore) FetchExpired(ctx context.Context, limit int) ([]*ArchiveRow, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT es.id, es.session_id, row_to_json(es.*) `+expiredStepPredicate+`
		ORDER BY es.created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expired steps: %w", err)
	}
	defer rows.Close()

	var expired []*ArchiveRow
	for rows.Next() {
		row := &ArchiveRow{}
		if err := rows.Scan(&row.ID, &row.SessionID, &row.Data); err != nil {
			return nil, fmt.Errorf("failed to scan expired step: %w", err)
		}
		expired = append(expired, row)
	}
	return expired, rows.Err()
}

// DeleteStepsByID removes specific steps after successful archival.
func (s *TraceStore) DeleteStepsByID(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	result, err := s.pool.Exec(ctx, `
		DELETE FROM execution_steps WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived steps: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteExpiredAuditBatch deletes one batch of audit rows older than the
// audit retention window.
func (s *TraceStore) DeleteExpiredAuditBatch(ctx context.Context, retentionDays, batchSize int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	result, err := s.pool.Exec(ctx, `
		DELETE FROM trace_access_audit WHERE id IN (
			SELECT id FROM trace_access_audit
			WHERE accessed_at < NOW() - make_interval(days => $1)
			ORDER BY accessed_at ASC
			LIMIT $2
		)
	`, retentionDays, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audits: %w", err)
	}
	return result.RowsAffected(), nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/events"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
)

// sessionColumns is the canonical select list shared by every session
// query in this store.
const sessionColumns = `
	id, flow_id, session_token, COALESCE(user_id, ''), channel,
	COALESCE(current_node_id, ''), state, info, status, revision,
	trace_enabled, trace_level, COALESCE(state_hash, ''),
	started_at, last_activity_at, ended_at`

// SessionStore persists sessions and their append-only companions
// (history, trace steps) through pgx. Every state mutation bumps the
// session revision and commits its events in the same transaction.
type SessionStore struct {
	pool    *pgxpool.Pool
	outbox  *OutboxStore
	channel string
	log     *logrus.Entry
}

// NewSessionStore creates a session store emitting NOTIFY events on the
// given channel.
func NewSessionStore(pool *pgxpool.Pool, outbox *OutboxStore, notifyChannel string) *SessionStore {
	if notifyChannel == "" {
		notifyChannel = events.DefaultChannel
	}
	return &SessionStore{
		pool:    pool,
		outbox:  outbox,
		channel: notifyChannel,
		log:     common.ComponentLogger("session-store"),
	}
}

// HistoryAppend is one conversation history row to commit with a
// mutation.
type HistoryAppend struct {
	NodeID  string
	Type    flow.InteractionType
	Content map[string]interface{}
}

// UpdateOptions carries the optional parts of a session mutation. All of
// it commits in one transaction with the state change: history rows,
// trace steps, and domain events.
type UpdateOptions struct {
	// CurrentNodeID moves the session pointer when non-nil.
	CurrentNodeID *string

	// ExpectedRevision enables optimistic concurrency control. On
	// mismatch, background callers are refused; user-initiated callers
	// win with a logged override.
	ExpectedRevision *int64

	// UserInitiated marks the mutation as user-driven for the
	// revision-conflict policy.
	UserInitiated bool

	// Status transitions the session when non-nil. Terminal statuses
	// also stamp ended_at.
	Status *flow.SessionStatus

	// History rows appended with the mutation.
	History []HistoryAppend

	// Steps are trace rows committed with the mutation (the direct
	// tracer path).
	Steps []StepRecord

	// Events are additional domain events beyond the auto-emitted one.
	Events []*events.Event
}

// CreateSeed carries the inputs of session creation. SessionToken is
// generated when empty; the runtime pre-generates it so the trace
// sampling decision can hash it before the insert.
type CreateSeed struct {
	FlowID        string
	SessionToken  string
	UserID        string
	Channel       string
	CurrentNodeID string
	InitialState  state.Bag
	Info          map[string]interface{}
	TraceEnabled  bool
	TraceLevel    flow.TraceLevel
}

// CreateSession inserts a new ACTIVE session at revision 1 with a fresh
// url-safe token and emits session_started on both rails.
func (s *SessionStore) CreateSession(ctx context.Context, seed CreateSeed) (*flow.Session, error) {
	if seed.Channel == "" {
		seed.Channel = "web"
	}
	if seed.TraceLevel == "" {
		seed.TraceLevel = flow.TraceStandard
	}
	if seed.InitialState == nil {
		seed.InitialState = state.NewBag()
	}
	if seed.Info == nil {
		seed.Info = map[string]interface{}{}
	}

	id := uuid.NewString()
	if seed.SessionToken == "" {
		seed.SessionToken = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	session := &flow.Session{}
	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (id, flow_id, session_token, user_id, channel, current_node_id, state, info, trace_enabled, trace_level)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, $9, $10)
		RETURNING `+sessionColumns,
		id, seed.FlowID, seed.SessionToken, seed.UserID, seed.Channel, seed.CurrentNodeID,
		map[string]interface{}(seed.InitialState), seed.Info, seed.TraceEnabled, seed.TraceLevel,
	).Scan(sessionDest(session)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	ev := events.New(events.TypeSessionStarted)
	ev.SessionID = session.ID
	ev.FlowID = session.FlowID
	ev.UserID = session.UserID
	ev.CurrentNode = session.CurrentNodeID
	ev.Status = string(session.Status)
	ev.Revision = session.Revision

	if err := s.outbox.Insert(ctx, tx, ev, s.channel, ""); err != nil {
		return nil, err
	}
	if err := s.outbox.Notify(ctx, tx, s.channel, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session creation: %w", err)
	}
	return session, nil
}

// GetSessionByToken loads a session by its opaque token.
func (s *SessionStore) GetSessionByToken(ctx context.Context, token string) (*flow.Session, error) {
	session := &flow.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE session_token = $1
	`, token).Scan(sessionDest(session)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session with token %s: %w", token, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by token: %w", err)
	}
	return session, nil
}

// GetSessionByID loads a session by id. Used by the
// refresh-after-action path.
func (s *SessionStore) GetSessionByID(ctx context.Context, id string) (*flow.Session, error) {
	session := &flow.Session{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id).Scan(sessionDest(session)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSessionState applies a new state under revision control and
// commits it with history, trace steps, and events in one transaction.
// Callers hold the session's advisory lock.
//
// Revision contract: with ExpectedRevision set and mismatching, a
// background caller is refused with flow.ErrConflict; a user-initiated
// caller wins and the override is logged.
func (s *SessionStore) UpdateSessionState(ctx context.Context, sessionID string, newState state.Bag, opts UpdateOptions) (*flow.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current := &flow.Session{}
	err = tx.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE
	`, sessionID).Scan(sessionDest(current)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, flow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session for update: %w", err)
	}

	if current.Status.Terminal() && opts.Status == nil {
		return nil, fmt.Errorf("session %s is %s and accepts no further updates: %w",
			sessionID, current.Status, flow.ErrConflict)
	}

	if opts.ExpectedRevision != nil && *opts.ExpectedRevision != current.Revision {
		if !opts.UserInitiated {
			return nil, fmt.Errorf("concurrent modification detected: expected revision %d, current %d: %w",
				*opts.ExpectedRevision, current.Revision, flow.ErrConflict)
		}
		s.log.WithFields(logrus.Fields{
			"session_id":        sessionID,
			"expected_revision": *opts.ExpectedRevision,
			"current_revision":  current.Revision,
		}).Warn("user-initiated update overriding concurrent modification")
	}

	nodeID := current.CurrentNodeID
	if opts.CurrentNodeID != nil {
		nodeID = *opts.CurrentNodeID
	}

	status := current.Status
	endedAt := current.EndedAt
	if opts.Status != nil {
		status = *opts.Status
		if status.Terminal() && endedAt == nil {
			now := time.Now()
			endedAt = &now
		}
	}

	newRevision := current.Revision + 1

	updated := &flow.Session{}
	err = tx.QueryRow(ctx, `
		UPDATE sessions
		SET state = $1, current_node_id = NULLIF($2, ''), status = $3,
		    ended_at = $4, revision = $5, last_activity_at = NOW()
		WHERE id = $6
		RETURNING `+sessionColumns,
		map[string]interface{}(newState), nodeID, status, endedAt, newRevision, sessionID,
	).Scan(sessionDest(updated)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update session state: %w", err)
	}

	for _, h := range opts.History {
		if err := appendHistoryTx(ctx, tx, sessionID, h); err != nil {
			return nil, err
		}
	}

	for _, step := range opts.Steps {
		if err := insertStepTx(ctx, tx, sessionID, step); err != nil {
			return nil, err
		}
	}

	evs := append([]*events.Event{s.autoEvent(current, updated)}, opts.Events...)
	for _, ev := range evs {
		if err := s.outbox.Insert(ctx, tx, ev, s.channel, ""); err != nil {
			return nil, err
		}
		if err := s.outbox.Notify(ctx, tx, s.channel, ev); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session update: %w", err)
	}
	return updated, nil
}

// autoEvent derives the domain event for a committed mutation. Status
// changes outrank node changes; everything else is a state update.
func (s *SessionStore) autoEvent(before, after *flow.Session) *events.Event {
	var ev *events.Event
	switch {
	case before.Status != after.Status:
		ev = events.New(events.TypeSessionStatusChanged)
		ev.Status = string(after.Status)
		ev.PreviousStatus = string(before.Status)
	case before.CurrentNodeID != after.CurrentNodeID:
		ev = events.New(events.TypeNodeChanged)
		ev.CurrentNode = after.CurrentNodeID
		ev.PreviousNode = before.CurrentNodeID
	default:
		ev = events.New(events.TypeSessionUpdated)
	}

	ev.SessionID = after.ID
	ev.FlowID = after.FlowID
	ev.UserID = after.UserID
	if ev.CurrentNode == "" {
		ev.CurrentNode = after.CurrentNodeID
	}
	ev.Revision = after.Revision
	ev.PreviousRevision = before.Revision
	return ev
}

// Touch refreshes last_activity_at only. No revision bump, no events;
// activity-keepalives are invisible to consumers.
func (s *SessionStore) Touch(ctx context.Context, sessionID string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_activity_at = NOW() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, flow.ErrNotFound)
	}
	return nil
}

// EndSession transitions an ACTIVE session to a terminal status.
// Idempotent: ending an already-terminal session is a no-op.
func (s *SessionStore) EndSession(ctx context.Context, sessionID string, status flow.SessionStatus) (*flow.Session, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal: %w", status, flow.ErrValidation)
	}

	session, err := s.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return session, nil
	}

	return s.UpdateSessionState(ctx, sessionID, session.State, UpdateOptions{
		Status: &status,
	})
}

// AddInteraction appends one conversation history row outside a
// mutation transaction.
func (s *SessionStore) AddInteraction(ctx context.Context, sessionID, nodeID string, interactionType flow.InteractionType, content map[string]interface{}) error {
	return appendHistoryTx(ctx, s.pool, sessionID, HistoryAppend{
		NodeID:  nodeID,
		Type:    interactionType,
		Content: content,
	})
}

// GetHistory returns a session's conversation history in chronological
// order.
func (s *SessionStore) GetHistory(ctx context.Context, sessionID string, limit, offset int) ([]*flow.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, COALESCE(node_id, ''), interaction_type, content, created_at
		FROM conversation_history
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*flow.HistoryEntry
	for rows.Next() {
		entry := &flow.HistoryEntry{}
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.NodeID,
			&entry.InteractionType, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListSessions returns sessions of a flow, newest first. status filters
// when non-empty.
func (s *SessionStore) ListSessions(ctx context.Context, flowID string, status flow.SessionStatus, limit, offset int) ([]*flow.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE flow_id = $1`
	args := []any{flowID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*flow.Session
	for rows.Next() {
		session := &flow.Session{}
		if err := rows.Scan(sessionDest(session)...); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteSession hard-deletes a session and everything it owns. The
// session_deleted event commits in the same transaction; outbox rows are
// not owned by sessions and survive.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	session, err := s.GetSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ev := events.New(events.TypeSessionDeleted)
	ev.SessionID = session.ID
	ev.FlowID = session.FlowID
	ev.UserID = session.UserID
	ev.Revision = session.Revision

	if err := s.outbox.Insert(ctx, tx, ev, s.channel, ""); err != nil {
		return err
	}
	if err := s.outbox.Notify(ctx, tx, s.channel, ev); err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, flow.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session deletion: %w", err)
	}
	return nil
}

// appendHistoryTx inserts one history row through the given executor.
func appendHistoryTx(ctx context.Context, tx Execer, sessionID string, h HistoryAppend) error {
	content := h.Content
	if content == nil {
		content = map[string]interface{}{}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_history (session_id, node_id, interaction_type, content)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, sessionID, h.NodeID, h.Type, content)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// sessionDest returns the scan destinations matching sessionColumns.
func sessionDest(s *flow.Session) []any {
	return []any{
		&s.ID, &s.FlowID, &s.SessionToken, &s.UserID, &s.Channel,
		&s.CurrentNodeID, &s.State, &s.Info, &s.Status, &s.Revision,
		&s.TraceEnabled, &s.TraceLevel, &s.StateHash,
		&s.StartedAt, &s.LastActivityAt, &s.EndedAt,
	}
}

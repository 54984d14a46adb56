package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow.evalgo.org/events"
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx, so outbox writes
// can join the transaction of the mutation that produced them.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// OutboxStore persists domain events for the durable delivery rail.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates an outbox store.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Insert appends an event row. Pass the surrounding transaction so the
// row commits atomically with the originating change; events for rolled
// back mutations must never surface.
func (s *OutboxStore) Insert(ctx context.Context, tx Execer, event *events.Event, destination, priority string) error {
	if destination == "" {
		destination = events.DefaultChannel
	}
	if priority == "" {
		priority = "normal"
	}

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (event_type, payload, destination, priority)
		VALUES ($1, $2, $3, $4)
	`, event.Type, payload, destination, priority)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// Notify emits the event on the NOTIFY channel within the same
// transaction. Listeners receive it after commit; rolled back
// transactions notify nobody.
func (s *OutboxStore) Notify(ctx context.Context, tx Execer, channel string, event *events.Event) error {
	if channel == "" {
		channel = events.DefaultChannel
	}

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify channel %s: %w", channel, err)
	}
	return nil
}

// FetchPending returns undelivered events, oldest first. SKIP LOCKED
// keeps concurrent dispatchers off each other's rows; delivery is
// still at-least-once and consumers deduplicate by event id.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*events.PendingEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, destination, priority, attempts, created_at
		FROM event_outbox
		WHERE delivered_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var pending []*events.PendingEvent
	for rows.Next() {
		var (
			p       events.PendingEvent
			payload []byte
		)
		if err := rows.Scan(&p.RowID, &payload, &p.Destination, &p.Priority, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		ev := &events.Event{}
		if err := json.Unmarshal(payload, ev); err != nil {
			return nil, fmt.Errorf("failed to decode outbox payload %d: %w", p.RowID, err)
		}
		p.Event = ev
		pending = append(pending, &p)
	}

	return pending, rows.Err()
}

// MarkDelivered stamps a row as delivered.
func (s *OutboxStore) MarkDelivered(ctx context.Context, rowID int64) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE event_outbox SET delivered_at = NOW() WHERE id = $1
	`, rowID)
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox row not found: %d", rowID)
	}
	return nil
}

// MarkFailed records a delivery failure and bumps the attempt counter.
func (s *OutboxStore) MarkFailed(ctx context.Context, rowID int64, deliveryErr error) error {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE event_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, rowID, msg)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("outbox row not found: %d", rowID)
	}
	return nil
}

// CountPending returns the undelivered backlog size.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM event_outbox WHERE delivered_at IS NULL
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

// TruncateDelivered removes delivered rows older than the retention
// window and returns the number deleted.
func (s *OutboxStore) TruncateDelivered(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.pool.Exec(ctx, `
		DELETE FROM event_outbox
		WHERE delivered_at IS NOT NULL AND delivered_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to truncate delivered events: %w", err)
	}
	return result.RowsAffected(), nil
}

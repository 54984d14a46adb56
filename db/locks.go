package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
)

// LockKey maps a session id onto the 63-bit advisory lock keyspace.
// Collisions across sessions are acceptable; they only serialize
// unrelated work.
func LockKey(sessionID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(sessionID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// SessionLocker serializes the critical section of each session with a
// PostgreSQL advisory lock. Many sessions run in parallel; within one
// session, every mutation happens under its lock.
type SessionLocker struct {
	pool         *pgxpool.Pool
	waitTimeout  time.Duration
	pollInterval time.Duration
	log          *logrus.Entry
}

// NewSessionLocker creates a locker. waitTimeout bounds acquisition
// (default 5s); pollInterval is the retry pause (default 100ms).
func NewSessionLocker(pool *pgxpool.Pool, waitTimeout, pollInterval time.Duration) *SessionLocker {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &SessionLocker{
		pool:         pool,
		waitTimeout:  waitTimeout,
		pollInterval: pollInterval,
		log:          common.ComponentLogger("session-locker"),
	}
}

// SessionLock is a held advisory lock. Advisory locks are scoped to the
// database connection, so the lock pins one pooled connection until
// released.
type SessionLock struct {
	conn *pgxpool.Conn
	key  int64
}

// Lock acquires the session's advisory lock using the locker's default
// timeout.
func (l *SessionLocker) Lock(ctx context.Context, sessionID string) (*SessionLock, error) {
	return l.LockWithTimeout(ctx, sessionID, l.waitTimeout)
}

// LockWithTimeout acquires the session's advisory lock, trying every
// poll interval until the deadline. Exceeding the deadline returns
// flow.ErrTimeout.
func (l *SessionLocker) LockWithTimeout(ctx context.Context, sessionID string, timeout time.Duration) (*SessionLock, error) {
	key := LockKey(sessionID)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		var locked bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if locked {
			return &SessionLock{conn: conn, key: key}, nil
		}

		if time.Now().After(deadline) {
			conn.Release()
			return nil, fmt.Errorf("lock wait for session %s exceeded %s: %w", sessionID, timeout, flow.ErrTimeout)
		}

		select {
		case <-ctx.Done():
			conn.Release()
			return nil, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release frees the advisory lock and returns the connection to the
// pool. If the unlock statement fails, the underlying connection is
// closed so the server drops the lock instead of leaking it into the
// pool.
func (sl *SessionLock) Release(ctx context.Context) error {
	defer sl.conn.Release()

	var unlocked bool
	if err := sl.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, sl.key).Scan(&unlocked); err != nil {
		_ = sl.conn.Conn().Close(ctx)
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	if !unlocked {
		return fmt.Errorf("advisory lock %d was not held at release", sl.key)
	}
	return nil
}

// SafeUpdate acquires the session's lock, loads the session, applies the
// caller-supplied pure function to produce the new state, and commits it
// under revision control. The function may be retried by callers and
// must not have side effects beyond the returned state.
func (l *SessionLocker) SafeUpdate(ctx context.Context, sessions *SessionStore, sessionID string, userInitiated bool, fn func(session *flow.Session) (state.Bag, error)) (*flow.Session, error) {
	lock, err := l.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			l.log.WithError(err).WithField("session_id", sessionID).Warn("lock release failed")
		}
	}()

	session, err := sessions.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	newState, err := fn(session)
	if err != nil {
		return nil, err
	}

	expected := session.Revision
	return sessions.UpdateSessionState(ctx, sessionID, newState, UpdateOptions{
		ExpectedRevision: &expected,
		UserInitiated:    userInitiated,
	})
}

package tracing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/db"
	"flow.evalgo.org/flow"
)

type fakeTraceStore struct {
	mu        sync.Mutex
	steps     map[string][]db.StepRecord
	audits    []db.AuditRecord
	insertErr error
	auditErr  error
}

func newFakeTraceStore() *fakeTraceStore {
	return &fakeTraceStore{steps: map[string][]db.StepRecord{}}
}

func (f *fakeTraceStore) InsertStep(ctx context.Context, sessionID string, step db.StepRecord) error {
	return f.InsertSteps(ctx, sessionID, []db.StepRecord{step})
}

func (f *fakeTraceStore) InsertSteps(ctx context.Context, sessionID string, steps []db.StepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.steps[sessionID] = append(f.steps[sessionID], steps...)
	return nil
}

func (f *fakeTraceStore) GetTrace(ctx context.Context, sessionID string) ([]*db.StepRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*db.StepRecord, 0, len(f.steps[sessionID]))
	for i := range f.steps[sessionID] {
		step := f.steps[sessionID][i]
		out = append(out, &step)
	}
	return out, nil
}

func (f *fakeTraceStore) RecordAccess(ctx context.Context, record db.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits = append(f.audits, record)
	return nil
}

func (f *fakeTraceStore) ListAccessAudits(ctx context.Context, sessionID string, limit int) ([]*db.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.AuditEntry
	for i := range f.audits {
		if f.audits[i].SessionID != sessionID {
			continue
		}
		out = append(out, &db.AuditEntry{ID: int64(i + 1), AuditRecord: f.audits[i], AccessedAt: time.Now()})
	}
	return out, nil
}

func (f *fakeTraceStore) DeleteSessionSteps(ctx context.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(len(f.steps[sessionID]))
	delete(f.steps, sessionID)
	return n, nil
}

func (f *fakeTraceStore) count(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.steps[sessionID])
}

func (f *fakeTraceStore) auditLog() []db.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]db.AuditRecord, len(f.audits))
	copy(out, f.audits)
	return out
}

func newTestTracer(t *testing.T, store Store, opts Options) *Tracer {
	t.Helper()
	tracer := New(store, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tracer.Shutdown(ctx)
	})
	return tracer
}

func TestTracerFlush(t *testing.T) {
	store := newFakeTraceStore()
	tracer := newTestTracer(t, store, Options{QueueSize: 64, BatchSize: 10, FlushInterval: time.Hour})

	for i := 1; i <= 3; i++ {
		tracer.Record("s1", db.StepRecord{StepNumber: i, NodeID: "n", NodeType: flow.NodeMessage})
	}

	require.NoError(t, tracer.Flush(context.Background()))

	assert.Equal(t, 3, store.count("s1"))
	steps, err := store.GetTrace(context.Background(), "s1")
	require.NoError(t, err)
	for i, step := range steps {
		assert.Equal(t, i+1, step.StepNumber, "order must match enqueue order")
	}

	stats := tracer.Stats()
	assert.Equal(t, int64(3), stats.Queued)
	assert.Equal(t, int64(3), stats.Exported)
	assert.Equal(t, int64(0), stats.Dropped)
}

func TestTracerBatchFlush(t *testing.T) {
	store := newFakeTraceStore()
	tracer := newTestTracer(t, store, Options{QueueSize: 64, BatchSize: 2, FlushInterval: time.Hour})

	for i := 1; i <= 4; i++ {
		tracer.Record("s1", db.StepRecord{StepNumber: i})
	}

	require.Eventually(t, func() bool {
		return store.count("s1") == 4
	}, 2*time.Second, 10*time.Millisecond, "full batches flush without an explicit Flush")
}

func TestTracerIntervalFlush(t *testing.T) {
	store := newFakeTraceStore()
	tracer := newTestTracer(t, store, Options{QueueSize: 64, BatchSize: 100, FlushInterval: 50 * time.Millisecond})

	tracer.Record("s1", db.StepRecord{StepNumber: 1})

	require.Eventually(t, func() bool {
		return store.count("s1") == 1
	}, 2*time.Second, 10*time.Millisecond, "partial batches flush on the interval")
}

func TestTracerShutdownFlushes(t *testing.T) {
	store := newFakeTraceStore()
	tracer := New(store, Options{QueueSize: 64, BatchSize: 100, FlushInterval: time.Hour})

	tracer.Record("s1", db.StepRecord{StepNumber: 1})
	tracer.Record("s1", db.StepRecord{StepNumber: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tracer.Shutdown(ctx))

	assert.Equal(t, 2, store.count("s1"))
}

func TestTracerExportFailure(t *testing.T) {
	store := newFakeTraceStore()
	store.insertErr = errors.New("database down")
	tracer := newTestTracer(t, store, Options{QueueSize: 64, BatchSize: 10, FlushInterval: time.Hour})

	tracer.Record("s1", db.StepRecord{StepNumber: 1})
	require.NoError(t, tracer.Flush(context.Background()))

	stats := tracer.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Exported)
	assert.Equal(t, 0, store.count("s1"))
}

func TestTracerGetSessionTrace(t *testing.T) {
	ctx := context.Background()

	t.Run("read is audited", func(t *testing.T) {
		store := newFakeTraceStore()
		require.NoError(t, store.InsertSteps(ctx, "s1", []db.StepRecord{{StepNumber: 1}, {StepNumber: 2}}))
		tracer := newTestTracer(t, store, Options{})

		steps, err := tracer.GetSessionTrace(ctx, "s1", AccessInfo{
			AccessedBy: "ops@corp",
			IPAddress:  "10.0.0.1",
			UserAgent:  "curl/8.0",
		})
		require.NoError(t, err)
		assert.Len(t, steps, 2)

		audits := store.auditLog()
		require.Len(t, audits, 1)
		assert.Equal(t, "view_trace", audits[0].AccessType)
		assert.Equal(t, "ops@corp", audits[0].AccessedBy)
		assert.Equal(t, "10.0.0.1", audits[0].IPAddress)
		assert.Equal(t, 2, audits[0].DataAccessed["step_count"])
	})

	t.Run("missing accessor recorded as unknown", func(t *testing.T) {
		store := newFakeTraceStore()
		tracer := newTestTracer(t, store, Options{})

		_, err := tracer.GetSessionTrace(ctx, "s1", AccessInfo{})
		require.NoError(t, err)

		audits := store.auditLog()
		require.Len(t, audits, 1)
		assert.Equal(t, "unknown", audits[0].AccessedBy)
	})

	t.Run("audit failure fails the read", func(t *testing.T) {
		store := newFakeTraceStore()
		store.auditErr = errors.New("audit table gone")
		tracer := newTestTracer(t, store, Options{})

		steps, err := tracer.GetSessionTrace(ctx, "s1", AccessInfo{AccessedBy: "ops"})
		assert.Error(t, err)
		assert.Nil(t, steps)
	})
}

func TestTracerErase(t *testing.T) {
	ctx := context.Background()
	store := newFakeTraceStore()
	require.NoError(t, store.InsertSteps(ctx, "s1", []db.StepRecord{{StepNumber: 1}, {StepNumber: 2}, {StepNumber: 3}}))
	tracer := newTestTracer(t, store, Options{})

	deleted, err := tracer.Erase(ctx, "s1", "dpo@corp")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.Equal(t, 0, store.count("s1"))

	audits := store.auditLog()
	require.Len(t, audits, 1)
	assert.Equal(t, "erase", audits[0].AccessType)
	assert.Equal(t, "dpo@corp", audits[0].AccessedBy)
	assert.Equal(t, int64(3), audits[0].DataAccessed["steps_deleted"])
}

func TestTracerExportBundle(t *testing.T) {
	ctx := context.Background()
	store := newFakeTraceStore()
	require.NoError(t, store.InsertSteps(ctx, "s1", []db.StepRecord{{StepNumber: 1}, {StepNumber: 2}}))
	require.NoError(t, store.RecordAccess(ctx, db.AuditRecord{SessionID: "s1", AccessedBy: "ops", AccessType: "view_trace"}))
	tracer := newTestTracer(t, store, Options{})

	export, err := tracer.Export(ctx, "s1", AccessInfo{AccessedBy: "dpo@corp"})
	require.NoError(t, err)

	assert.Equal(t, "s1", export.SessionID)
	assert.False(t, export.ExportedAt.IsZero())
	assert.Len(t, export.Steps, 2)
	assert.Len(t, export.AccessLog, 1)

	audits := store.auditLog()
	require.Len(t, audits, 2)
	assert.Equal(t, "export", audits[1].AccessType)
}

func TestTracerDecide(t *testing.T) {
	store := newFakeTraceStore()
	tracer := newTestTracer(t, store, Options{})

	traced := &flow.Flow{TraceEnabled: true, TraceSampleRate: 100}
	silent := &flow.Flow{TraceEnabled: false, TraceSampleRate: 100}

	assert.True(t, tracer.Decide(traced, "any-token"))
	assert.False(t, tracer.Decide(silent, "any-token"))
}

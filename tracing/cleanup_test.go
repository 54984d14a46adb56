package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flow.evalgo.org/db"
)

type fakeCleanupStore struct {
	mu            sync.Mutex
	expired       []*db.ArchiveRow
	expiredAudits int
	stepBatches   []int
	auditDays     []int
}

func newFakeCleanupStore(expiredRows, expiredAudits int) *fakeCleanupStore {
	store := &fakeCleanupStore{expiredAudits: expiredAudits}
	for i := 1; i <= expiredRows; i++ {
		store.expired = append(store.expired, &db.ArchiveRow{
			ID:        int64(i),
			SessionID: "s1",
			Data:      json.RawMessage(fmt.Sprintf(`{"id":%d}`, i)),
		})
	}
	return store
}

func (f *fakeCleanupStore) DeleteExpiredBatch(ctx context.Context, batchSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(batchSize, len(f.expired))
	f.expired = f.expired[n:]
	f.stepBatches = append(f.stepBatches, n)
	return int64(n), nil
}

func (f *fakeCleanupStore) FetchExpired(ctx context.Context, limit int) ([]*db.ArchiveRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(limit, len(f.expired))
	out := make([]*db.ArchiveRow, n)
	copy(out, f.expired[:n])
	return out, nil
}

func (f *fakeCleanupStore) DeleteStepsByID(ctx context.Context, ids []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.expired[:0]
	var deleted int64
	for _, row := range f.expired {
		if drop[row.ID] {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	f.expired = kept
	return deleted, nil
}

func (f *fakeCleanupStore) DeleteExpiredAuditBatch(ctx context.Context, retentionDays, batchSize int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditDays = append(f.auditDays, retentionDays)
	n := min(batchSize, f.expiredAudits)
	f.expiredAudits -= n
	return int64(n), nil
}

func (f *fakeCleanupStore) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expired)
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (a *fakeArchiver) Archive(ctx context.Context, rows []*db.ArchiveRow) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.batches = append(a.batches, len(rows))
	return fmt.Sprintf("traces/2026/01/01/steps-%d.jsonl", len(a.batches)), nil
}

func TestCleanerRunOnce(t *testing.T) {
	t.Run("deletes in batches until a short batch", func(t *testing.T) {
		store := newFakeCleanupStore(2500, 150)
		cleaner := NewCleaner(store, nil, CleanerOptions{BatchSize: 1000, BatchPause: time.Millisecond})

		result, err := cleaner.RunOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(2500), result.StepsDeleted)
		assert.Equal(t, int64(150), result.AuditsDeleted)
		assert.Equal(t, []int{1000, 1000, 500}, store.stepBatches)
		assert.Equal(t, 0, store.remaining())
	})

	t.Run("exact multiple needs one empty batch to stop", func(t *testing.T) {
		store := newFakeCleanupStore(2000, 0)
		cleaner := NewCleaner(store, nil, CleanerOptions{BatchSize: 1000, BatchPause: time.Millisecond})

		result, err := cleaner.RunOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(2000), result.StepsDeleted)
		assert.Equal(t, []int{1000, 1000, 0}, store.stepBatches)
	})

	t.Run("audit retention days are forwarded", func(t *testing.T) {
		store := newFakeCleanupStore(0, 10)
		cleaner := NewCleaner(store, nil, CleanerOptions{BatchSize: 1000, BatchPause: time.Millisecond, AuditRetentionDays: 30})

		_, err := cleaner.RunOnce(context.Background())
		require.NoError(t, err)

		require.NotEmpty(t, store.auditDays)
		assert.Equal(t, 30, store.auditDays[0])
	})

	t.Run("defaults to ninety day audit retention", func(t *testing.T) {
		store := newFakeCleanupStore(0, 1)
		cleaner := NewCleaner(store, nil, CleanerOptions{BatchPause: time.Millisecond})

		_, err := cleaner.RunOnce(context.Background())
		require.NoError(t, err)

		require.NotEmpty(t, store.auditDays)
		assert.Equal(t, 90, store.auditDays[0])
	})
}

func TestCleanerArchival(t *testing.T) {
	t.Run("archives each batch before deleting it", func(t *testing.T) {
		store := newFakeCleanupStore(1500, 0)
		archiver := &fakeArchiver{}
		cleaner := NewCleaner(store, archiver, CleanerOptions{BatchSize: 1000, BatchPause: time.Millisecond})

		result, err := cleaner.RunOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(1500), result.StepsArchived)
		assert.Equal(t, int64(1500), result.StepsDeleted)
		assert.Equal(t, []int{1000, 500}, archiver.batches)
		assert.Equal(t, 0, store.remaining())
	})

	t.Run("upload failure keeps the rows", func(t *testing.T) {
		store := newFakeCleanupStore(100, 0)
		archiver := &fakeArchiver{err: errors.New("bucket unreachable")}
		cleaner := NewCleaner(store, archiver, CleanerOptions{BatchSize: 1000, BatchPause: time.Millisecond})

		result, err := cleaner.RunOnce(context.Background())
		assert.Error(t, err)
		assert.Equal(t, int64(0), result.StepsDeleted)
		assert.Equal(t, 100, store.remaining())
	})
}

func TestCleanerRunStopsOnCancel(t *testing.T) {
	store := newFakeCleanupStore(0, 0)
	cleaner := NewCleaner(store, nil, CleanerOptions{Interval: time.Hour, BatchPause: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		cleaner.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop on context cancel")
	}
}

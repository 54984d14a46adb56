package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQueue is an in-process DeliveryQueue for tests.
type memQueue struct {
	jobs chan *DeliveryJob
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(chan *DeliveryJob, 64)}
}

func (q *memQueue) Enqueue(_ context.Context, job *DeliveryJob) error {
	q.jobs <- job
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context, timeout time.Duration) (*DeliveryJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func TestSign(t *testing.T) {
	body := []byte(`{"event_type":"session_started"}`)
	sig := Sign("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte("tampered"), sig))
}

func TestDeliveryPool(t *testing.T) {
	poolOpts := PoolOptions{
		Workers:     1,
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryBase:   10 * time.Millisecond,
		DequeueWait: 20 * time.Millisecond,
	}

	t.Run("posts signed payload with delivery headers", func(t *testing.T) {
		var mu sync.Mutex
		var gotBody []byte
		var gotHeader http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			gotBody = body
			gotHeader = r.Header.Clone()
			mu.Unlock()
		}))
		defer server.Close()

		ev := New(TypeSessionStarted)
		ev.SessionID = "sess-1"
		job := NewDeliveryJob("sub-1", server.URL, "hush", ev)

		queue := newMemQueue()
		require.NoError(t, queue.Enqueue(context.Background(), job))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool := NewDeliveryPool(queue, nil, poolOpts)
		pool.Start(ctx)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return gotBody != nil
		}, 2*time.Second, 10*time.Millisecond)
		cancel()
		pool.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
		assert.Equal(t, "session_started", gotHeader.Get(HeaderEventType))
		assert.Equal(t, ev.ID, gotHeader.Get(HeaderEventID))
		assert.Equal(t, job.ID, gotHeader.Get(HeaderDelivery))
		assert.True(t, VerifySignature("hush", gotBody, gotHeader.Get(HeaderSignature)))

		got, err := Parse(gotBody)
		require.NoError(t, err)
		assert.Equal(t, "sess-1", got.SessionID)
	})

	t.Run("retries until the subscriber recovers", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&hits, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
			}
		}))
		defer server.Close()

		queue := newMemQueue()
		job := NewDeliveryJob("sub-1", server.URL, "", New(TypeNodeChanged))
		require.NoError(t, queue.Enqueue(context.Background(), job))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool := NewDeliveryPool(queue, nil, poolOpts)
		pool.Start(ctx)

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&hits) == 3
		}, 2*time.Second, 10*time.Millisecond)
		cancel()
		pool.Wait()
	})

	t.Run("drops after max attempts", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		queue := newMemQueue()
		job := NewDeliveryJob("sub-1", server.URL, "", New(TypeNodeChanged))
		require.NoError(t, queue.Enqueue(context.Background(), job))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool := NewDeliveryPool(queue, nil, poolOpts)
		pool.Start(ctx)

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&hits) == 3
		}, 2*time.Second, 10*time.Millisecond)

		// No fourth attempt shows up.
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
		cancel()
		pool.Wait()
	})

	t.Run("dedupe suppresses replayed deliveries", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
		}))
		defer server.Close()

		dedupe := openTestDedupe(t)
		ev := New(TypeSessionStarted)
		_, err := dedupe.CheckAndMark(ev.ID + "/sub-1")
		require.NoError(t, err)

		queue := newMemQueue()
		// Replay of an already delivered pairing, plus a fresh subscription.
		require.NoError(t, queue.Enqueue(context.Background(), NewDeliveryJob("sub-1", server.URL, "", ev)))
		require.NoError(t, queue.Enqueue(context.Background(), NewDeliveryJob("sub-2", server.URL, "", ev)))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool := NewDeliveryPool(queue, dedupe, poolOpts)
		pool.Start(ctx)

		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&hits) == 1
		}, 2*time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
		cancel()
		pool.Wait()
	})
}

package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
)

// Signature headers on every delivery, so subscribers can verify the
// payload against their per-subscription secret.
const (
	HeaderSignature = "X-Flow-Signature"
	HeaderEventType = "X-Flow-Event"
	HeaderEventID   = "X-Flow-Event-Id"
	HeaderDelivery  = "X-Flow-Delivery"
)

// Sign computes the hex HMAC-SHA256 of body, prefixed with the scheme.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// PoolOptions tunes the delivery workers.
type PoolOptions struct {
	// Workers drain the queue concurrently.
	Workers int

	// Timeout bounds a single subscriber call.
	Timeout time.Duration

	// MaxAttempts before a job is dropped as undeliverable.
	MaxAttempts int

	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase time.Duration

	// DequeueWait is how long a worker blocks on an empty queue before
	// rechecking for shutdown.
	DequeueWait time.Duration
}

func (o *PoolOptions) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.DequeueWait <= 0 {
		o.DequeueWait = 5 * time.Second
	}
}

// DeliveryPool posts queued events to subscriber URLs. Delivery is
// at-least-once; the dedupe store suppresses replays per subscription
// so retries after a crash do not double-notify.
type DeliveryPool struct {
	queue  DeliveryQueue
	dedupe *DedupeStore
	client *http.Client
	opts   PoolOptions
	log    *logrus.Entry

	wg     sync.WaitGroup
	timers sync.WaitGroup
}

// NewDeliveryPool creates a pool. dedupe may be nil, retried jobs are
// then posted again.
func NewDeliveryPool(queue DeliveryQueue, dedupe *DedupeStore, opts PoolOptions) *DeliveryPool {
	opts.setDefaults()
	return &DeliveryPool{
		queue:  queue,
		dedupe: dedupe,
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		log:    common.ComponentLogger("delivery"),
	}
}

// Start launches the workers. They stop when ctx is canceled; Wait
// blocks until the last one returned.
func (p *DeliveryPool) Start(ctx context.Context) {
	p.log.WithField("workers", p.opts.Workers).Info("starting delivery pool")
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.work(ctx, id)
		}(i)
	}
}

// Wait blocks until all workers and pending retry timers finished.
func (p *DeliveryPool) Wait() {
	p.wg.Wait()
	p.timers.Wait()
}

func (p *DeliveryPool) work(ctx context.Context, id int) {
	log := p.log.WithField("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx, p.opts.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("failed to dequeue delivery")
			if !pause(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		p.deliver(ctx, log, job)
	}
}

// deliver posts one job and schedules a retry on failure.
func (p *DeliveryPool) deliver(ctx context.Context, log *logrus.Entry, job *DeliveryJob) {
	log = log.WithFields(logrus.Fields{
		"delivery_id":  job.ID,
		"subscription": job.SubscriptionID,
		"event_type":   job.Event.Type,
		"attempt":      job.Attempts + 1,
	})

	if p.dedupe != nil {
		seen, err := p.dedupe.CheckAndMark(job.Event.ID + "/" + job.SubscriptionID)
		if err != nil {
			log.WithError(err).Warn("dedupe check failed, delivering anyway")
		} else if seen && job.Attempts == 0 {
			log.Debug("skipping duplicate delivery")
			return
		}
	}

	err := p.post(ctx, job)
	if err == nil {
		log.Debug("delivered event")
		return
	}

	job.Attempts++
	if job.Attempts >= p.opts.MaxAttempts {
		log.WithError(err).Error("delivery exhausted, dropping")
		return
	}

	backoff := p.opts.RetryBase << (job.Attempts - 1)
	log.WithError(err).WithField("retry_in", backoff).Warn("delivery failed, retrying")

	// Requeued from a timer so the worker moves on. Enqueue uses a
	// fresh context: the job must reach the queue even mid-shutdown.
	p.timers.Add(1)
	time.AfterFunc(backoff, func() {
		defer p.timers.Done()
		enqCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.queue.Enqueue(enqCtx, job); err != nil {
			p.log.WithError(err).WithField("delivery_id", job.ID).Error("failed to requeue delivery")
		}
	})
}

// post performs the signed HTTP call. Any status outside 2xx counts as
// a failure.
func (p *DeliveryPool) post(ctx context.Context, job *DeliveryJob) error {
	body, err := job.Event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, job.Event.Type)
	req.Header.Set(HeaderEventID, job.Event.ID)
	req.Header.Set(HeaderDelivery, job.ID)
	if job.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(job.Secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach subscriber: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned %d", resp.StatusCode)
	}
	return nil
}

// pause sleeps unless ctx ends first.
func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

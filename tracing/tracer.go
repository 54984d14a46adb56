// Package tracing records how sessions move through their flows: one
// step row per processed node, PII-masked state snapshots, and an
// access audit over every trace read. Steps taken inside a tick commit
// with the session update; everything else rides an async queue so
// tracing never blocks conversation turns.
package tracing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
	"flow.evalgo.org/flow"
)

// Store is the persistence surface the tracer needs. *db.TraceStore
// implements it.
type Store interface {
	InsertStep(ctx context.Context, sessionID string, step db.StepRecord) error
	InsertSteps(ctx context.Context, sessionID string, steps []db.StepRecord) error
	GetTrace(ctx context.Context, sessionID string) ([]*db.StepRecord, error)
	RecordAccess(ctx context.Context, record db.AuditRecord) error
	ListAccessAudits(ctx context.Context, sessionID string, limit int) ([]*db.AuditEntry, error)
	DeleteSessionSteps(ctx context.Context, sessionID string) (int64, error)
}

// Options tunes the async export path.
type Options struct {
	// QueueSize is the in-flight step buffer. Full queue drops steps
	// rather than blocking the engine.
	QueueSize int

	// BatchSize flushes the buffer once this many steps are pending.
	BatchSize int

	// FlushInterval flushes a partial buffer after this long.
	FlushInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
}

type queuedStep struct {
	sessionID string
	step      db.StepRecord
}

// Tracer queues step records and writes them in batches.
type Tracer struct {
	store Store
	log   *logrus.Entry

	queue         chan queuedStep
	flushReq      chan chan struct{}
	batchSize     int
	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queued   int64
	exported int64
	failed   int64
	dropped  int64
}

// New creates a tracer and starts its export worker.
func New(store Store, opts Options) *Tracer {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracer{
		store:         store,
		log:           common.ComponentLogger("tracer"),
		queue:         make(chan queuedStep, opts.QueueSize),
		flushReq:      make(chan chan struct{}),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	t.wg.Add(1)
	go t.worker()

	return t
}

// Decide reports whether a session of the given flow should be traced.
// The decision is deterministic in the session token, see ShouldTrace.
func (t *Tracer) Decide(f *flow.Flow, sessionToken string) bool {
	return ShouldTrace(f.TraceEnabled, f.TraceSampleRate, sessionToken)
}

// Record queues one step for export. Never blocks; a full queue drops
// the step and counts it.
func (t *Tracer) Record(sessionID string, step db.StepRecord) {
	select {
	case t.queue <- queuedStep{sessionID: sessionID, step: step}:
		atomic.AddInt64(&t.queued, 1)
	default:
		atomic.AddInt64(&t.dropped, 1)
		t.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"node_id":    step.NodeID,
		}).Warn("trace queue full, dropping step")
	}
}

// Flush forces the worker to write everything buffered so far and
// waits for it to finish.
func (t *Tracer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case t.flushReq <- done:
	case <-t.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker, flushing what it can before ctx expires.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tracer shutdown timed out: %w", ctx.Err())
	}
}

func (t *Tracer) worker() {
	defer t.wg.Done()

	batch := make([]queuedStep, 0, t.batchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.exportBatch(batch)
		batch = make([]queuedStep, 0, t.batchSize)
	}

	for {
		select {
		case <-t.ctx.Done():
			// Drain whatever is already queued, then stop.
			for {
				select {
				case record := <-t.queue:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		case record := <-t.queue:
			batch = append(batch, record)
			if len(batch) >= t.batchSize {
				flush()
			}
		case done := <-t.flushReq:
		drain:
			for {
				select {
				case record := <-t.queue:
					batch = append(batch, record)
				default:
					break drain
				}
			}
			flush()
			close(done)
		case <-ticker.C:
			flush()
		}
	}
}

// exportBatch groups queued steps by session so each session's portion
// lands in one transaction, preserving step order.
func (t *Tracer) exportBatch(batch []queuedStep) {
	order := make([]string, 0, len(batch))
	bySession := make(map[string][]db.StepRecord, len(batch))
	for _, record := range batch {
		if _, seen := bySession[record.sessionID]; !seen {
			order = append(order, record.sessionID)
		}
		bySession[record.sessionID] = append(bySession[record.sessionID], record.step)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, sessionID := range order {
		steps := bySession[sessionID]
		if err := t.store.InsertSteps(ctx, sessionID, steps); err != nil {
			atomic.AddInt64(&t.failed, int64(len(steps)))
			t.log.WithError(err).WithField("session_id", sessionID).Error("failed to export trace steps")
			continue
		}
		atomic.AddInt64(&t.exported, int64(len(steps)))
	}
}

// Stats is a snapshot of exporter counters.
type Stats struct {
	Queued     int64 `json:"queued"`
	Exported   int64 `json:"exported"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats returns current exporter counters.
func (t *Tracer) Stats() Stats {
	return Stats{
		Queued:     atomic.LoadInt64(&t.queued),
		Exported:   atomic.LoadInt64(&t.exported),
		Failed:     atomic.LoadInt64(&t.failed),
		Dropped:    atomic.LoadInt64(&t.dropped),
		QueueDepth: len(t.queue),
	}
}

// AccessInfo identifies who is reading trace data.
type AccessInfo struct {
	AccessedBy string
	IPAddress  string
	UserAgent  string
}

// GetSessionTrace returns a session's steps and audits the read. When
// the audit row cannot be written the read fails, trace data never
// leaves unaudited.
func (t *Tracer) GetSessionTrace(ctx context.Context, sessionID string, access AccessInfo) ([]*db.StepRecord, error) {
	steps, err := t.store.GetTrace(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	audit := db.AuditRecord{
		SessionID:  sessionID,
		AccessedBy: access.AccessedBy,
		AccessType: "view_trace",
		IPAddress:  access.IPAddress,
		UserAgent:  access.UserAgent,
		DataAccessed: map[string]interface{}{
			"step_count": len(steps),
		},
	}
	if audit.AccessedBy == "" {
		audit.AccessedBy = "unknown"
	}
	if err := t.store.RecordAccess(ctx, audit); err != nil {
		return nil, fmt.Errorf("failed to audit trace access: %w", err)
	}

	return steps, nil
}

// GetAccessAudit returns who accessed a session's trace.
func (t *Tracer) GetAccessAudit(ctx context.Context, sessionID string, limit int) ([]*db.AuditEntry, error) {
	return t.store.ListAccessAudits(ctx, sessionID, limit)
}

// Erase deletes a session's trace steps for a data subject request.
// The deletion itself is audited; audit rows survive erasure.
func (t *Tracer) Erase(ctx context.Context, sessionID, requestedBy string) (int64, error) {
	deleted, err := t.store.DeleteSessionSteps(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	audit := db.AuditRecord{
		SessionID:  sessionID,
		AccessedBy: requestedBy,
		AccessType: "erase",
		DataAccessed: map[string]interface{}{
			"steps_deleted": deleted,
		},
	}
	if audit.AccessedBy == "" {
		audit.AccessedBy = "unknown"
	}
	if err := t.store.RecordAccess(ctx, audit); err != nil {
		return deleted, fmt.Errorf("failed to audit trace erasure: %w", err)
	}

	return deleted, nil
}

// TraceExport bundles everything stored about a session's trace for a
// data subject access request.
type TraceExport struct {
	SessionID  string           `json:"session_id"`
	ExportedAt time.Time        `json:"exported_at"`
	Steps      []*db.StepRecord `json:"steps"`
	AccessLog  []*db.AuditEntry `json:"access_log"`
}

// Export returns a session's full trace plus its access history, and
// audits the export.
func (t *Tracer) Export(ctx context.Context, sessionID string, access AccessInfo) (*TraceExport, error) {
	steps, err := t.store.GetTrace(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	audits, err := t.store.ListAccessAudits(ctx, sessionID, 10000)
	if err != nil {
		return nil, err
	}

	record := db.AuditRecord{
		SessionID:  sessionID,
		AccessedBy: access.AccessedBy,
		AccessType: "export",
		IPAddress:  access.IPAddress,
		UserAgent:  access.UserAgent,
		DataAccessed: map[string]interface{}{
			"step_count":  len(steps),
			"audit_count": len(audits),
		},
	}
	if record.AccessedBy == "" {
		record.AccessedBy = "unknown"
	}
	if err := t.store.RecordAccess(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to audit trace export: %w", err)
	}

	return &TraceExport{
		SessionID:  sessionID,
		ExportedAt: time.Now().UTC(),
		Steps:      steps,
		AccessLog:  audits,
	}, nil
}

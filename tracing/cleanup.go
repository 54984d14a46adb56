package tracing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/db"
)

// CleanupStore is the retention surface of the trace store.
type CleanupStore interface {
	DeleteExpiredBatch(ctx context.Context, batchSize int) (int64, error)
	FetchExpired(ctx context.Context, limit int) ([]*db.ArchiveRow, error)
	DeleteStepsByID(ctx context.Context, ids []int64) (int64, error)
	DeleteExpiredAuditBatch(ctx context.Context, retentionDays, batchSize int) (int64, error)
}

// Archiver receives expired rows before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, rows []*db.ArchiveRow) (string, error)
}

// CleanerOptions tunes the retention worker.
type CleanerOptions struct {
	// Interval between cleanup passes.
	Interval time.Duration

	// BatchSize bounds each delete so the table stays responsive for
	// live sessions.
	BatchSize int

	// BatchPause is the breather between full batches.
	BatchPause time.Duration

	// AuditRetentionDays is how long trace access audits are kept.
	AuditRetentionDays int
}

func (o *CleanerOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.BatchPause <= 0 {
		o.BatchPause = 100 * time.Millisecond
	}
	if o.AuditRetentionDays <= 0 {
		o.AuditRetentionDays = 90
	}
}

// CleanupResult summarizes one cleanup pass.
type CleanupResult struct {
	StepsDeleted  int64
	StepsArchived int64
	AuditsDeleted int64
}

// Cleaner enforces per-flow trace retention. Each flow's
// retention_days governs its own steps; audits age out on a fixed
// horizon. With an archiver configured, expired rows are uploaded
// before deletion.
type Cleaner struct {
	store    CleanupStore
	archiver Archiver
	opts     CleanerOptions
	log      *logrus.Entry
}

// NewCleaner creates a retention worker. archiver may be nil, expired
// rows are then deleted without export.
func NewCleaner(store CleanupStore, archiver Archiver, opts CleanerOptions) *Cleaner {
	opts.setDefaults()
	return &Cleaner{
		store:    store,
		archiver: archiver,
		opts:     opts,
		log:      common.ComponentLogger("trace-cleanup"),
	}
}

// Run executes cleanup passes until ctx is canceled. The first pass
// starts immediately.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		result, err := c.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("trace cleanup pass failed")
		} else if result.StepsDeleted > 0 || result.AuditsDeleted > 0 {
			c.log.WithFields(logrus.Fields{
				"steps_deleted":  result.StepsDeleted,
				"steps_archived": result.StepsArchived,
				"audits_deleted": result.AuditsDeleted,
			}).Info("trace cleanup pass complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single full cleanup pass: expired steps first,
// then expired audits. It keeps deleting batches until one comes back
// short, pausing between full batches.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	for {
		var deleted int64
		var archived int64
		var err error

		if c.archiver != nil {
			deleted, archived, err = c.archiveBatch(ctx)
		} else {
			deleted, err = c.store.DeleteExpiredBatch(ctx, c.opts.BatchSize)
		}
		if err != nil {
			return result, err
		}
		result.StepsDeleted += deleted
		result.StepsArchived += archived

		if deleted < int64(c.opts.BatchSize) {
			break
		}
		if !pause(ctx, c.opts.BatchPause) {
			return result, ctx.Err()
		}
	}

	for {
		deleted, err := c.store.DeleteExpiredAuditBatch(ctx, c.opts.AuditRetentionDays, c.opts.BatchSize)
		if err != nil {
			return result, err
		}
		result.AuditsDeleted += deleted

		if deleted < int64(c.opts.BatchSize) {
			break
		}
		if !pause(ctx, c.opts.BatchPause) {
			return result, ctx.Err()
		}
	}

	return result, nil
}

// archiveBatch uploads one batch of expired rows, then deletes exactly
// the rows it archived. Rows are only deleted after the upload
// succeeded.
func (c *Cleaner) archiveBatch(ctx context.Context) (deleted, archived int64, err error) {
	rows, err := c.store.FetchExpired(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, 0, nil
	}

	key, err := c.archiver.Archive(ctx, rows)
	if err != nil {
		return 0, 0, err
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	deleted, err = c.store.DeleteStepsByID(ctx, ids)
	if err != nil {
		return 0, int64(len(rows)), err
	}

	c.log.WithFields(logrus.Fields{
		"rows": len(rows),
		"key":  key,
	}).Debug("archived expired trace steps")

	return deleted, int64(len(rows)), nil
}

func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

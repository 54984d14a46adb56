package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
)

// DispatcherOptions tunes the outbox drain loop.
type DispatcherOptions struct {
	// PollInterval is the idle cadence. NOTIFY wakeups cut it short;
	// polling covers notifications lost while disconnected.
	PollInterval time.Duration

	// BatchSize rows are claimed per pass.
	BatchSize int

	// MaxBackoff caps the delay after failing passes.
	MaxBackoff time.Duration

	// Retention prunes delivered rows older than this.
	Retention time.Duration

	// PruneInterval is the pause between retention prunes.
	PruneInterval time.Duration
}

func (o *DispatcherOptions) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = time.Hour
	}
}

// Pruner is the retention surface of the outbox store.
type Pruner interface {
	TruncateDelivered(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Dispatcher drains the outbox: each pending row is published to every
// sink, fanned out to matching subscriptions, then marked delivered.
// Rows are processed oldest-first and a failing row stops the pass, so
// per-session order survives redelivery. Failed rows stay pending with
// a bumped attempt counter and are retried with exponential backoff.
type Dispatcher struct {
	source OutboxSource
	sinks  []Sink
	subs   SubscriptionSource
	queue  DeliveryQueue
	pruner Pruner
	opts   DispatcherOptions
	log    *logrus.Entry
	wake   chan struct{}
}

// NewDispatcher creates a dispatcher. subs and queue may be nil to
// disable webhook fan-out; pruner may be nil to disable retention.
func NewDispatcher(source OutboxSource, sinks []Sink, subs SubscriptionSource, queue DeliveryQueue, pruner Pruner, opts DispatcherOptions) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		source: source,
		sinks:  sinks,
		subs:   subs,
		queue:  queue,
		pruner: pruner,
		opts:   opts,
		log:    common.ComponentLogger("dispatcher"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake nudges the loop out of its poll sleep. Called from the NOTIFY
// listener so dispatch latency is bounded by the channel, not the
// poll interval. Safe from any goroutine; extra wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drains until ctx is canceled. Failing passes back off
// exponentially; a full batch triggers an immediate follow-up pass.
func (d *Dispatcher) Run(ctx context.Context) {
	prune := time.NewTicker(d.opts.PruneInterval)
	defer prune.Stop()

	delay := d.opts.PollInterval
	for {
		delivered, err := d.Drain(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.log.WithError(err).Error("dispatch pass failed")
			delay = minDuration(delay*2, d.opts.MaxBackoff)
		case delivered >= d.opts.BatchSize:
			// Backlog: keep draining without waiting for the ticker.
			delay = 0
		default:
			delay = d.opts.PollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-prune.C:
			d.pruneDelivered(ctx)
		case <-time.After(delay):
		}
	}
}

// Drain performs one pass over pending rows and returns how many were
// delivered. The first failing row aborts the pass.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	pending, err := d.source.FetchPending(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	subs, err := d.activeSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	for i, p := range pending {
		if err := d.dispatch(ctx, p, subs); err != nil {
			if markErr := d.source.MarkFailed(ctx, p.RowID, err); markErr != nil {
				d.log.WithError(markErr).Error("failed to record delivery failure")
			}
			return i, fmt.Errorf("failed to dispatch event %s: %w", p.Event.ID, err)
		}
		if err := d.source.MarkDelivered(ctx, p.RowID); err != nil {
			return i, fmt.Errorf("failed to mark event %s delivered: %w", p.Event.ID, err)
		}
	}

	d.log.WithField("count", len(pending)).Debug("dispatched outbox batch")
	return len(pending), nil
}

// dispatch publishes one event to every sink and enqueues webhook
// deliveries for matching subscriptions.
func (d *Dispatcher) dispatch(ctx context.Context, p *PendingEvent, subs []*subscriptionTarget) error {
	for _, sink := range d.sinks {
		if err := sink.Publish(ctx, p.Destination, p.Event); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}

	for _, sub := range subs {
		if !MatchesType(sub.filter, p.Event.Type) {
			continue
		}
		job := NewDeliveryJob(sub.id, sub.url, sub.secret, p.Event)
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("subscription %s: %w", sub.id, err)
		}
	}
	return nil
}

// subscriptionTarget is the slice of a subscription the dispatcher
// needs per event.
type subscriptionTarget struct {
	id     string
	filter string
	url    string
	secret string
}

// activeSubscriptions snapshots the registry once per pass.
func (d *Dispatcher) activeSubscriptions(ctx context.Context) ([]*subscriptionTarget, error) {
	if d.subs == nil || d.queue == nil {
		return nil, nil
	}

	subs, err := d.subs.ListSubscriptions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	targets := make([]*subscriptionTarget, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, &subscriptionTarget{
			id:     sub.ID,
			filter: sub.EventTypes,
			url:    sub.TargetURL,
			secret: sub.Secret,
		})
	}
	return targets, nil
}

func (d *Dispatcher) pruneDelivered(ctx context.Context) {
	if d.pruner == nil {
		return
	}
	removed, err := d.pruner.TruncateDelivered(ctx, d.opts.Retention)
	if err != nil {
		if ctx.Err() == nil {
			d.log.WithError(err).Error("failed to prune delivered events")
		}
		return
	}
	if removed > 0 {
		d.log.WithField("removed", removed).Info("pruned delivered outbox rows")
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

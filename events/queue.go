package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DeliveryJob is one webhook delivery owed to one subscription. The
// event payload is embedded so workers need no database access.
type DeliveryJob struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscription_id"`
	TargetURL      string    `json:"target_url"`
	Secret         string    `json:"secret,omitempty"`
	Event          *Event    `json:"event"`
	Attempts       int       `json:"attempts"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewDeliveryJob pairs an event with a subscription endpoint.
func NewDeliveryJob(subscriptionID, targetURL, secret string, event *Event) *DeliveryJob {
	return &DeliveryJob{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		TargetURL:      targetURL,
		Secret:         secret,
		Event:          event,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// DeliveryQueue hands jobs from the dispatcher to the delivery pool.
// Dequeue blocks up to timeout and returns (nil, nil) when nothing
// arrived.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, job *DeliveryJob) error
	Dequeue(ctx context.Context, timeout time.Duration) (*DeliveryJob, error)
}

// DefaultQueueKey is the redis list the delivery pool consumes.
const DefaultQueueKey = "flowd:deliveries"

// RedisQueue is a DeliveryQueue on a redis list, shared by every
// instance so deliveries survive the process that enqueued them.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a delivery queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultQueueKey
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue appends a job to the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery job: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}
	return nil
}

// Dequeue pops the next job, blocking up to timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*DeliveryJob, error) {
	result, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue delivery job: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job DeliveryJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode delivery job: %w", err)
	}
	return &job, nil
}

// Depth returns the number of queued jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

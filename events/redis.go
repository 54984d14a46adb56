package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
)

// RedisSink publishes events on a redis pub/sub channel. Subscribers
// see only what is published while they are connected; the outbox rail
// covers everything else.
type RedisSink struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client: client,
		log:    common.ComponentLogger("redis-sink"),
	}
}

// DialRedisSink connects to addr and verifies the connection.
func DialRedisSink(ctx context.Context, addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisSink(client), nil
}

// Name identifies the sink in dispatcher logs.
func (s *RedisSink) Name() string { return "redis" }

// Publish sends the event on the destination channel.
func (s *RedisSink) Publish(ctx context.Context, destination string, event *Event) error {
	if destination == "" {
		destination = DefaultChannel
	}

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := s.client.Publish(ctx, destination, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", destination, err)
	}

	s.log.WithFields(logrus.Fields{
		"channel":    destination,
		"event_type": event.Type,
		"event_id":   event.ID,
	}).Debug("published event")
	return nil
}

// Close releases the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Subscribe consumes the channel and forwards parsed events until ctx
// is canceled. Malformed payloads are logged and skipped. Used by the
// events tail command.
func (s *RedisSink) Subscribe(ctx context.Context, channel string, out chan<- *Event) error {
	if channel == "" {
		channel = DefaultChannel
	}

	sub := s.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Fails fast on a bad connection instead of on first receive.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			event, err := Parse([]byte(msg.Payload))
			if err != nil {
				s.log.WithError(err).Warn("skipping malformed event payload")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/events"
)

// EventHandler is called for every notification received on the channel.
type EventHandler func(event *events.Event)

// Listener subscribes to a PostgreSQL NOTIFY channel and dispatches
// parsed events to registered handlers. The connection is re-established
// after errors, so listeners survive database restarts; notifications
// sent while disconnected are lost, which is why durable consumers read
// the outbox instead.
type Listener struct {
	pool     *pgxpool.Pool
	channel  string
	handlers []EventHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	log      *logrus.Entry
}

// NewListener creates a LISTEN subscriber on the given channel.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	if channel == "" {
		channel = events.DefaultChannel
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		pool:     pool,
		channel:  channel,
		handlers: make([]EventHandler, 0),
		ctx:      ctx,
		cancel:   cancel,
		log:      common.ComponentLogger("listener"),
	}
}

// OnEvent registers a handler. Handlers run on their own goroutine per
// event and must not block the listener.
func (l *Listener) OnEvent(handler EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// Start begins listening for notifications.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()

	go l.listenLoop()
	return nil
}

// Stop stops listening for notifications.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	l.running = false
	l.cancel()
}

// listenLoop maintains the LISTEN connection with reconnection support.
func (l *Listener) listenLoop() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			if err := l.listen(); err != nil {
				l.log.WithError(err).Warn("listen error, reconnecting in 1s")
				select {
				case <-l.ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
		}
	}
}

// listen pins a connection, issues LISTEN and processes notifications
// until the connection fails or the listener stops.
func (l *Listener) listen() error {
	conn, err := l.pool.Acquire(l.ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(l.ctx, fmt.Sprintf("LISTEN %s", l.channel))
	if err != nil {
		return fmt.Errorf("failed to start LISTEN: %w", err)
	}

	l.log.WithField("channel", l.channel).Info("listening for events")

	for {
		notification, err := conn.Conn().WaitForNotification(l.ctx)
		if err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}

		event, err := events.Parse([]byte(notification.Payload))
		if err != nil {
			l.log.WithError(err).Warn("failed to parse notification payload")
			continue
		}

		l.dispatch(event)
	}
}

// dispatch sends the event to all registered handlers.
func (l *Listener) dispatch(event *events.Event) {
	l.mu.RLock()
	handlers := make([]EventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

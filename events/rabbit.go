package events

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"flow.evalgo.org/common"
)

// AMQPConnection abstracts the broker connection so tests can inject
// mocks.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the publish channel.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPDialer opens broker connections.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "flow.events"

// AMQPSink publishes events to a durable topic exchange with the event
// type as routing key, so consumers bind queues per type pattern
// ("session_*", "#").
type AMQPSink struct {
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
	log        *logrus.Entry
}

// NewAMQPSink connects to the broker and declares the exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	return NewAMQPSinkWithDialer(url, exchange, &realAMQPDialer{})
}

// NewAMQPSinkWithDialer is the injection point for tests.
func NewAMQPSinkWithDialer(url, exchange string, dialer AMQPDialer) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable so the exchange and its bindings survive broker restarts.
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPSink{
		connection: conn,
		channel:    ch,
		exchange:   exchange,
		log:        common.ComponentLogger("amqp-sink"),
	}, nil
}

// Name identifies the sink in dispatcher logs.
func (s *AMQPSink) Name() string { return "rabbitmq" }

// Publish routes the event by its type. The destination parameter is
// unused; AMQP consumers select events through queue bindings instead.
func (s *AMQPSink) Publish(_ context.Context, _ string, event *Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.channel.Publish(
		s.exchange, // exchange
		event.Type, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"exchange":   s.exchange,
		"event_type": event.Type,
		"event_id":   event.ID,
	}).Debug("published event")
	return nil
}

// Close closes the channel and the connection.
func (s *AMQPSink) Close() error {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.connection != nil {
		s.connection.Close()
	}
	return nil
}

// realAMQPDialer connects through the streadway driver.
type realAMQPDialer struct{}

func (realAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realAMQPConnection{conn: conn}, nil
}

type realAMQPConnection struct {
	conn *amqp.Connection
}

func (r *realAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *realAMQPConnection) Close() error {
	return r.conn.Close()
}

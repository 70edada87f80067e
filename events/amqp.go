package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// AMQPConnection abstracts the broker connection so tests can inject
// mock implementations.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel abstracts the broker channel operations the bus needs.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// AMQPDialer abstracts connection establishment.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPConnection wraps an amqp.Connection.
type RealAMQPConnection struct {
	conn *amqp.Connection
}

func (r *RealAMQPConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &RealAMQPChannel{ch: ch}, nil
}

func (r *RealAMQPConnection) Close() error {
	return r.conn.Close()
}

// RealAMQPChannel wraps an amqp.Channel.
type RealAMQPChannel struct {
	ch *amqp.Channel
}

func (r *RealAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return r.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (r *RealAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *RealAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return r.ch.QueueBind(name, key, exchange, noWait, args)
}

func (r *RealAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *RealAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return r.ch.Consume(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

func (r *RealAMQPChannel) Close() error {
	return r.ch.Close()
}

// RealAMQPDialer dials with the real AMQP library.
type RealAMQPDialer struct{}

func (r *RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &RealAMQPConnection{conn: conn}, nil
}

// AMQPBus extends the in-process bus across nodes through a topic
// exchange. Publish returns once the broker has the message; delivery
// is at-least-once and unordered across nodes. Local subscribers are
// reached through the consume loop like everyone else's.
type AMQPBus struct {
	*Bus

	url      string
	exchange string

	connection AMQPConnection
	channel    AMQPChannel
	deliveries <-chan amqp.Delivery
	done       chan struct{}
}

// NewAMQPBus connects to the broker at url and declares the durable
// topic exchange.
func NewAMQPBus(url, exchange string, local *Bus) (*AMQPBus, error) {
	return NewAMQPBusWithDialer(url, exchange, local, &RealAMQPDialer{})
}

// NewAMQPBusWithDialer creates the bus with an injected dialer.
func NewAMQPBusWithDialer(url, exchange string, local *Bus, dialer AMQPDialer) (*AMQPBus, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if local == nil {
		local = NewBus()
	}

	return &AMQPBus{
		Bus:        local,
		url:        url,
		exchange:   exchange,
		connection: conn,
		channel:    ch,
		done:       make(chan struct{}),
	}, nil
}

// Publish serializes the event and hands it to the broker with
// persistent delivery. The event comes back to local subscribers
// through the consume loop.
func (a *AMQPBus) Publish(ctx context.Context, name string, payload map[string]interface{}, callContext map[string]interface{}) error {
	evt := a.buildEvent(name, payload, callContext)

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = a.channel.Publish(
		a.exchange, // exchange
		evt.Name,   // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    evt.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Initialize declares this node's queue, binds it to every topic and
// starts the consume loop.
func (a *AMQPBus) Initialize(ctx context.Context) error {
	q, err := a.channel.QueueDeclare(
		"",    // server-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := a.channel.QueueBind(q.Name, "#", a.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := a.channel.Consume(
		q.Name, // queue
		"",     // consumer tag
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	a.deliveries = deliveries

	go a.consume()
	return nil
}

func (a *AMQPBus) consume() {
	for {
		select {
		case <-a.done:
			return
		case d, ok := <-a.deliveries:
			if !ok {
				a.logger.Warn("broker delivery channel closed")
				return
			}
			a.handleDelivery(d)
		}
	}
}

func (a *AMQPBus) handleDelivery(d amqp.Delivery) {
	var evt Event
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		a.logger.WithError(err).Error("failed to decode broker event")
		a.ack(d)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Dispatch(ctx, evt)
	a.ack(d)
}

func (a *AMQPBus) ack(d amqp.Delivery) {
	if d.Acknowledger == nil {
		return
	}
	if err := d.Ack(false); err != nil {
		a.logger.WithError(err).Warn("failed to ack delivery")
	}
}

// Shutdown stops the consume loop and closes the channel and
// connection. Nil handles are tolerated.
func (a *AMQPBus) Shutdown(ctx context.Context) error {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	if a.channel != nil {
		a.channel.Close()
	}
	if a.connection != nil {
		a.connection.Close()
	}
	return nil
}

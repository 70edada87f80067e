package events

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock AMQPConnection for tests.
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock AMQPChannel for tests. Published messages
// are recorded for verification; Deliveries feeds the consume loop.
type MockAMQPChannel struct {
	PublishedMessages []amqp.Publishing
	PublishedKeys     []string
	Deliveries        chan amqp.Delivery

	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	PublishErr         error
	ConsumeErr         error
	CloseErr           error

	ExchangeDeclareCalled bool
	QueueDeclareCalled    bool
	QueueBindCalled       bool
	PublishCalled         bool
	ConsumeCalled         bool
	CloseCalled           bool

	LastExchange     string
	LastExchangeKind string
	LastQueueName    string
	LastBindKey      string
	LastKey          string
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.ExchangeDeclareCalled = true
	m.LastExchange = name
	m.LastExchangeKind = kind
	return m.ExchangeDeclareErr
}

func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	if name == "" {
		name = "amq.gen-mock"
	}
	m.LastQueueName = name
	return amqp.Queue{Name: name}, nil
}

func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.QueueBindCalled = true
	m.LastBindKey = key
	return m.QueueBindErr
}

func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery, 16)
	}
	return m.Deliveries, nil
}

func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock AMQPDialer for tests.
type MockAMQPDialer struct {
	MockConnection AMQPConnection
	DialErr        error

	DialCalled bool
	LastURL    string
}

func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest wires a dialer, connection and channel that
// succeed on every operation.
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	ch := &MockAMQPChannel{Deliveries: make(chan amqp.Delivery, 16)}
	conn := &MockAMQPConnection{MockChannel: ch}
	return &MockAMQPDialer{MockConnection: conn}, ch, conn
}

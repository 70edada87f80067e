package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAMQPBusDeclaresTopicExchange(t *testing.T) {
	dialer, ch, _ := SetupMockDialerForTest()

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "driveline.events", NewBus(), dialer)
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())

	assert.True(t, dialer.DialCalled)
	assert.Equal(t, "amqp://localhost", dialer.LastURL)
	assert.True(t, ch.ExchangeDeclareCalled)
	assert.Equal(t, "driveline.events", ch.LastExchange)
	assert.Equal(t, "topic", ch.LastExchangeKind)
}

func TestNewAMQPBusDialFailure(t *testing.T) {
	dialer := &MockAMQPDialer{DialErr: errors.New("refused")}

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "x", NewBus(), dialer)
	assert.Error(t, err)
	assert.Nil(t, bus)
}

func TestNewAMQPBusChannelFailureClosesConnection(t *testing.T) {
	conn := &MockAMQPConnection{ChannelErr: errors.New("no channel")}
	dialer := &MockAMQPDialer{MockConnection: conn}

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "x", NewBus(), dialer)
	assert.Error(t, err)
	assert.Nil(t, bus)
	assert.True(t, conn.CloseCalled)
}

func TestNewAMQPBusExchangeFailureCleansUp(t *testing.T) {
	ch := &MockAMQPChannel{ExchangeDeclareErr: errors.New("denied")}
	conn := &MockAMQPConnection{MockChannel: ch}
	dialer := &MockAMQPDialer{MockConnection: conn}

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "x", NewBus(), dialer)
	assert.Error(t, err)
	assert.Nil(t, bus)
	assert.True(t, ch.CloseCalled)
	assert.True(t, conn.CloseCalled)
}

func TestAMQPPublishRoutesByTopic(t *testing.T) {
	dialer, ch, _ := SetupMockDialerForTest()
	bus, err := NewAMQPBusWithDialer("amqp://localhost", "driveline.events", NewBus(), dialer)
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())

	err = bus.Publish(context.Background(), "security.token_revoked",
		map[string]interface{}{"jti": "abc"}, nil)
	require.NoError(t, err)

	require.Len(t, ch.PublishedMessages, 1)
	assert.Equal(t, "security.token_revoked", ch.LastKey)
	assert.Equal(t, "driveline.events", ch.LastExchange)

	msg := ch.PublishedMessages[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)

	var evt Event
	require.NoError(t, json.Unmarshal(msg.Body, &evt))
	assert.Equal(t, "security.token_revoked", evt.Name)
	assert.Equal(t, "abc", evt.Data["jti"])
}

func TestAMQPPublishError(t *testing.T) {
	dialer, ch, _ := SetupMockDialerForTest()
	ch.PublishErr = errors.New("broker gone")

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "x", NewBus(), dialer)
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())

	err = bus.Publish(context.Background(), "t", nil, nil)
	assert.Error(t, err)
}

func TestAMQPInitializeBindsAllTopics(t *testing.T) {
	dialer, ch, _ := SetupMockDialerForTest()
	bus, err := NewAMQPBusWithDialer("amqp://localhost", "driveline.events", NewBus(), dialer)
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())

	require.NoError(t, bus.Initialize(context.Background()))

	assert.True(t, ch.QueueDeclareCalled)
	assert.True(t, ch.QueueBindCalled)
	assert.Equal(t, "#", ch.LastBindKey)
	assert.True(t, ch.ConsumeCalled)
}

func TestInboundDeliveryReachesLocalSubscribers(t *testing.T) {
	dialer, ch, _ := SetupMockDialerForTest()
	local := NewBus()

	received := make(chan Event, 1)
	local.Subscribe("sync.completed", func(ctx context.Context, evt Event) error {
		received <- evt
		return nil
	})

	bus, err := NewAMQPBusWithDialer("amqp://localhost", "driveline.events", local, dialer)
	require.NoError(t, err)
	defer bus.Shutdown(context.Background())
	require.NoError(t, bus.Initialize(context.Background()))

	body, _ := json.Marshal(Event{
		Name:      "sync.completed",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"kind": "products"},
	})
	ch.Deliveries <- amqp.Delivery{Body: body}

	select {
	case evt := <-received:
		assert.Equal(t, "products", evt.Data["kind"])
	case <-time.After(time.Second):
		t.Fatal("delivery never dispatched")
	}
}

func TestShutdownClosesChannelAndConnection(t *testing.T) {
	dialer, ch, conn := SetupMockDialerForTest()
	bus, err := NewAMQPBusWithDialer("amqp://localhost", "x", NewBus(), dialer)
	require.NoError(t, err)

	require.NoError(t, bus.Shutdown(context.Background()))
	assert.True(t, ch.CloseCalled)
	assert.True(t, conn.CloseCalled)

	// Second shutdown is harmless.
	assert.NoError(t, bus.Shutdown(context.Background()))
}

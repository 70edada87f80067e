package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversPayloadUnderData(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe("product.updated", func(ctx context.Context, evt Event) error {
		got = evt
		return nil
	})

	err := bus.Publish(context.Background(), "product.updated",
		map[string]interface{}{"id": "p1", "sku": "AX-100"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "product.updated", got.Name)
	assert.Equal(t, "p1", got.Data["id"])
	assert.Equal(t, "AX-100", got.Data["sku"])
	assert.False(t, got.Timestamp.IsZero(), "timestamp is stamped when absent")
}

func TestPublishMergesContexts(t *testing.T) {
	bus := NewBus()
	bus.SetDefaultContext(map[string]interface{}{
		"service": "driveline",
		"env":     "test",
	})

	var got Event
	bus.Subscribe("sync.started", func(ctx context.Context, evt Event) error {
		got = evt
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), "sync.started",
		map[string]interface{}{"kind": "products"},
		map[string]interface{}{"env": "override", "request_id": "r1"}))

	assert.Equal(t, "driveline", got.Context["service"])
	assert.Equal(t, "override", got.Context["env"], "call context wins over defaults")
	assert.Equal(t, "r1", got.Context["request_id"])
	assert.Equal(t, "products", got.Data["kind"])
}

func TestCallerTimestampIsKept(t *testing.T) {
	bus := NewBus()
	want := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var got Event
	bus.Subscribe("t", func(ctx context.Context, evt Event) error {
		got = evt
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), "t", nil,
		map[string]interface{}{"timestamp": want}))
	assert.Equal(t, want, got.Timestamp)
	_, leaked := got.Context["timestamp"]
	assert.False(t, leaked, "timestamp is lifted out of the context map")
}

func TestHandlerErrorDoesNotStopOtherSubscribers(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		order = append(order, "first")
		return errors.New("first failed")
	})
	bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		order = append(order, "second")
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), "x", nil, nil))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	bus := NewBus()

	reached := false
	bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		panic("handler bug")
	})
	bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		reached = true
		return nil
	})

	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), "x", nil, nil)
	})
	assert.True(t, reached)
}

func TestFilterSkipsEvents(t *testing.T) {
	bus := NewBus()

	seen := 0
	bus.Subscribe("msg", func(ctx context.Context, evt Event) error {
		seen++
		return nil
	}, WithFilter(func(evt Event) bool {
		return evt.Data["room"] == "r1"
	}))

	_ = bus.Publish(context.Background(), "msg", map[string]interface{}{"room": "r1"}, nil)
	_ = bus.Publish(context.Background(), "msg", map[string]interface{}{"room": "r2"}, nil)
	_ = bus.Publish(context.Background(), "msg", map[string]interface{}{"room": "r1"}, nil)

	assert.Equal(t, 2, seen)
}

func TestAsyncHandlerRunsOffPublishGoroutine(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe("bg", func(ctx context.Context, evt Event) error {
		defer wg.Done()
		return nil
	}, Async())

	require.NoError(t, bus.Publish(context.Background(), "bg", nil, nil))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsub := bus.Subscribe("x", func(ctx context.Context, evt Event) error {
		calls++
		return nil
	})

	_ = bus.Publish(context.Background(), "x", nil, nil)
	unsub()
	_ = bus.Publish(context.Background(), "x", nil, nil)

	assert.Equal(t, 1, calls)
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()

	var aCalls, bCalls int
	bus.Subscribe("a", func(ctx context.Context, evt Event) error { aCalls++; return nil })
	bus.Subscribe("b", func(ctx context.Context, evt Event) error { bCalls++; return nil })

	_ = bus.Publish(context.Background(), "a", nil, nil)

	assert.Equal(t, 1, aCalls)
	assert.Equal(t, 0, bCalls)
}

// Package events provides the publish/subscribe fabric. The default
// in-process bus dispatches on the publishing goroutine and isolates
// handler failures; an AMQP backend extends delivery across nodes with
// at-least-once semantics.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/metrics"
)

// Topics published by the platform itself.
const (
	TopicTokenRevoked     = "security.token_revoked"
	TopicPermissionDenied = "permission.denied"
	TopicObjectDenied     = "permission.object_denied"
	TopicSyncStarted      = "sync.started"
	TopicSyncCompleted    = "sync.completed"
	TopicSyncFailed       = "sync.failed"
	TopicMessageSent      = "chat.message_sent"
	TopicMessageDeleted   = "chat.message_deleted"
	TopicUserLockedOut    = "security.user_locked_out"
	TopicSuspiciousInput  = "security.suspicious_content"
)

// Event is the envelope every publication travels in. Payload always
// sits under Data; Context carries process and per-call metadata.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes one event. Returned errors are logged and counted
// but never reach other subscribers.
type Handler func(ctx context.Context, evt Event) error

// Filter decides whether a subscription sees an event.
type Filter func(evt Event) bool

// Publisher is the narrow interface components publish through, so
// they do not care whether delivery is local or brokered.
type Publisher interface {
	Publish(ctx context.Context, name string, payload map[string]interface{}, callContext map[string]interface{}) error
}

type subscription struct {
	id      int64
	handler Handler
	filter  Filter
	async   bool
}

// SubscribeOption tunes a subscription.
type SubscribeOption func(*subscription)

// Async runs the handler on its own goroutine instead of the
// publishing goroutine.
func Async() SubscribeOption {
	return func(s *subscription) { s.async = true }
}

// WithFilter skips events the predicate rejects.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// Bus is the in-process event bus. Dispatch is deterministic within a
// process: synchronous handlers run in subscription order on the
// publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID int64

	defaultContext map[string]interface{}
	logger         *common.ContextLogger
	metrics        *metrics.Service
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: common.ServiceLogger("events"),
	}
}

// Name identifies this service in the registry.
func (b *Bus) Name() string { return "events" }

// SetMetrics attaches best-effort metrics.
func (b *Bus) SetMetrics(m *metrics.Service) { b.metrics = m }

// SetDefaultContext sets process-wide fields merged into every event's
// context, e.g. service name and environment.
func (b *Bus) SetDefaultContext(ctx map[string]interface{}) {
	b.mu.Lock()
	b.defaultContext = ctx
	b.mu.Unlock()
}

// Subscribe registers a handler for a topic and returns its
// unsubscribe func.
func (b *Bus) Subscribe(topic string, h Handler, opts ...SubscribeOption) func() {
	sub := &subscription{handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish assembles the event envelope and dispatches it. The
// envelope's context is default context overlaid with callContext;
// payload lands under Data; a timestamp is stamped if the caller did
// not provide one via callContext["timestamp"].
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]interface{}, callContext map[string]interface{}) error {
	evt := b.buildEvent(name, payload, callContext)
	b.Dispatch(ctx, evt)
	return nil
}

func (b *Bus) buildEvent(name string, payload, callContext map[string]interface{}) Event {
	b.mu.RLock()
	defaults := b.defaultContext
	b.mu.RUnlock()

	merged := make(map[string]interface{}, len(defaults)+len(callContext))
	for k, v := range defaults {
		merged[k] = v
	}
	ts := time.Now().UTC()
	for k, v := range callContext {
		if k == "timestamp" {
			if t, ok := v.(time.Time); ok {
				ts = t
				continue
			}
		}
		merged[k] = v
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return Event{
		Name:      name,
		Timestamp: ts,
		Context:   merged,
		Data:      payload,
	}
}

// Dispatch delivers an already-assembled event to local subscribers.
// The AMQP backend calls this for inbound broker messages.
func (b *Bus) Dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[evt.Name]))
	copy(subs, b.subs[evt.Name])
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.TrackEvent(evt.Name)
	}

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		if sub.async {
			go b.invoke(ctx, sub, evt)
		} else {
			b.invoke(ctx, sub, evt)
		}
	}
}

// invoke runs one handler with panic recovery and timing. Failures
// are logged and counted; they never cross subscriber boundaries.
func (b *Bus) invoke(ctx context.Context, sub *subscription, evt Event) {
	logger := b.logger.WithField("topic", evt.Name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("event handler panicked")
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		logger.WithError(err).WithField("elapsed", time.Since(start).String()).
			Error("event handler failed")
		if b.metrics != nil {
			b.metrics.TrackServiceCall("events", "handle:"+evt.Name, false, time.Since(start))
		}
		return
	}
	if b.metrics != nil {
		b.metrics.TrackServiceCall("events", "handle:"+evt.Name, true, time.Since(start))
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/drivelinehq/driveline/common"
)

const (
	roomChannelPrefix  = "chat:room:"
	roomChannelPattern = "chat:room:*"
)

// RoomChannel is the Redis channel carrying a room's frames.
func RoomChannel(roomID string) string { return roomChannelPrefix + roomID }

// envelope is the cross-node wire format. Node lets a subscriber skip
// its own publications; Origin excludes the originating connection if
// it happens to live on the receiving node.
type envelope struct {
	Node   string          `json:"node"`
	Origin string          `json:"origin,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Bridge fans room frames out across nodes over Redis pub/sub. One
// subscriber goroutine per process covers every room via a pattern
// subscription.
type Bridge struct {
	client  *redis.Client
	manager *Manager
	nodeID  string
	logger  *common.ContextLogger

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewBridge(client *redis.Client, manager *Manager) *Bridge {
	return &Bridge{
		client:  client,
		manager: manager,
		nodeID:  uuid.NewString(),
		logger:  common.ServiceLogger("realtime.bridge"),
		done:    make(chan struct{}),
	}
}

// Start opens the pattern subscription and begins delivering remote
// frames to local room sets.
func (b *Bridge) Start(ctx context.Context) error {
	b.pubsub = b.client.PSubscribe(ctx, roomChannelPattern)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return err
	}

	go b.listen()
	b.logger.WithField("node_id", b.nodeID).Info("Realtime bridge subscribed")
	return nil
}

func (b *Bridge) listen() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		b.deliver(msg.Channel, []byte(msg.Payload))
	}
}

func (b *Bridge) deliver(channel string, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.WithError(err).Warn("Dropping malformed bridge envelope")
		return
	}
	if env.Node == b.nodeID {
		return
	}

	roomID := strings.TrimPrefix(channel, roomChannelPrefix)
	for _, conn := range b.manager.ConnectionsInRoom(roomID, env.Origin) {
		conn.Send(env.Frame)
	}
}

// Publish ships a frame to every other node carrying the room.
func (b *Bridge) Publish(ctx context.Context, roomID string, frame []byte, origin string) {
	env := envelope{Node: b.nodeID, Origin: origin, Frame: frame}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to encode bridge envelope")
		return
	}
	if err := b.client.Publish(ctx, RoomChannel(roomID), payload).Err(); err != nil {
		b.logger.WithError(err).WithField("room_id", roomID).Warn("Failed to publish room frame")
	}
}

// Stop closes the subscription and waits for the listener to drain.
func (b *Bridge) Stop() {
	if b.pubsub == nil {
		return
	}
	if err := b.pubsub.Close(); err != nil {
		b.logger.WithError(err).Debug("Pubsub close failed")
	}
	<-b.done
}

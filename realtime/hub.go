package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/chat"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/metrics"
)

const (
	defaultFrameLimit  = 50
	defaultFrameWindow = 60 * time.Second
)

// FrameRateKey is the cache counter behind the per-user frame
// limiter.
func FrameRateKey(userID string) string { return "rate:ws:" + userID }

// Hub owns the connection lifecycle and dispatches the command
// protocol onto the chat repositories. One hub per process.
type Hub struct {
	manager  *Manager
	chat     *chat.Service
	cache    *cache.Service
	presence *Presence
	bridge   *Bridge
	cfg      config.ChatConfig
	metrics  *metrics.Service
	logger   *common.ContextLogger
}

func NewHub(chatSvc *chat.Service, c *cache.Service, cfg config.ChatConfig) *Hub {
	return &Hub{
		manager:  NewManager(),
		chat:     chatSvc,
		cache:    c,
		presence: NewPresence(c, cfg.PresenceTTL),
		cfg:      cfg,
		logger:   common.ServiceLogger("realtime"),
	}
}

func (h *Hub) Name() string { return "realtime" }

// Manager exposes the connection index to the API layer.
func (h *Hub) Manager() *Manager { return h.manager }

// Presence exposes the presence tracker.
func (h *Hub) Presence() *Presence { return h.presence }

// SetBridge attaches the cross-node fan-out. Without one, broadcast
// stays node-local.
func (h *Hub) SetBridge(b *Bridge) { h.bridge = b }

// SetMetrics attaches the metrics service.
func (h *Hub) SetMetrics(m *metrics.Service) { h.metrics = m }

// Initialize starts the bridge subscriber when a bridge is attached.
func (h *Hub) Initialize(ctx context.Context) error {
	if h.bridge != nil {
		if err := h.bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start realtime bridge: %w", err)
		}
	}
	return nil
}

// Shutdown closes every connection and stops the bridge.
func (h *Hub) Shutdown(_ context.Context) error {
	for _, c := range h.manager.Connections() {
		c.Close()
	}
	if h.bridge != nil {
		h.bridge.Stop()
	}
	return nil
}

// HandleConnection adopts an upgraded socket: registers it, marks the
// user online, confirms with a connected frame and starts the pumps.
func (h *Hub) HandleConnection(sock socket, userID string) *Conn {
	c := newConn(sock, userID, h)
	h.manager.Register(c)
	h.presence.SetOnline(context.Background(), userID)
	if h.metrics != nil {
		h.metrics.TrackWSConnection(1)
	}

	c.SendFrame(eventFrame(FrameConnected, map[string]interface{}{
		"connection_id": c.ID,
		"user_id":       userID,
	}))

	go c.writePump()
	go c.readPump()

	h.logger.WithFields(map[string]interface{}{
		"conn_id": c.ID,
		"user_id": userID,
	}).Info("WebSocket connected")
	return c
}

// disconnect is the single exit path for a connection.
func (h *Hub) disconnect(c *Conn) {
	c.Close()
	h.manager.Unregister(c.ID)
	if h.metrics != nil {
		h.metrics.TrackWSConnection(-1)
	}

	// Only flip presence when this was the user's last local
	// connection; other nodes re-assert their own via heartbeat.
	if !h.manager.IsUserOnlineLocal(c.UserID) {
		h.presence.SetOffline(context.Background(), c.UserID)
	}

	h.logger.WithFields(map[string]interface{}{
		"conn_id": c.ID,
		"user_id": c.UserID,
	}).Info("WebSocket disconnected")
}

func (h *Hub) refreshPresence(userID string) {
	h.presence.SetOnline(context.Background(), userID)
}

func (h *Hub) metricsWSMessage(direction string) {
	if h.metrics != nil {
		h.metrics.TrackWSMessage(direction, "frame")
	}
}

// handleFrame is the inbound dispatcher: rate limit, parse, route.
// Precondition failures answer the originating socket with a single
// error frame and never broadcast.
func (h *Hub) handleFrame(c *Conn, data []byte) {
	ctx := context.Background()

	if !h.admitFrame(ctx, c) {
		c.SendFrame(errorFrame("Rate limit exceeded"))
		return
	}
	h.presence.SetOnline(ctx, c.UserID)

	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.SendFrame(errorFrame("invalid frame"))
		return
	}
	if h.metrics != nil {
		h.metrics.TrackWSMessage("in", frame.Command)
	}

	var err error
	switch frame.Command {
	case CmdJoinRoom:
		err = h.handleJoinRoom(ctx, c, &frame)
	case CmdLeaveRoom:
		err = h.handleLeaveRoom(ctx, c, &frame)
	case CmdSendMessage:
		err = h.handleSendMessage(ctx, c, &frame)
	case CmdReadMessages:
		err = h.handleReadMessages(ctx, c, &frame)
	case CmdTypingStart, CmdTypingStop:
		err = h.handleTyping(ctx, c, &frame)
	case CmdFetchHistory:
		err = h.handleFetchHistory(ctx, c, &frame)
	case CmdAddReaction, CmdRemoveReaction:
		err = h.handleReaction(ctx, c, &frame)
	case CmdEditMessage:
		err = h.handleEditMessage(ctx, c, &frame)
	case CmdDeleteMessage:
		err = h.handleDeleteMessage(ctx, c, &frame)
	default:
		err = errs.Validation(fmt.Sprintf("unknown command %q", frame.Command), nil)
	}

	if err != nil {
		c.SendFrame(errorFrame(errorMessage(err)))
	}
}

// admitFrame charges the per-user frame budget. Counter failures
// admit the frame; a broken cache should not silence every client.
func (h *Hub) admitFrame(ctx context.Context, c *Conn) bool {
	if h.cache == nil {
		return true
	}
	limit := h.cfg.FrameRateLimit
	if limit <= 0 {
		limit = defaultFrameLimit
	}
	window := h.cfg.FrameRateWindow
	if window <= 0 {
		window = defaultFrameWindow
	}

	count, err := h.cache.Increment(ctx, FrameRateKey(c.UserID), window)
	if err != nil {
		h.logger.WithError(err).Warn("Frame limiter unavailable, admitting frame")
		return true
	}
	return count <= int64(limit)
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	if roomID == "" {
		return errs.Validation("room_id is required", nil)
	}

	member, err := h.chat.Members.FindByRoomAndUser(ctx, roomID, c.UserID)
	if err != nil {
		return err
	}
	room, err := h.chat.Rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	h.manager.JoinRoom(c.ID, roomID)
	c.SendFrame(eventFrame(FrameRoomJoined, map[string]interface{}{
		"room": room,
		"role": member.Role,
	}))
	h.broadcastToRoom(ctx, roomID, eventFrame(FrameUserJoined, map[string]interface{}{
		"room_id": roomID,
		"user_id": c.UserID,
	}), c.ID)
	return nil
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	if roomID == "" {
		return errs.Validation("room_id is required", nil)
	}

	h.manager.LeaveRoom(c.ID, roomID)
	c.SendFrame(eventFrame(FrameRoomLeft, map[string]interface{}{"room_id": roomID}))
	h.broadcastToRoom(ctx, roomID, eventFrame(FrameUserLeft, map[string]interface{}{
		"room_id": roomID,
		"user_id": c.UserID,
	}), c.ID)
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	if roomID == "" {
		return errs.Validation("room_id is required", nil)
	}
	content := stringField(f.Data, "content")
	msgType := stringField(f.Data, "type")
	var metadata chat.JSONMap
	if m := mapField(f.Data, "metadata"); m != nil {
		metadata = chat.JSONMap(m)
	}

	view, err := h.chat.Messages.SendMessage(ctx, roomID, c.UserID, content, msgType, metadata)
	if err != nil {
		return err
	}

	// Echo to the sender before fanning out, so the sender's client
	// sees its own message first.
	c.SendFrame(eventFrame(FrameMessageSent, view))
	h.broadcastToRoom(ctx, roomID, eventFrame(FrameNewMessage, view), c.ID)
	return nil
}

func (h *Hub) handleReadMessages(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	lastReadID := stringField(f.Data, "last_read_id")
	if roomID == "" || lastReadID == "" {
		return errs.Validation("room_id and last_read_id are required", nil)
	}

	msg, err := h.chat.Messages.GetMessage(ctx, lastReadID)
	if err != nil {
		return err
	}
	if msg.RoomID != roomID {
		return errs.NotFound("message", lastReadID)
	}

	if err := h.chat.Members.UpdateLastRead(ctx, roomID, c.UserID, &msg.CreatedAt); err != nil {
		return err
	}
	c.SendFrame(eventFrame(FrameMessagesRead, map[string]interface{}{
		"room_id":      roomID,
		"last_read_id": lastReadID,
	}))
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	if roomID == "" {
		return errs.Validation("room_id is required", nil)
	}
	if _, err := h.chat.Members.FindByRoomAndUser(ctx, roomID, c.UserID); err != nil {
		return err
	}

	frameType := FrameTypingStart
	if f.Command == CmdTypingStop {
		frameType = FrameTypingStop
	}
	h.broadcastToRoom(ctx, roomID, eventFrame(frameType, map[string]interface{}{
		"room_id": roomID,
		"user_id": c.UserID,
	}), c.ID)
	return nil
}

func (h *Hub) handleFetchHistory(ctx context.Context, c *Conn, f *ClientFrame) error {
	roomID := frameRoomID(f)
	if roomID == "" {
		return errs.Validation("room_id is required", nil)
	}
	if _, err := h.chat.Members.FindByRoomAndUser(ctx, roomID, c.UserID); err != nil {
		return err
	}

	limit := intField(f.Data, "limit")
	beforeID := stringField(f.Data, "before_id")
	messages, err := h.chat.Messages.GetRoomMessages(ctx, roomID, limit, beforeID, false)
	if err != nil {
		return err
	}

	c.SendFrame(eventFrame(FrameHistory, map[string]interface{}{
		"room_id":  roomID,
		"messages": messages,
	}))
	return nil
}

func (h *Hub) handleReaction(ctx context.Context, c *Conn, f *ClientFrame) error {
	messageID := stringField(f.Data, "message_id")
	emoji := stringField(f.Data, "emoji")
	if messageID == "" || emoji == "" {
		return errs.Validation("message_id and emoji are required", nil)
	}

	msg, err := h.chat.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := h.chat.Members.FindByRoomAndUser(ctx, msg.RoomID, c.UserID); err != nil {
		return err
	}

	frameType := FrameReactionAdded
	if f.Command == CmdRemoveReaction {
		if err := h.chat.Reactions.RemoveReaction(ctx, messageID, c.UserID, emoji); err != nil {
			return err
		}
		frameType = FrameReactionRemoved
	} else {
		if _, err := h.chat.Reactions.AddReaction(ctx, messageID, c.UserID, emoji); err != nil {
			return err
		}
	}

	h.broadcastToRoom(ctx, msg.RoomID, eventFrame(frameType, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"user_id":    c.UserID,
		"emoji":      emoji,
	}), "")
	return nil
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Conn, f *ClientFrame) error {
	messageID := stringField(f.Data, "message_id")
	content := stringField(f.Data, "content")
	if messageID == "" {
		return errs.Validation("message_id is required", nil)
	}

	view, err := h.chat.Messages.EditMessage(ctx, messageID, content, c.UserID)
	if err != nil {
		return err
	}

	h.broadcastToRoom(ctx, view.RoomID, eventFrame(FrameMessageEdited, view), "")
	return nil
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Conn, f *ClientFrame) error {
	messageID := stringField(f.Data, "message_id")
	if messageID == "" {
		return errs.Validation("message_id is required", nil)
	}

	msg, err := h.chat.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := h.chat.Messages.DeleteMessage(ctx, messageID, c.UserID); err != nil {
		return err
	}

	h.broadcastToRoom(ctx, msg.RoomID, eventFrame(FrameMessageDeleted, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"deleted_by": c.UserID,
	}), "")
	return nil
}

// broadcastToRoom fans a frame out to the local room set and, through
// the bridge, to every other node.
func (h *Hub) broadcastToRoom(ctx context.Context, roomID string, frame ServerFrame, exclude string) {
	data, err := encodeFrame(frame)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode broadcast frame")
		return
	}
	for _, conn := range h.manager.ConnectionsInRoom(roomID, exclude) {
		conn.Send(data)
	}
	if h.bridge != nil {
		h.bridge.Publish(ctx, roomID, data, exclude)
	}
}

func frameRoomID(f *ClientFrame) string {
	if f.RoomID != "" {
		return f.RoomID
	}
	return stringField(f.Data, "room_id")
}

// errorMessage keeps wire errors terse: platform errors speak their
// message, everything else is opaque.
func errorMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

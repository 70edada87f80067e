package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
	"github.com/drivelinehq/driveline/security"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

var validMessageTypes = map[string]bool{
	MessageTypeText:   true,
	MessageTypeImage:  true,
	MessageTypeFile:   true,
	MessageTypeSystem: true,
	MessageTypeAction: true,
}

// MessageView is a message as callers see it: content decrypted, or
// blanked for tombstones.
type MessageView struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Metadata  JSONMap   `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func newMessageView(m *Message, crypto *security.Encryptor) MessageView {
	view := MessageView{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Deleted:   m.DeletedAt != nil,
	}
	if view.Deleted {
		return view
	}
	if crypto != nil {
		view.Content = crypto.DecryptOrUnavailable(m.Content)
	} else {
		view.Content = m.Content
	}
	return view
}

// MessageRepo persists messages. Content is encrypted before it
// touches the database when an encryptor is configured.
type MessageRepo struct {
	db      *gorm.DB
	crypto  *security.Encryptor
	filter  *ContentFilter
	limiter *RateLimiter
	events  events.Publisher
	metrics *metrics.Service
	cfg     config.ChatConfig
	logger  *common.ContextLogger
}

func NewMessageRepo(db *gorm.DB, crypto *security.Encryptor, filter *ContentFilter, limiter *RateLimiter, pub events.Publisher, cfg config.ChatConfig) *MessageRepo {
	return &MessageRepo{
		db:      db,
		crypto:  crypto,
		filter:  filter,
		limiter: limiter,
		events:  pub,
		cfg:     cfg,
		logger:  common.ServiceLogger("chat.messages"),
	}
}

// SetMetrics attaches the metrics service once it exists.
func (r *MessageRepo) SetMetrics(m *metrics.Service) { r.metrics = m }

// GetRoomMessages pages backwards through a room's history. The
// cursor is the timestamp of the message with beforeID; only strictly
// earlier messages are returned, in chronological ascending order.
func (r *MessageRepo) GetRoomMessages(ctx context.Context, roomID string, limit int, beforeID string, includeDeleted bool) ([]MessageView, error) {
	limit = r.clampLimit(limit)

	q := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !includeDeleted {
		q = q.Where("deleted_at IS NULL")
	}

	if beforeID != "" {
		var cursor Message
		err := r.db.WithContext(ctx).
			Select("created_at").
			Where("id = ? AND room_id = ?", beforeID, roomID).
			First(&cursor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("message", beforeID)
		}
		if err != nil {
			return nil, errs.Database("failed to resolve history cursor", err)
		}
		q = q.Where("created_at < ?", cursor.CreatedAt)
	}

	var msgs []Message
	if err := q.Order("created_at DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, errs.Database("failed to load room messages", err)
	}

	views := make([]MessageView, len(msgs))
	for i := range msgs {
		views[len(msgs)-1-i] = newMessageView(&msgs[i], r.crypto)
	}
	return views, nil
}

// SendMessage stores one message. The sender must be an active member
// of an active room and inside the rate budget. The body passes the
// prohibited-word filter, then encryption. The sender's read mark and
// the room's updated-at both move to the message timestamp in the
// same transaction as the insert.
func (r *MessageRepo) SendMessage(ctx context.Context, roomID, senderID, content, msgType string, metadata JSONMap) (*MessageView, error) {
	if content == "" {
		return nil, errs.Validation("message content is required", nil)
	}
	if msgType == "" {
		msgType = MessageTypeText
	}
	if !validMessageTypes[msgType] {
		return nil, errs.Validation("unknown message type "+msgType, nil)
	}

	maxCount, window := r.rateBudget()
	if err := r.limiter.Check(ctx, senderID, roomID, EventKindMessage, maxCount, window); err != nil {
		return nil, err
	}

	var room Room
	err := r.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", roomID, true).
		First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("room", roomID)
	}
	if err != nil {
		return nil, errs.Database("failed to load room", err)
	}

	member, err := activeMember(ctx, r.db, roomID, senderID)
	if err != nil {
		return nil, err
	}

	filtered := content
	if r.filter != nil {
		filtered, _ = r.filter.Apply(ctx, content)
	}

	stored := filtered
	if r.crypto != nil {
		stored, err = r.crypto.EncryptString(filtered)
		if err != nil {
			return nil, errs.Security("failed to encrypt message content", 500)
		}
	}

	now := time.Now().UTC()
	msg := &Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      msgType,
		Content:   stored,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if err := tx.Model(&Member{}).
			Where("id = ?", member.ID).
			Update("last_read_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&Room{}).
			Where("id = ?", roomID).
			Update("updated_at", now).Error
	})
	if err != nil {
		return nil, errs.Database("failed to store message", err)
	}

	r.publish(ctx, events.TopicMessageSent, map[string]interface{}{
		"message_id": msg.ID,
		"room_id":    roomID,
		"sender_id":  senderID,
		"type":       msgType,
	})
	if r.metrics != nil {
		r.metrics.TrackChatMessage(room.Type)
	}

	view := MessageView{
		ID:        msg.ID,
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      msgType,
		Content:   filtered,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return &view, nil
}

// EditMessage replaces a message body. Only the sender may edit;
// tombstoned messages stay closed.
func (r *MessageRepo) EditMessage(ctx context.Context, messageID, content, editorID string) (*MessageView, error) {
	if content == "" {
		return nil, errs.Validation("message content is required", nil)
	}

	msg, err := r.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, errs.NotFound("message", messageID)
	}
	if msg.SenderID != editorID {
		return nil, errs.PermissionDenied("only the sender may edit a message")
	}

	filtered := content
	if r.filter != nil {
		filtered, _ = r.filter.Apply(ctx, content)
	}
	stored := filtered
	if r.crypto != nil {
		stored, err = r.crypto.EncryptString(filtered)
		if err != nil {
			return nil, errs.Security("failed to encrypt message content", 500)
		}
	}

	now := time.Now().UTC()
	err = r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{"content": stored, "updated_at": now}).Error
	if err != nil {
		return nil, errs.Database("failed to update message", err)
	}

	msg.Content = stored
	msg.UpdatedAt = now
	view := newMessageView(msg, r.crypto)
	view.Content = filtered
	return &view, nil
}

// DeleteMessage tombstones a message. The sender may always delete
// their own; room owners and admins may delete anyone's. Deleting an
// already deleted message is a no-op.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID, deleterID string) error {
	msg, err := r.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return nil
	}

	if msg.SenderID != deleterID {
		member, err := activeMember(ctx, r.db, msg.RoomID, deleterID)
		if err != nil {
			return err
		}
		if member.Role != MemberRoleOwner && member.Role != MemberRoleAdmin {
			return errs.PermissionDenied("only the sender or a room admin may delete a message")
		}
	}

	now := time.Now().UTC()
	err = r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND deleted_at IS NULL", messageID).
		Update("deleted_at", now).Error
	if err != nil {
		return errs.Database("failed to delete message", err)
	}

	r.publish(ctx, events.TopicMessageDeleted, map[string]interface{}{
		"message_id": messageID,
		"room_id":    msg.RoomID,
		"deleted_by": deleterID,
	})
	return nil
}

// GetMessage loads one message as a view. Tombstones come back with
// Deleted set and no content.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (*MessageView, error) {
	msg, err := r.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	view := newMessageView(msg, r.crypto)
	return &view, nil
}

func (r *MessageRepo) getMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := r.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("message", messageID)
	}
	if err != nil {
		return nil, errs.Database("failed to load message", err)
	}
	return &msg, nil
}

func (r *MessageRepo) clampLimit(limit int) int {
	if limit <= 0 {
		limit = r.cfg.HistoryPageSize
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit
}

func (r *MessageRepo) rateBudget() (int, time.Duration) {
	maxCount := r.cfg.MessageRateLimit
	if maxCount == 0 {
		maxCount = 10
	}
	window := r.cfg.MessageRateWindow
	if window == 0 {
		window = time.Minute
	}
	return maxCount, window
}

func (r *MessageRepo) publish(ctx context.Context, topic string, payload map[string]interface{}) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, topic, payload, nil); err != nil {
		r.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish chat event")
	}
}

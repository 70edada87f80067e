package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/security"
)

const (
	defaultRoomPageSize = 20
	maxRoomPageSize     = 100
)

// RoomView is a room enriched for listing: the caller's role, active
// member count, unread messages since the caller's last-read mark and
// the latest message as a preview.
type RoomView struct {
	Room
	MemberCount int64        `json:"member_count"`
	UserRole    string       `json:"user_role"`
	UnreadCount int64        `json:"unread_count"`
	LastMessage *MessageView `json:"last_message,omitempty"`
}

// RoomRepo persists rooms and the room-level membership operations.
type RoomRepo struct {
	db     *gorm.DB
	crypto *security.Encryptor
	logger *common.ContextLogger
}

// NewRoomRepo builds the repository. crypto may be nil, in which case
// message previews are returned as stored.
func NewRoomRepo(db *gorm.DB, crypto *security.Encryptor) *RoomRepo {
	return &RoomRepo{
		db:     db,
		crypto: crypto,
		logger: common.ServiceLogger("chat.rooms"),
	}
}

// GetRoom loads one room by id.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := r.db.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("room", roomID)
	}
	if err != nil {
		return nil, errs.Database("failed to load room", err)
	}
	return &room, nil
}

// FindDirectChat returns the direct room between the two users, in
// either order.
func (r *RoomRepo) FindDirectChat(ctx context.Context, u1, u2 string) (*Room, error) {
	key := PairKey(u1, u2)
	var room Room
	err := r.db.WithContext(ctx).
		Where("type = ? AND pair_key = ? AND is_active = ?", RoomTypeDirect, key, true).
		First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("direct chat", key)
	}
	if err != nil {
		return nil, errs.Database("failed to find direct chat", err)
	}
	return &room, nil
}

// CreateDirectChat creates the direct room for the pair plus both
// member rows in one transaction. Refuses if the pair already has a
// room; callers wanting get-or-create semantics look up first.
func (r *RoomRepo) CreateDirectChat(ctx context.Context, u1, u2 string) (*Room, error) {
	if u1 == u2 {
		return nil, errs.BusinessRule("self_chat", "cannot create a direct chat with yourself")
	}

	if existing, err := r.FindDirectChat(ctx, u1, u2); err == nil {
		return nil, errs.BusinessRule("direct_chat_exists", "direct chat already exists").
			WithDetail("room_id", existing.ID)
	} else if errs.Code(err) != errs.CodeNotFound {
		return nil, err
	}

	key := PairKey(u1, u2)
	room := &Room{
		Type:     RoomTypeDirect,
		PairKey:  &key,
		IsActive: true,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		members := []*Member{
			{RoomID: room.ID, UserID: u1, Role: MemberRoleMember, IsActive: true},
			{RoomID: room.ID, UserID: u2, Role: MemberRoleMember, IsActive: true},
		}
		for _, m := range members {
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Database("failed to create direct chat", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"room_id": room.ID,
		"users":   []string{u1, u2},
	}).Info("Direct chat created")
	return room, nil
}

// CreateGroupChat creates a group room with the creator as owner and
// the remaining members deduplicated. A company reference switches
// the room type to company.
func (r *RoomRepo) CreateGroupChat(ctx context.Context, name, creatorID string, memberIDs []string, companyID *string) (*Room, error) {
	if name == "" {
		return nil, errs.Validation("room name is required", nil)
	}

	roomType := RoomTypeGroup
	if companyID != nil && *companyID != "" {
		roomType = RoomTypeCompany
	}

	seen := map[string]bool{creatorID: true}
	var others []string
	for _, id := range memberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		others = append(others, id)
	}

	room := &Room{
		Name:      &name,
		Type:      roomType,
		CompanyID: companyID,
		IsActive:  true,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		owner := &Member{RoomID: room.ID, UserID: creatorID, Role: MemberRoleOwner, IsActive: true}
		if err := tx.Create(owner).Error; err != nil {
			return err
		}
		for _, id := range others {
			m := &Member{RoomID: room.ID, UserID: id, Role: MemberRoleMember, IsActive: true}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Database("failed to create group chat", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"room_id": room.ID,
		"type":    roomType,
		"members": len(others) + 1,
	}).Info("Group chat created")
	return room, nil
}

// AddMembers adds users to a group or company room. The adder must be
// an active owner or admin of the room. Users with an inactive
// membership are reactivated instead of duplicated.
func (r *RoomRepo) AddMembers(ctx context.Context, roomID string, userIDs []string, role, addedBy string) error {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.Type == RoomTypeDirect {
		return errs.BusinessRule("direct_room_fixed", "cannot add members to a direct chat")
	}

	if role == "" {
		role = MemberRoleMember
	}
	if role == MemberRoleOwner {
		return errs.BusinessRule("owner_not_assignable", "ownership is transferred, not granted on join")
	}

	adder, err := activeMember(ctx, r.db, roomID, addedBy)
	if err != nil {
		return err
	}
	if adder.Role != MemberRoleOwner && adder.Role != MemberRoleAdmin {
		return errs.PermissionDenied("only room owners and admins may add members")
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, userID := range userIDs {
			if userID == "" {
				continue
			}
			var existing Member
			err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(&existing).Error
			switch {
			case err == nil && existing.IsActive:
				continue
			case err == nil:
				updates := map[string]interface{}{
					"is_active": true,
					"role":      role,
					"left_at":   nil,
					"joined_at": time.Now().UTC(),
				}
				if err := tx.Model(&Member{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				m := &Member{RoomID: roomID, UserID: userID, Role: role, IsActive: true}
				if err := tx.Create(m).Error; err != nil {
					return err
				}
			default:
				return err
			}
		}
		return nil
	})
}

// GetRoomsForUser pages through the caller's active rooms, most
// recently touched first. roomType narrows the listing when set.
func (r *RoomRepo) GetRoomsForUser(ctx context.Context, userID, roomType string, page, pageSize int) ([]*RoomView, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultRoomPageSize
	}
	if pageSize > maxRoomPageSize {
		pageSize = maxRoomPageSize
	}

	type roomRow struct {
		Room
		UserRole   string
		LastReadAt *time.Time
	}

	q := r.db.WithContext(ctx).
		Table("chat_rooms").
		Select("chat_rooms.*, chat_members.role AS user_role, chat_members.last_read_at AS last_read_at").
		Joins("JOIN chat_members ON chat_members.room_id = chat_rooms.id").
		Where("chat_members.user_id = ? AND chat_members.is_active = ? AND chat_rooms.is_active = ?", userID, true, true)
	if roomType != "" {
		q = q.Where("chat_rooms.type = ?", roomType)
	}

	var rows []roomRow
	err := q.Order("chat_rooms.updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Database("failed to list rooms", err)
	}

	views := make([]*RoomView, 0, len(rows))
	for i := range rows {
		view, err := r.enrich(ctx, &rows[i].Room, rows[i].UserRole, rows[i].LastReadAt)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (r *RoomRepo) enrich(ctx context.Context, room *Room, userRole string, lastRead *time.Time) (*RoomView, error) {
	view := &RoomView{Room: *room, UserRole: userRole}

	err := r.db.WithContext(ctx).Model(&Member{}).
		Where("room_id = ? AND is_active = ?", room.ID, true).
		Count(&view.MemberCount).Error
	if err != nil {
		return nil, errs.Database("failed to count room members", err)
	}

	unread := r.db.WithContext(ctx).Model(&Message{}).
		Where("room_id = ? AND deleted_at IS NULL", room.ID)
	if lastRead != nil {
		unread = unread.Where("created_at > ?", *lastRead)
	}
	if err := unread.Count(&view.UnreadCount).Error; err != nil {
		return nil, errs.Database("failed to count unread messages", err)
	}

	var last Message
	err = r.db.WithContext(ctx).
		Where("room_id = ? AND deleted_at IS NULL", room.ID).
		Order("created_at DESC").
		First(&last).Error
	switch {
	case err == nil:
		mv := newMessageView(&last, r.crypto)
		view.LastMessage = &mv
	case errors.Is(err, gorm.ErrRecordNotFound):
		// empty room
	default:
		return nil, errs.Database("failed to load last message", err)
	}
	return view, nil
}

// activeMember loads the active membership row for (room, user) or a
// permission error when the user is not in the room.
func activeMember(ctx context.Context, db *gorm.DB, roomID, userID string) (*Member, error) {
	var m Member
	err := db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND is_active = ?", roomID, userID, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.PermissionDenied(fmt.Sprintf("user is not an active member of room %s", roomID))
	}
	if err != nil {
		return nil, errs.Database("failed to load room membership", err)
	}
	return &m, nil
}

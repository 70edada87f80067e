package chat

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
)

var validMemberRoles = map[string]bool{
	MemberRoleOwner:  true,
	MemberRoleAdmin:  true,
	MemberRoleMember: true,
	MemberRoleGuest:  true,
}

// MemberRepo manages room memberships.
type MemberRepo struct {
	db     *gorm.DB
	logger *common.ContextLogger
}

func NewMemberRepo(db *gorm.DB) *MemberRepo {
	return &MemberRepo{
		db:     db,
		logger: common.ServiceLogger("chat.members"),
	}
}

// FindByRoomAndUser returns the active membership for (room, user).
func (r *MemberRepo) FindByRoomAndUser(ctx context.Context, roomID, userID string) (*Member, error) {
	return activeMember(ctx, r.db, roomID, userID)
}

// GetByRoom lists a room's members, optionally only the active ones.
func (r *MemberRepo) GetByRoom(ctx context.Context, roomID string, activeOnly bool) ([]*Member, error) {
	q := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var members []*Member
	if err := q.Order("joined_at ASC").Find(&members).Error; err != nil {
		return nil, errs.Database("failed to list room members", err)
	}
	return members, nil
}

// UpdateLastRead moves the member's read mark. A nil timestamp means
// now. Idempotent; moving the mark backwards is allowed so clients
// can re-sync.
func (r *MemberRepo) UpdateLastRead(ctx context.Context, roomID, userID string, ts *time.Time) error {
	member, err := activeMember(ctx, r.db, roomID, userID)
	if err != nil {
		return err
	}
	mark := time.Now().UTC()
	if ts != nil {
		mark = *ts
	}
	err = r.db.WithContext(ctx).Model(&Member{}).
		Where("id = ?", member.ID).
		Update("last_read_at", mark).Error
	if err != nil {
		return errs.Database("failed to update last read", err)
	}
	return nil
}

// UpdateRole changes a member's role. Owners may assign any role;
// admins may manage members and guests but never touch an owner or
// grant ownership. The last owner cannot be demoted unless another
// owner already exists.
func (r *MemberRepo) UpdateRole(ctx context.Context, roomID, userID, newRole, updaterID string) error {
	if !validMemberRoles[newRole] {
		return errs.Validation(fmt.Sprintf("invalid member role %q", newRole), nil)
	}

	updater, err := activeMember(ctx, r.db, roomID, updaterID)
	if err != nil {
		return err
	}
	if updater.Role != MemberRoleOwner && updater.Role != MemberRoleAdmin {
		return errs.PermissionDenied("only room owners and admins may change roles")
	}

	target, err := activeMember(ctx, r.db, roomID, userID)
	if err != nil {
		return err
	}

	if target.Role == MemberRoleOwner && updater.Role != MemberRoleOwner {
		return errs.PermissionDenied("only an owner may change an owner's role")
	}
	if newRole == MemberRoleOwner && updater.Role != MemberRoleOwner {
		return errs.PermissionDenied("only an owner may assign ownership")
	}

	if target.Role == MemberRoleOwner && newRole != MemberRoleOwner {
		owners, err := r.countOwners(ctx, roomID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return errs.BusinessRule("last_owner", "cannot demote the only owner of a room")
		}
	}

	err = r.db.WithContext(ctx).Model(&Member{}).
		Where("id = ?", target.ID).
		Update("role", newRole).Error
	if err != nil {
		return errs.Database("failed to update member role", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"room_id":  roomID,
		"user_id":  userID,
		"new_role": newRole,
		"by":       updaterID,
	}).Info("Member role updated")
	return nil
}

// RemoveMember deactivates a membership. Self-removal is always
// allowed; otherwise the remover must be owner or admin, and admins
// cannot remove owners or other admins.
func (r *MemberRepo) RemoveMember(ctx context.Context, roomID, userID, removerID string) error {
	target, err := activeMember(ctx, r.db, roomID, userID)
	if err != nil {
		return err
	}

	if userID != removerID {
		remover, err := activeMember(ctx, r.db, roomID, removerID)
		if err != nil {
			return err
		}
		switch remover.Role {
		case MemberRoleOwner:
			// owners may remove anyone
		case MemberRoleAdmin:
			if target.Role == MemberRoleOwner || target.Role == MemberRoleAdmin {
				return errs.PermissionDenied("admins cannot remove owners or other admins")
			}
		default:
			return errs.PermissionDenied("only room owners and admins may remove members")
		}
	}

	now := time.Now().UTC()
	err = r.db.WithContext(ctx).Model(&Member{}).
		Where("id = ?", target.ID).
		Updates(map[string]interface{}{"is_active": false, "left_at": now}).Error
	if err != nil {
		return errs.Database("failed to remove member", err)
	}

	r.logger.WithFields(map[string]interface{}{
		"room_id": roomID,
		"user_id": userID,
		"by":      removerID,
	}).Info("Member removed from room")
	return nil
}

func (r *MemberRepo) countOwners(ctx context.Context, roomID string) (int64, error) {
	var owners int64
	err := r.db.WithContext(ctx).Model(&Member{}).
		Where("room_id = ? AND role = ? AND is_active = ?", roomID, MemberRoleOwner, true).
		Count(&owners).Error
	if err != nil {
		return 0, errs.Database("failed to count room owners", err)
	}
	return owners, nil
}

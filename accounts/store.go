package accounts

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/permissions"
)

// Store is the gorm-backed account repository.
type Store struct {
	db     *gorm.DB
	logger *common.ContextLogger
}

// NewStore creates the repository.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: common.ServiceLogger("accounts"),
	}
}

// Name identifies this service in the registry.
func (s *Store) Name() string { return "accounts" }

// GetByID fetches a user by id.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("user", id)
	}
	if err != nil {
		return nil, errs.Database("failed to load user", err)
	}
	return &user, nil
}

// GetByUsername fetches a user by username.
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("user", username)
	}
	if err != nil {
		return nil, errs.Database("failed to load user", err)
	}
	return &user, nil
}

// Create inserts a new user.
func (s *Store) Create(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return errs.Database("failed to create user", err)
	}
	return nil
}

// UpdateRole changes a user's role. Callers invalidate the permission
// cache for the user afterwards.
func (s *Store) UpdateRole(ctx context.Context, userID, role string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("role", role)
	if res.Error != nil {
		return errs.Database("failed to update role", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("user", userID)
	}
	return nil
}

// FindOrCreateSystemUser resolves the named automation account,
// creating it on first use. System users hold the admin role so
// automated pipelines pass permission checks.
func (s *Store) FindOrCreateSystemUser(ctx context.Context, name string) (*User, error) {
	user, err := s.GetByUsername(ctx, name)
	if err == nil {
		return user, nil
	}
	if errs.Code(err) != errs.CodeNotFound {
		return nil, err
	}

	user = &User{
		Username:     name,
		PasswordHash: "!",
		Role:         permissions.RoleAdmin,
		IsActive:     true,
		IsSystem:     true,
	}
	if err := s.Create(ctx, user); err != nil {
		// Lost a creation race; the row exists now.
		if existing, lookupErr := s.GetByUsername(ctx, name); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	s.logger.WithField("username", name).Info("created system user")
	return user, nil
}

// PermissionsFor returns the user's explicit grants. Satisfies the
// permission checker's lookup interface.
func (s *Store) PermissionsFor(ctx context.Context, userID string) ([]string, error) {
	var perms []string
	err := s.db.WithContext(ctx).
		Model(&UserGrant{}).
		Where("user_id = ?", userID).
		Pluck("permission", &perms).Error
	if err != nil {
		return nil, errs.Database("failed to load user grants", err)
	}
	return perms, nil
}

// Grant adds an explicit permission to a user.
func (s *Store) Grant(ctx context.Context, userID, permission string) error {
	grant := UserGrant{UserID: userID, Permission: permission}
	if err := s.db.WithContext(ctx).Create(&grant).Error; err != nil {
		return errs.Database("failed to grant permission", err)
	}
	return nil
}

// RecentPasswordHashes returns up to n previous hashes, newest first.
func (s *Store) RecentPasswordHashes(ctx context.Context, userID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var hashes []string
	err := s.db.WithContext(ctx).
		Model(&PasswordHistoryEntry{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(n).
		Pluck("hash", &hashes).Error
	if err != nil {
		return nil, errs.Database("failed to load password history", err)
	}
	return hashes, nil
}

// RecordPasswordHash appends a hash to the history and prunes rows
// beyond the retention window.
func (s *Store) RecordPasswordHash(ctx context.Context, userID, hash string, keep int) error {
	entry := PasswordHistoryEntry{UserID: userID, Hash: hash}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return errs.Database("failed to record password hash", err)
	}
	if keep <= 0 {
		return nil
	}

	var stale []uint
	err := s.db.WithContext(ctx).
		Model(&PasswordHistoryEntry{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(keep).
		Pluck("id", &stale).Error
	if err != nil {
		return errs.Database("failed to find stale password history", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&PasswordHistoryEntry{}, stale).Error; err != nil {
		return errs.Database("failed to prune password history", err)
	}
	return nil
}

// SetPassword updates the stored hash and appends the old one to the
// history in one transaction.
func (s *Store) SetPassword(ctx context.Context, userID, newHash string, historySize int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.NotFound("user", userID)
			}
			return errs.Database("failed to load user", err)
		}

		if user.PasswordHash != "" && user.PasswordHash != "!" {
			entry := PasswordHistoryEntry{UserID: userID, Hash: user.PasswordHash}
			if err := tx.Create(&entry).Error; err != nil {
				return errs.Database("failed to record password hash", err)
			}
		}
		if err := tx.Model(&User{}).Where("id = ?", userID).Update("password_hash", newHash).Error; err != nil {
			return errs.Database("failed to update password", err)
		}

		if historySize > 0 {
			var stale []uint
			err := tx.Model(&PasswordHistoryEntry{}).
				Where("user_id = ?", userID).
				Order("created_at DESC").
				Offset(historySize).
				Pluck("id", &stale).Error
			if err != nil {
				return errs.Database("failed to find stale password history", err)
			}
			if len(stale) > 0 {
				if err := tx.Delete(&PasswordHistoryEntry{}, stale).Error; err != nil {
					return errs.Database("failed to prune password history", err)
				}
			}
		}
		return nil
	})
}

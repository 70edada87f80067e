// Package accounts holds the user and company records the platform
// authenticates against. CRUD surfaces live elsewhere; this package is
// the minimal store the chat, security and sync layers need.
package accounts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is an account. System users are created on demand as senders
// for automated messages and never log in.
type User struct {
	ID           string  `gorm:"type:uuid;primaryKey" json:"id"`
	Username     string  `gorm:"uniqueIndex;not null" json:"username"`
	Email        string  `gorm:"index" json:"email"`
	PasswordHash string  `gorm:"not null" json:"-"`
	Role         string  `gorm:"not null;default:member" json:"role"`
	CompanyID    *string `gorm:"type:uuid;index" json:"company_id,omitempty"`
	IsActive     bool    `gorm:"default:true" json:"is_active"`
	IsSystem     bool    `gorm:"default:false" json:"is_system"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// BeforeCreate assigns the id when the caller did not.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// SubjectID and SubjectRole let a user act as a permission subject.
func (u *User) SubjectID() string   { return u.ID }
func (u *User) SubjectRole() string { return u.Role }

// Company groups users of one tenant.
type Company struct {
	ID   string `gorm:"type:uuid;primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Company) TableName() string { return "companies" }

func (c *Company) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// PasswordHistoryEntry retains a user's previous hashes for the reuse
// check. Newest rows win; old rows are pruned past the policy window.
type PasswordHistoryEntry struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"type:uuid;index;not null"`
	Hash      string    `gorm:"not null"`
	CreatedAt time.Time
}

func (PasswordHistoryEntry) TableName() string { return "password_history" }

// UserGrant is an explicit permission granted beyond the role table.
type UserGrant struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     string `gorm:"type:uuid;index:idx_user_grant,unique;not null"`
	Permission string `gorm:"index:idx_user_grant,unique;not null"`
	CreatedAt  time.Time
}

func (UserGrant) TableName() string { return "user_grants" }

// Models lists everything this package migrates.
func Models() []interface{} {
	return []interface{}{&User{}, &Company{}, &PasswordHistoryEntry{}, &UserGrant{}}
}

// Package chat implements the persistence side of the messaging
// fabric: rooms, memberships, messages, reactions and the rolling
// rate-limit log. Message bodies are encrypted before they reach the
// database.
package chat

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Room types.
const (
	RoomTypeDirect  = "direct"
	RoomTypeGroup   = "group"
	RoomTypeCompany = "company"
)

// Member roles within a room.
const (
	MemberRoleOwner  = "owner"
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
	MemberRoleGuest  = "guest"
)

// Message types.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
	MessageTypeAction = "action"
)

// PairKey is the canonical identity of a direct room: the two user
// ids sorted lexicographically and joined. The same unordered pair
// always maps to the same key.
func PairKey(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return u1 + ":" + u2
}

// JSONMap stores an opaque metadata map as jsonb.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
}

// Room is one conversation. Direct rooms carry the pair key; the
// unique index makes the one-room-per-pair invariant a database fact.
type Room struct {
	ID        string  `gorm:"type:uuid;primaryKey" json:"id"`
	Name      *string `json:"name,omitempty"`
	Type      string  `gorm:"not null;index" json:"type"`
	CompanyID *string `gorm:"type:uuid;index" json:"company_id,omitempty"`
	PairKey   *string `gorm:"uniqueIndex" json:"-"`
	IsActive  bool    `gorm:"default:true" json:"is_active"`
	Metadata  JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Room) TableName() string { return "chat_rooms" }

func (r *Room) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Member ties a user to a room. Participation is soft: leaving
// deactivates the row and stamps LeftAt.
type Member struct {
	ID         string     `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID     string     `gorm:"type:uuid;index:idx_chat_member;not null" json:"room_id"`
	UserID     string     `gorm:"type:uuid;index:idx_chat_member;index;not null" json:"user_id"`
	Role       string     `gorm:"not null;default:member" json:"role"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
}

func (Member) TableName() string { return "chat_members" }

func (m *Member) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	return nil
}

// Message is one chat message. Content holds the encryption envelope,
// never plaintext. Deleted messages keep their row for thread
// integrity; DeletedAt is the tombstone.
type Message struct {
	ID       string  `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID   string  `gorm:"type:uuid;index:idx_chat_msg_room;not null" json:"room_id"`
	SenderID string  `gorm:"type:uuid;index;not null" json:"sender_id"`
	Type     string  `gorm:"not null;default:text" json:"type"`
	Content  string  `gorm:"not null" json:"-"`
	Metadata JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time  `gorm:"index:idx_chat_msg_room" json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Reaction is one (message, user, emoji) mark, unique among
// non-deleted rows.
type Reaction struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID string     `gorm:"type:uuid;index;not null" json:"message_id"`
	UserID    string     `gorm:"type:uuid;index;not null" json:"user_id"`
	Emoji     string     `gorm:"not null" json:"emoji"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"-"`
}

func (Reaction) TableName() string { return "chat_reactions" }

func (r *Reaction) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// RateLimitLog is the append-only rolling window the chat rate
// limiter counts against.
type RateLimitLog struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    string    `gorm:"type:uuid;index:idx_rate_scope;not null"`
	RoomID    string    `gorm:"type:uuid;index:idx_rate_scope;not null"`
	EventKind string    `gorm:"index:idx_rate_scope;not null"`
	CreatedAt time.Time `gorm:"index"`
}

func (RateLimitLog) TableName() string { return "chat_rate_limit_log" }

// Models lists everything this package migrates.
func Models() []interface{} {
	return []interface{}{&Room{}, &Member{}, &Message{}, &Reaction{}, &RateLimitLog{}}
}

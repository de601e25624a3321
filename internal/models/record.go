package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SessionRecord is the durable row behind a live session. Persistence is
// write-behind: the live session in memory is authoritative while it has
// connections, and the record trails it asynchronously.
type SessionRecord struct {
	ID        string         `json:"id" gorm:"type:varchar(64);primaryKey"`
	OwnerID   string         `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Name      string         `json:"name" gorm:"type:text"`
	Public    bool           `json:"public" gorm:"default:false"`
	Version   int            `json:"version" gorm:"default:0"`
	Content   string         `json:"content" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// EditRecord is one applied edit in the durable history log.
// KSUIDs keep the log time-ordered without an extra sort column.
type EditRecord struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(64);not null;index"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null"`
	Operation string    `json:"operation" gorm:"type:varchar(16);not null"`
	Position  int       `json:"position"`
	Length    int       `json:"length"`
	Content   string    `json:"content" gorm:"type:text"`
	Version   int       `json:"version" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (e *EditRecord) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

// ParticipantRecord is one granted membership: the user holds
// read/write/comment access to the session until the row is removed.
// Owners are implicit via SessionRecord.OwnerID and never listed here.
type ParticipantRecord struct {
	SessionID string    `json:"session_id" gorm:"type:varchar(64);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// CommentRecord is the durable form of a comment or reply. Replies carry
// their parent's id; top-level comments leave ParentID null.
type CommentRecord struct {
	ID         string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	SessionID  string     `json:"session_id" gorm:"type:varchar(64);not null;index"`
	UserID     string     `json:"user_id" gorm:"type:varchar(64);not null"`
	ParentID   *string    `json:"parent_id,omitempty" gorm:"type:varchar(64);index"`
	Line       int        `json:"line"`
	Text       string     `json:"text" gorm:"type:text;not null"`
	Resolved   bool       `json:"resolved" gorm:"default:false"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message rows are append-only; ID order is conversation order.
type Message struct {
	ID                 uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID          uint64         `gorm:"not null;index:idx_chat_msg_session_id" json:"session_id"`
	Role               Role           `gorm:"type:varchar(16);not null" json:"role"`
	Content            string         `gorm:"type:text;not null" json:"content"`
	IsStructuredOutput bool           `gorm:"not null" json:"is_structured_output"`
	StructuredData     datatypes.JSON `json:"structured_data,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID           uint64    `json:"id"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int64     `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

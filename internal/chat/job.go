package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal status.
func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is one queued assistant reply for a committed user message.
// (user_id, idempotency_key) is unique so a replayed request maps to the same job.
type Job struct {
	ID             string    `gorm:"primaryKey;size:26" json:"id"`
	UserID         uint64    `gorm:"not null;index:uniq_user_idempo,unique,priority:1" json:"-"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"-"`
	SessionID      uint64    `gorm:"index;not null" json:"session_id"`
	UserMessageID  uint64    `gorm:"not null" json:"user_message_id"`
	Status         JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	ResultMessageID *uint64 `json:"result_message_id"` // set on success
	Error           *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }

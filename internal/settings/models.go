package settings

import "time"

// UserSettings holds a caller's provider preferences. The API key is stored sealed.
type UserSettings struct {
	UserID          uint64   `gorm:"primaryKey;autoIncrement:false"`
	Provider        string   `gorm:"type:varchar(32);not null"`
	Model           string   `gorm:"type:varchar(128);not null"`
	SystemPrompt    string   `gorm:"type:text;not null"`
	Temperature     *float32 `gorm:"type:float"`
	EncryptedAPIKey []byte   `gorm:"type:blob"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (UserSettings) TableName() string { return "user_settings" }

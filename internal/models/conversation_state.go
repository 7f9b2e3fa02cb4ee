package models

import "time"

// ConversationState is one point-in-time snapshot of a standup session. Rows
// are append-only: every save writes a new row with a fresh SessionID.
type ConversationState struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SessionID   string    `gorm:"size:128;not null;uniqueIndex"`
	UserID      uint      `gorm:"not null;index"`
	Status      string    `gorm:"size:16"`
	ResumedFrom string    `gorm:"size:128;index"`
	StateData   string    `gorm:"type:mediumtext;not null"` // JSON-encoded session.State
	CreatedAt   time.Time `gorm:"index"`

	User User `gorm:"foreignKey:UserID"`
}

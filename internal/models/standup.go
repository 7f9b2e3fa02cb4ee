package models

import "time"

// Standup item types.
const (
	ItemAccomplishment = "accomplishment"
	ItemPlan           = "plan"
	ItemBlocker        = "blocker"
)

// Standup is the finalized standup for one user on one local date.
type Standup struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	UserID         uint   `gorm:"not null;uniqueIndex:idx_user_date"`
	Date           string `gorm:"size:10;not null;uniqueIndex:idx_user_date"` // YYYY-MM-DD
	Submitted      bool   `gorm:"default:false"`
	SubmissionTime *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	User  User          `gorm:"foreignKey:UserID"`
	Items []StandupItem `gorm:"foreignKey:StandupID"`
}

// StandupItem is a single accomplishment, plan, or blocker line.
type StandupItem struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	StandupID   uint   `gorm:"not null;index"`
	Type        string `gorm:"size:16;not null;index"`
	Description string `gorm:"type:text;not null"`
	Resolved    bool   `gorm:"default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

package models

import "time"

// User is a person who gets interviewed. Handle is the owner identity used by
// the session store; ChatUserID maps inbound chat events back to the user.
type User struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Handle      string `gorm:"size:64;not null;uniqueIndex"`
	ChatUserID  string `gorm:"size:64;index"`
	GitHubLogin string `gorm:"size:64"`
	Email       string `gorm:"size:128"`
	Timezone    string `gorm:"size:64;default:UTC"`
	Schedule    string `gorm:"size:64"` // 5-field cron, empty = config default
	ChannelID   string `gorm:"size:128"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

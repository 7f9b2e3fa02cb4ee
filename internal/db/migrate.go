package db

import (
	"fmt"

	"github.com/zulandar/rhythms/internal/config"
	"github.com/zulandar/rhythms/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.ConversationState{},
		&models.Standup{},
		&models.StandupItem{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedUsers upserts User rows from configuration, keyed by handle.
func SeedUsers(db *gorm.DB, users []config.UserConfig) error {
	for _, uc := range users {
		u := models.User{
			Handle:      uc.Handle,
			ChatUserID:  uc.ChatUserID,
			GitHubLogin: uc.GitHubLogin,
			Email:       uc.Email,
			Timezone:    uc.Timezone,
			Schedule:    uc.Schedule,
			ChannelID:   uc.Channel,
		}
		if u.Timezone == "" {
			u.Timezone = config.DefaultTimezone
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "handle"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"chat_user_id", "git_hub_login", "email", "timezone", "schedule", "channel_id", "updated_at",
			}),
		}).Create(&u)
		if result.Error != nil {
			return fmt.Errorf("db: seed user %q: %w", uc.Handle, result.Error)
		}
	}
	return nil
}

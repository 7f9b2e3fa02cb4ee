package standup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/rhythms/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.ConversationState{}, &models.Standup{}, &models.StandupItem{},
	))
	return db
}

func createUser(t *testing.T, db *gorm.DB, u models.User) models.User {
	t.Helper()
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	require.NoError(t, db.Create(&u).Error)
	return u
}

func newTestFinal(t *testing.T, db *gorm.DB, now time.Time) *FinalStore {
	t.Helper()
	f, err := NewFinalStore(FinalStoreOpts{DB: db, Now: fixedClock(now)})
	require.NoError(t, err)
	return f
}

func TestNewFinalStore_RequiresDB(t *testing.T) {
	_, err := NewFinalStore(FinalStoreOpts{})
	assert.Error(t, err)
}

func TestRecordFinalStandup_ReplacesSameDay(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, models.User{Handle: "alice"})
	f := newTestFinal(t, db, time.Date(2026, 3, 3, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := f.RecordFinalStandup(ctx, "alice", "2026-03-03", []Item{
		{Type: models.ItemAccomplishment, Text: "shipped search"},
		{Type: models.ItemPlan, Text: "write docs"},
	})
	require.NoError(t, err)
	su, err := f.RecordFinalStandup(ctx, "alice", "2026-03-03", []Item{
		{Type: models.ItemPlan, Text: "review #14"},
	})
	require.NoError(t, err)
	assert.True(t, su.Submitted)
	require.NotNil(t, su.SubmissionTime)

	var count int64
	require.NoError(t, db.Model(&models.Standup{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	recent, err := f.RecentStandups(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Len(t, recent[0].Items, 1)
	assert.Equal(t, "review #14", recent[0].Items[0].Description)
}

func TestRecordFinalStandup_UnknownUser(t *testing.T) {
	db := openTestDB(t)
	f := newTestFinal(t, db, time.Now())
	_, err := f.RecordFinalStandup(context.Background(), "ghost", "2026-03-03", nil)
	assert.True(t, errors.Is(err, ErrUnknownUser), "err = %v", err)
}

func TestRecordFinalStandup_ResolvesDroppedBlockers(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, models.User{Handle: "alice"})
	f := newTestFinal(t, db, time.Date(2026, 3, 4, 17, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := f.RecordFinalStandup(ctx, "alice", "2026-03-02", []Item{
		{Type: models.ItemBlocker, Text: "Flaky CI"},
		{Type: models.ItemBlocker, Text: "Waiting on design"},
	})
	require.NoError(t, err)

	carried, err := f.UnresolvedBlockers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Flaky CI", "Waiting on design"}, carried)

	_, err = f.RecordFinalStandup(ctx, "alice", "2026-03-03", []Item{
		{Type: models.ItemBlocker, Text: "waiting on  design"},
		{Type: models.ItemPlan, Text: "write docs"},
	})
	require.NoError(t, err)

	carried, err = f.UnresolvedBlockers(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"waiting on  design"}, carried)
}

func TestRecentStandups_Window(t *testing.T) {
	db := openTestDB(t)
	createUser(t, db, models.User{Handle: "alice", Timezone: "America/New_York"})
	createUser(t, db, models.User{Handle: "bob"})
	// 02:00 UTC on the 6th is still the 5th in New York.
	f := newTestFinal(t, db, time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, date := range []string{"2026-03-01", "2026-03-03", "2026-03-04", "2026-03-05"} {
		_, err := f.RecordFinalStandup(ctx, "alice", date, []Item{{Type: models.ItemPlan, Text: "work " + date}})
		require.NoError(t, err)
	}
	_, err := f.RecordFinalStandup(ctx, "bob", "2026-03-05", []Item{{Type: models.ItemPlan, Text: "bob work"}})
	require.NoError(t, err)

	recent, err := f.RecentStandups(ctx, "alice", 2)
	require.NoError(t, err)
	var dates []string
	for _, su := range recent {
		dates = append(dates, su.Date)
	}
	assert.Equal(t, []string{"2026-03-05", "2026-03-04", "2026-03-03"}, dates)
}

func TestLocalDate(t *testing.T) {
	at := time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-05", LocalDate(models.User{Timezone: "America/New_York"}, at))
	assert.Equal(t, "2026-03-06", LocalDate(models.User{Timezone: "Not/AZone"}, at))
	assert.Equal(t, "2026-03-06", LocalDate(models.User{}, at))
}

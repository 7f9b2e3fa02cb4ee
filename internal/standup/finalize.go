package standup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/rhythms/internal/models"
	"gorm.io/gorm"
)

// ErrUnknownUser is returned when a handle or chat user has no User row.
var ErrUnknownUser = errors.New("standup: unknown user")

// FinalStore records finalized standups and answers history queries.
type FinalStore struct {
	db  *gorm.DB
	now func() time.Time
}

// FinalStoreOpts holds parameters for creating a FinalStore.
type FinalStoreOpts struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewFinalStore creates a FinalStore.
func NewFinalStore(opts FinalStoreOpts) (*FinalStore, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("standup: db is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &FinalStore{db: opts.DB, now: opts.Now}, nil
}

// LocalDate returns t as YYYY-MM-DD in the user's timezone, falling back to
// UTC when the zone is unknown.
func LocalDate(u models.User, t time.Time) string {
	return t.In(userLocation(u)).Format(time.DateOnly)
}

func userLocation(u models.User) *time.Location {
	if u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (f *FinalStore) user(ctx context.Context, tx *gorm.DB, handle string) (*models.User, error) {
	var u models.User
	err := tx.WithContext(ctx).Where("handle = ?", handle).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("standup: lookup user %s: %w", handle, err)
	}
	return &u, nil
}

// RecordFinalStandup stores items as handle's submitted standup for date,
// replacing any earlier submission for the same date. Unresolved blockers
// from earlier standups that are not repeated are marked resolved.
func (f *FinalStore) RecordFinalStandup(ctx context.Context, handle, date string, items []Item) (*models.Standup, error) {
	var out models.Standup
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := f.user(ctx, tx, handle)
		if err != nil {
			return err
		}

		now := f.now()
		su := models.Standup{UserID: u.ID, Date: date}
		if err := tx.Where("user_id = ? AND date = ?", u.ID, date).FirstOrCreate(&su).Error; err != nil {
			return fmt.Errorf("standup: upsert %s %s: %w", handle, date, err)
		}
		su.Submitted = true
		su.SubmissionTime = &now
		if err := tx.Save(&su).Error; err != nil {
			return fmt.Errorf("standup: update %s %s: %w", handle, date, err)
		}

		if err := tx.Where("standup_id = ?", su.ID).Delete(&models.StandupItem{}).Error; err != nil {
			return fmt.Errorf("standup: clear items: %w", err)
		}
		blockers := make(map[string]bool)
		rows := make([]models.StandupItem, 0, len(items))
		for _, it := range items {
			rows = append(rows, models.StandupItem{StandupID: su.ID, Type: it.Type, Description: it.Text})
			if it.Type == models.ItemBlocker {
				blockers[normalize(it.Text)] = true
			}
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("standup: insert items: %w", err)
			}
		}

		var open []models.StandupItem
		err = tx.Joins("JOIN standups ON standups.id = standup_items.standup_id").
			Where("standups.user_id = ? AND standups.id <> ? AND standup_items.type = ? AND standup_items.resolved = ?",
				u.ID, su.ID, models.ItemBlocker, false).
			Select("standup_items.*").Find(&open).Error
		if err != nil {
			return fmt.Errorf("standup: open blockers: %w", err)
		}
		var resolved []uint
		for _, it := range open {
			if !blockers[normalize(it.Description)] {
				resolved = append(resolved, it.ID)
			}
		}
		if len(resolved) > 0 {
			if err := tx.Model(&models.StandupItem{}).Where("id IN ?", resolved).Update("resolved", true).Error; err != nil {
				return fmt.Errorf("standup: resolve blockers: %w", err)
			}
		}

		su.Items = rows
		out = su
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentStandups returns handle's standups dated within the last days days
// of the user's local calendar, newest first.
func (f *FinalStore) RecentStandups(ctx context.Context, handle string, days int) ([]models.Standup, error) {
	u, err := f.user(ctx, f.db, handle)
	if err != nil {
		return nil, err
	}
	cutoff := f.now().In(userLocation(*u)).AddDate(0, 0, -days).Format(time.DateOnly)

	var out []models.Standup
	err = f.db.WithContext(ctx).Preload("Items").
		Where("user_id = ? AND date >= ?", u.ID, cutoff).
		Order("date DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("standup: recent for %s: %w", handle, err)
	}
	return out, nil
}

// UnresolvedBlockers returns the distinct text of handle's open blockers,
// newest first.
func (f *FinalStore) UnresolvedBlockers(ctx context.Context, handle string) ([]string, error) {
	u, err := f.user(ctx, f.db, handle)
	if err != nil {
		return nil, err
	}
	var items []models.StandupItem
	err = f.db.WithContext(ctx).
		Joins("JOIN standups ON standups.id = standup_items.standup_id").
		Where("standups.user_id = ? AND standup_items.type = ? AND standup_items.resolved = ?",
			u.ID, models.ItemBlocker, false).
		Order("standups.date DESC, standup_items.id").
		Select("standup_items.*").Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("standup: blockers for %s: %w", handle, err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		key := normalize(it.Description)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it.Description)
	}
	return out, nil
}

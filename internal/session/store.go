package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/rhythms/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOwnerNotFound is returned when the owner handle has no User row.
	ErrOwnerNotFound = errors.New("session: owner not found")
	// ErrNoActiveState is returned when Save is given nothing to persist.
	ErrNoActiveState = errors.New("session: no active state to save")
	// ErrNotFound is returned when no snapshot exists for a session id.
	ErrNotFound = errors.New("session: not found")
)

// Info describes one saved snapshot.
type Info struct {
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	Status          Status    `json:"status"`
	LastActiveStage string    `json:"last_active_stage"`
}

// Store is the durable, append-only session store. Every Save writes a new
// ConversationState row; rows are never updated in place.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Now    func() time.Time // defaults to time.Now
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, log: log, now: now}, nil
}

// NewSessionID mints "<handle>-YYYYMMDD-HHMMSS-<8 hex>".
func NewSessionID(handle string, t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", handle, t.UTC().Format("20060102-150405"), suffix)
}

// Save persists state under a freshly minted session id and returns it.
func (s *Store) Save(ctx context.Context, owner string, state *State) (string, error) {
	if state.Empty() {
		return "", ErrNoActiveState
	}

	user, err := s.lookupOwner(ctx, owner)
	if err != nil {
		return "", err
	}

	snap := state.Clone()
	snap.Owner = owner
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("session: encode state: %w", err)
	}

	now := s.now()
	row := models.ConversationState{
		SessionID:   NewSessionID(owner, now),
		UserID:      user.ID,
		Status:      string(snap.Status),
		ResumedFrom: snap.ResumedFrom,
		StateData:   string(data),
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}

	s.log.Info("session saved",
		zap.String("owner", owner),
		zap.String("session", row.SessionID),
		zap.String("last_stage", snap.LastActiveStage),
		zap.Int("completed", len(snap.CompletedStages)),
	)
	return row.SessionID, nil
}

// Load returns the snapshot saved under sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	var row models.ConversationState
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	return decodeState(row)
}

// Latest returns the most recent snapshot for owner along with its id.
func (s *Store) Latest(ctx context.Context, owner string) (string, *State, error) {
	user, err := s.lookupOwner(ctx, owner)
	if err != nil {
		return "", nil, err
	}
	var row models.ConversationState
	err = s.db.WithContext(ctx).Where("user_id = ?", user.ID).
		Order("created_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, fmt.Errorf("%w: no sessions for %s", ErrNotFound, owner)
	}
	if err != nil {
		return "", nil, fmt.Errorf("session: latest for %s: %w", owner, err)
	}
	state, err := decodeState(row)
	if err != nil {
		return "", nil, err
	}
	return row.SessionID, state, nil
}

// Successor returns the newest snapshot saved by a run resumed from
// sessionID, or ErrNotFound when no run continued it.
func (s *Store) Successor(ctx context.Context, sessionID string) (string, *State, error) {
	var row models.ConversationState
	err := s.db.WithContext(ctx).Where("resumed_from = ?", sessionID).
		Order("created_at DESC, id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, fmt.Errorf("%w: no successor for %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return "", nil, fmt.Errorf("session: successor of %s: %w", sessionID, err)
	}
	state, err := decodeState(row)
	if err != nil {
		return "", nil, err
	}
	return row.SessionID, state, nil
}

// List returns the owner's saved sessions, most recent first. An owner with
// no sessions gets an empty slice.
func (s *Store) List(ctx context.Context, owner string) ([]Info, error) {
	user, err := s.lookupOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	var rows []models.ConversationState
	result := s.db.WithContext(ctx).Where("user_id = ?", user.ID).
		Order("created_at DESC, id DESC").Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("session: list for %s: %w", owner, result.Error)
	}

	infos := make([]Info, 0, len(rows))
	for _, row := range rows {
		info := Info{SessionID: row.SessionID, CreatedAt: row.CreatedAt}
		if st, err := decodeState(row); err == nil {
			info.Status = st.Status
			info.LastActiveStage = st.LastActiveStage
		} else {
			s.log.Warn("undecodable session row", zap.String("session", row.SessionID), zap.Error(err))
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *Store) lookupOwner(ctx context.Context, owner string) (*models.User, error) {
	if owner == "" {
		return nil, ErrOwnerNotFound
	}
	var user models.User
	err := s.db.WithContext(ctx).Where("handle = ?", owner).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("session: lookup owner %s: %w", owner, err)
	}
	return &user, nil
}

func decodeState(row models.ConversationState) (*State, error) {
	var st State
	if err := json.Unmarshal([]byte(row.StateData), &st); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", row.SessionID, err)
	}
	return &st, nil
}

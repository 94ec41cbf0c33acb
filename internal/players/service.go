package players

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tavernlight/worldsync/internal/auth"
	"github.com/tavernlight/worldsync/internal/world"
)

var (
	// ErrUnknownPlayer indicates that no account matches the identifier.
	ErrUnknownPlayer = errors.New("players: unknown player")
	// ErrBadCredentials indicates a failed username/password check.
	ErrBadCredentials = errors.New("players: bad credentials")
	// ErrDuplicateUsername indicates the username is already registered.
	ErrDuplicateUsername = errors.New("players: username already taken")
)

// ServiceConfig describes the dependencies for player account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages player accounts and credential checks. Resolved usernames
// are cached per process; accounts change rarely compared to how often the
// campaign roster is read.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the player service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("players: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Authenticate verifies a username/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Player, error) {
	username = normalize(username)
	if username == "" {
		return Player{}, ErrBadCredentials
	}

	var player Player
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Take(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Player{}, ErrBadCredentials
	}
	if err != nil {
		return Player{}, err
	}

	if !auth.CheckPassword(player.PasswordHash, password) {
		return Player{}, ErrBadCredentials
	}

	_ = s.db.WithContext(ctx).Model(&Player{}).
		Where("id = ?", player.ID).
		Update("last_seen_at", s.now()).Error
	return player, nil
}

// FindByID loads one account by its identifier string.
func (s *Service) FindByID(ctx context.Context, playerID string) (Player, error) {
	id, err := strconv.ParseInt(normalize(playerID), 10, 64)
	if err != nil {
		return Player{}, ErrUnknownPlayer
	}

	var player Player
	dbErr := s.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&player).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return Player{}, ErrUnknownPlayer
	}
	if dbErr != nil {
		return Player{}, dbErr
	}
	return player, nil
}

// Create registers a new account with the hashed password.
func (s *Service) Create(ctx context.Context, username, displayName, password string) (Player, error) {
	username = normalize(username)
	if username == "" {
		return Player{}, fmt.Errorf("players: username required")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return Player{}, err
	}

	player := Player{
		Username:     username,
		DisplayName:  normalize(displayName),
		PasswordHash: hash,
		LastSeenAt:   s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&player).Error; err != nil {
		var existing Player
		lookupErr := s.db.WithContext(ctx).Where("username = ?", username).Take(&existing).Error
		if lookupErr == nil {
			return Player{}, ErrDuplicateUsername
		}
		return Player{}, err
	}
	return player, nil
}

// ResolvePlayers hydrates player identifiers into display identities,
// preserving input order and skipping identifiers with no account. Satisfies
// world.PlayerResolver.
func (s *Service) ResolvePlayers(ctx context.Context, playerIDs []string) ([]world.PlayerInfo, error) {
	resolved := make([]world.PlayerInfo, 0, len(playerIDs))
	missing := make([]string, 0)

	for _, playerID := range playerIDs {
		if cached, ok := s.cache.Load(playerID); ok {
			if username, ok := cached.(string); ok {
				resolved = append(resolved, world.PlayerInfo{ID: playerID, Username: username})
				continue
			}
		}
		missing = append(missing, playerID)
		resolved = append(resolved, world.PlayerInfo{ID: playerID})
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	ids := make([]int64, 0, len(missing))
	for _, playerID := range missing {
		if id, err := strconv.ParseInt(playerID, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}

	var accounts []Player
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&accounts).Error; err != nil {
		return nil, err
	}
	usernames := make(map[string]string, len(accounts))
	for _, account := range accounts {
		key := strconv.FormatInt(account.ID, 10)
		usernames[key] = account.Username
		s.cache.Store(key, account.Username)
	}

	filled := resolved[:0]
	for _, info := range resolved {
		if info.Username == "" {
			username, ok := usernames[info.ID]
			if !ok {
				continue
			}
			info.Username = username
		}
		filled = append(filled, info)
	}
	return filled, nil
}

package world

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// stepClock hands out strictly increasing instants so inserted actions get
// distinct creation timestamps.
type stepClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func newStepClock(start time.Time, step time.Duration) *stepClock {
	return &stepClock{current: start, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(c.step)
	return c.current
}

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("action-%d", g.next), nil
}

type staticPlayerResolver struct {
	usernames map[string]string
}

func (r *staticPlayerResolver) ResolvePlayers(_ context.Context, playerIDs []string) ([]PlayerInfo, error) {
	resolved := make([]PlayerInfo, 0, len(playerIDs))
	for _, id := range playerIDs {
		username, ok := r.usernames[id]
		if !ok {
			continue
		}
		resolved = append(resolved, PlayerInfo{ID: id, Username: username})
	}
	return resolved, nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *stepClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:worldsync_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Campaign{}, &Map{}, &CampaignProperty{}, &MapProperty{}, &Action{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := newStepClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Millisecond)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{},
		Players: &staticPlayerResolver{usernames: map[string]string{
			"1": "alice",
			"2": "bob",
		}},
	})
	if err != nil {
		t.Fatalf("failed to construct world service: %v", err)
	}

	return service, db, clock
}

func seedCampaign(t *testing.T, db *gorm.DB, campaignID, name string) {
	t.Helper()
	campaign := Campaign{CampaignID: campaignID, Name: name, UpdatedMicros: 1700000000000000}
	if err := db.Create(&campaign).Error; err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}
}

func seedMap(t *testing.T, db *gorm.DB, campaignID, mapID, name string, savedMicros int64) {
	t.Helper()
	tileMap := Map{
		CampaignID:  campaignID,
		MapID:       mapID,
		Name:        name,
		Data:        fmt.Sprintf(`{"name":%q}`, name),
		SavedMicros: savedMicros,
	}
	if err := db.Create(&tileMap).Error; err != nil {
		t.Fatalf("failed to seed map: %v", err)
	}
}

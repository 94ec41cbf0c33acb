package players

import (
	"strings"
	"time"
)

// Player is an account that can authenticate and appear on campaign rosters.
// Campaign membership itself lives in campaign properties (IS_PLAYER,
// IS_MASTER); this table only holds identity and credentials.
type Player struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	PasswordHash string    `gorm:"column:password_hash;size:190;not null"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing player accounts.
func (Player) TableName() string {
	return "players"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

package world

import "time"

// timestampLayout renders instants the way clients expect cursors: ISO-8601
// with microsecond precision in UTC.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Campaign is the root entity a game master runs. Campaigns are provisioned
// administratively; no HTTP endpoint mutates them.
type Campaign struct {
	CampaignID    string `gorm:"column:campaign_id;primaryKey;size:190;not null"`
	Name          string `gorm:"column:name;size:320;not null"`
	UpdatedMicros int64  `gorm:"column:updated_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Campaign) TableName() string {
	return "campaigns"
}

// Map holds the full board document for one map of a campaign. The document
// is replaced wholesale on save; SavedMicros marks the last replacement and
// seeds the map-scoped action cursor.
type Map struct {
	CampaignID  string `gorm:"column:campaign_id;primaryKey;size:190;not null"`
	MapID       string `gorm:"column:map_id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:320;not null"`
	Data        string `gorm:"column:data;type:text;not null"`
	SavedMicros int64  `gorm:"column:saved_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Map) TableName() string {
	return "maps"
}

// CampaignProperty is a key/value fact scoped to a campaign and optionally to
// one player. An empty UserID marks the default row every player falls back
// to. Regular properties keep one row per (campaign, user, name); permission
// rows reuse the same table with one row per shared entity.
type CampaignProperty struct {
	Seq        int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	CampaignID string `gorm:"column:campaign_id;size:190;not null;index:idx_campaign_props_key,priority:1"`
	UserID     string `gorm:"column:user_id;size:190;not null;default:'';index:idx_campaign_props_key,priority:2"`
	Name       string `gorm:"column:name;size:190;not null;index:idx_campaign_props_key,priority:3"`
	Value      string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CampaignProperty) TableName() string {
	return "campaign_properties"
}

// MapProperty mirrors CampaignProperty for map-scoped facts, including the
// SHARED_* permission rows managed by the permission engine.
type MapProperty struct {
	Seq        int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	CampaignID string `gorm:"column:campaign_id;size:190;not null;index:idx_map_props_key,priority:1"`
	MapID      string `gorm:"column:map_id;size:190;not null;index:idx_map_props_key,priority:2"`
	UserID     string `gorm:"column:user_id;size:190;not null;default:'';index:idx_map_props_key,priority:3"`
	Name       string `gorm:"column:name;size:190;not null;index:idx_map_props_key,priority:4"`
	Value      string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MapProperty) TableName() string {
	return "map_properties"
}

// Action is one append-only entry in a campaign's event log. CreatedMicros is
// assigned by the store at insert time and is the sync cursor; Seq breaks
// ordering ties between actions sharing a microsecond.
type Action struct {
	Seq           int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	ActionID      string `gorm:"column:action_id;size:36;uniqueIndex;not null"`
	CampaignID    string `gorm:"column:campaign_id;size:190;not null;index:idx_actions_campaign_created,priority:1"`
	MapID         string `gorm:"column:map_id;size:190;not null;default:''"`
	UserID        string `gorm:"column:user_id;size:190;not null"`
	Data          string `gorm:"column:data;type:text;not null"`
	CreatedMicros int64  `gorm:"column:created_us;not null;index:idx_actions_campaign_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Action) TableName() string {
	return "actions"
}

// PropertyValue is the resolved view of a property row handed to clients.
type PropertyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CampaignSummary lists a campaign in the world index.
type CampaignSummary struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// MapSummary lists a map inside a campaign overview.
type MapSummary struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// FormatTimestamp renders a store timestamp (microseconds since epoch) as an
// ISO-8601 instant.
func FormatTimestamp(micros int64) string {
	return time.UnixMicro(micros).UTC().Format(timestampLayout)
}

// ParseCursor parses a client-supplied ISO-8601 cursor.
func ParseCursor(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, newServiceError(opParseCursor, "invalid_cursor", ErrInvalidCursor)
	}
	return parsed, nil
}

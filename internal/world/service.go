package world

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Well-known campaign membership properties.
const (
	PropertyIsPlayer = "IS_PLAYER"
	PropertyIsMaster = "IS_MASTER"
)

// IDProvider issues identifiers for newly appended actions.
type IDProvider interface {
	NewID() (string, error)
}

// PlayerInfo is the slice of player identity the world service needs when
// assembling a campaign overview.
type PlayerInfo struct {
	ID       string
	Username string
}

// PlayerResolver hydrates player identifiers into display identities. The
// players service satisfies this.
type PlayerResolver interface {
	ResolvePlayers(ctx context.Context, playerIDs []string) ([]PlayerInfo, error)
}

// ServiceConfig bundles the dependencies for the world service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Players    PlayerResolver
	Logger     *zap.Logger
}

// Service implements campaign, map, property, permission, and action-log
// operations over the shared persistence layer.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	players    PlayerResolver
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		players:    cfg.Players,
		logger:     logger,
	}, nil
}

// ListCampaigns returns every campaign ordered by display name.
func (s *Service) ListCampaigns(ctx context.Context) ([]CampaignSummary, error) {
	var campaigns []Campaign
	if err := s.db.WithContext(ctx).Order("name").Find(&campaigns).Error; err != nil {
		s.logError(opListCampaigns, "query_failed", err)
		return nil, newServiceError(opListCampaigns, "query_failed", err)
	}

	summaries := make([]CampaignSummary, 0, len(campaigns))
	for _, campaign := range campaigns {
		summaries = append(summaries, CampaignSummary{Name: campaign.Name, ID: campaign.CampaignID})
	}
	return summaries, nil
}

// CampaignPlayer describes one member of a campaign overview.
type CampaignPlayer struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Master bool   `json:"master"`
}

// CampaignOverview is the resolved view of a campaign for one caller.
type CampaignOverview struct {
	Name          string
	ID            string
	UpdatedMicros int64
	Properties    []PropertyValue
	Maps          []MapSummary
	Players       []CampaignPlayer
}

// LoadCampaign assembles the campaign overview: properties resolved for the
// caller, maps ordered by name, and the player roster with the master
// flagged. The master is the sole owner of the IS_MASTER property.
func (s *Service) LoadCampaign(ctx context.Context, campaignID, callerID string) (CampaignOverview, error) {
	campaign, err := s.findCampaign(ctx, campaignID)
	if err != nil {
		return CampaignOverview{}, err
	}

	properties, err := s.resolveAll(ctx, opCampaignOverview, campaignPropertyScope(campaignID), callerID)
	if err != nil {
		return CampaignOverview{}, err
	}

	var maps []Map
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("name").
		Find(&maps).Error; err != nil {
		s.logError(opCampaignOverview, "map_query_failed", err, zap.String("campaign_id", campaignID))
		return CampaignOverview{}, newServiceError(opCampaignOverview, "map_query_failed", err)
	}
	mapSummaries := make([]MapSummary, 0, len(maps))
	for _, m := range maps {
		mapSummaries = append(mapSummaries, MapSummary{Name: m.Name, ID: m.MapID})
	}

	players, err := s.campaignPlayers(ctx, campaignID)
	if err != nil {
		return CampaignOverview{}, err
	}

	return CampaignOverview{
		Name:          campaign.Name,
		ID:            campaign.CampaignID,
		UpdatedMicros: campaign.UpdatedMicros,
		Properties:    properties,
		Maps:          mapSummaries,
		Players:       players,
	}, nil
}

func (s *Service) campaignPlayers(ctx context.Context, campaignID string) ([]CampaignPlayer, error) {
	var memberRows []CampaignProperty
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND name = ?", campaignID, PropertyIsPlayer).
		Order("seq").
		Find(&memberRows).Error; err != nil {
		s.logError(opCampaignOverview, "player_query_failed", err, zap.String("campaign_id", campaignID))
		return nil, newServiceError(opCampaignOverview, "player_query_failed", err)
	}

	var masterRow CampaignProperty
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND name = ?", campaignID, PropertyIsMaster).
		Take(&masterRow).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opCampaignOverview, "master_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opCampaignOverview, "master_query_failed", err, zap.String("campaign_id", campaignID))
		return nil, newServiceError(opCampaignOverview, "master_query_failed", err)
	}

	playerIDs := make([]string, 0, len(memberRows))
	for _, row := range memberRows {
		playerIDs = append(playerIDs, row.UserID)
	}

	var identities []PlayerInfo
	if s.players != nil {
		identities, err = s.players.ResolvePlayers(ctx, playerIDs)
		if err != nil {
			s.logError(opCampaignOverview, "player_resolve_failed", err, zap.String("campaign_id", campaignID))
			return nil, newServiceError(opCampaignOverview, "player_resolve_failed", err)
		}
	} else {
		identities = make([]PlayerInfo, 0, len(playerIDs))
		for _, id := range playerIDs {
			identities = append(identities, PlayerInfo{ID: id, Username: id})
		}
	}

	players := make([]CampaignPlayer, 0, len(identities))
	for _, identity := range identities {
		players = append(players, CampaignPlayer{
			Name:   identity.Username,
			ID:     identity.ID,
			Master: identity.ID == masterRow.UserID,
		})
	}
	return players, nil
}

func (s *Service) findCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	var campaign Campaign
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Take(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Campaign{}, newServiceError(opCampaignOverview, "campaign_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opCampaignOverview, "campaign_query_failed", err, zap.String("campaign_id", campaignID))
		return Campaign{}, newServiceError(opCampaignOverview, "campaign_query_failed", err)
	}
	return campaign, nil
}

func (s *Service) findMap(ctx context.Context, campaignID, mapID string) (Map, error) {
	var tileMap Map
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
		Take(&tileMap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Map{}, newServiceError(opLoadMap, "map_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opLoadMap, "map_query_failed", err,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return Map{}, newServiceError(opLoadMap, "map_query_failed", err)
	}
	return tileMap, nil
}

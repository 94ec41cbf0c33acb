package world

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MapSnapshot is a loaded board document plus the timestamp of its last full
// replacement.
type MapSnapshot struct {
	Name        string
	Document    json.RawMessage
	SavedMicros int64
}

// SaveMap replaces the map's board document wholesale, creating the map on
// first save. The display name is read from the document's top-level "name"
// field; the saved timestamp becomes the seed cursor for map-scoped actions.
func (s *Service) SaveMap(ctx context.Context, campaignID, mapID string, document json.RawMessage) (MapSnapshot, error) {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return MapSnapshot{}, err
	}

	var header struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(document, &header); err != nil {
		return MapSnapshot{}, newServiceError(opSaveMap, "invalid_document", err)
	}
	if strings.TrimSpace(header.Name) == "" {
		return MapSnapshot{}, newServiceError(opSaveMap, "missing_name", ErrMissingMapName)
	}

	savedMicros := s.clock().UTC().UnixMicro()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Map
		err := tx.Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := Map{
				CampaignID:  campaignID,
				MapID:       mapID,
				Name:        header.Name,
				Data:        string(document),
				SavedMicros: savedMicros,
			}
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&Map{}).
			Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
			Updates(map[string]interface{}{
				"name":     header.Name,
				"data":     string(document),
				"saved_us": savedMicros,
			}).Error
	})
	if txErr != nil {
		s.logError(opSaveMap, "save_failed", txErr,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return MapSnapshot{}, newServiceError(opSaveMap, "save_failed", txErr)
	}

	return MapSnapshot{Name: header.Name, Document: document, SavedMicros: savedMicros}, nil
}

// LoadMap returns the raw stored document and its save timestamp.
func (s *Service) LoadMap(ctx context.Context, campaignID, mapID string) (MapSnapshot, error) {
	tileMap, err := s.findMap(ctx, campaignID, mapID)
	if err != nil {
		return MapSnapshot{}, err
	}
	return MapSnapshot{
		Name:        tileMap.Name,
		Document:    json.RawMessage(tileMap.Data),
		SavedMicros: tileMap.SavedMicros,
	}, nil
}

// DeleteMap removes the map row. Properties and actions referencing the map
// stay behind; actions survive full-campaign sync and properties are cleaned
// up through permission resets.
func (s *Service) DeleteMap(ctx context.Context, campaignID, mapID string) (string, error) {
	tileMap, err := s.findMap(ctx, campaignID, mapID)
	if err != nil {
		return "", err
	}

	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
		Delete(&Map{}).Error; err != nil {
		s.logError(opDeleteMap, "delete_failed", err,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return "", newServiceError(opDeleteMap, "delete_failed", err)
	}
	return tileMap.Name, nil
}

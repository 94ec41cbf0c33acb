package world

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IncomingAction is one client-submitted action. MapID is empty for
// campaign-wide actions; Payload is stored opaquely and echoed to the other
// clients verbatim.
type IncomingAction struct {
	MapID   string
	Payload json.RawMessage
}

// SyncResult carries the actions a client is missing plus the cursor it
// should present on its next call.
type SyncResult struct {
	Actions      []json.RawMessage
	CursorMicros int64
}

// SyncActions appends the caller's new actions and returns every campaign
// action created strictly after the supplied cursor, excluding the caller's
// own rows. Creation timestamps come from the store clock, never from the
// client, so a skewed client clock cannot corrupt the cursor space. The
// append loop runs inside one transaction: either the whole batch commits or
// none of it does.
func (s *Service) SyncActions(ctx context.Context, campaignID, callerID string, cursor time.Time, incoming []IncomingAction) (SyncResult, error) {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return SyncResult{}, err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lastMicros := int64(0)
		for _, action := range incoming {
			if action.MapID != "" {
				var tileMap Map
				err := tx.Where("campaign_id = ? AND map_id = ?", campaignID, action.MapID).
					Take(&tileMap).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return newServiceError(opSyncActions, "map_not_found", ErrNotFound)
				}
				if err != nil {
					return newServiceError(opSyncActions, "map_query_failed", err)
				}
			}

			actionID, err := s.idProvider.NewID()
			if err != nil {
				return newServiceError(opSyncActions, "id_generation_failed", err)
			}

			// Non-decreasing within the batch keeps same-caller ordering
			// stable even if the clock steps backwards between inserts.
			createdMicros := s.clock().UTC().UnixMicro()
			if createdMicros < lastMicros {
				createdMicros = lastMicros
			}
			lastMicros = createdMicros

			row := Action{
				ActionID:      actionID,
				CampaignID:    campaignID,
				MapID:         action.MapID,
				UserID:        callerID,
				Data:          string(action.Payload),
				CreatedMicros: createdMicros,
			}
			if err := tx.Create(&row).Error; err != nil {
				return newServiceError(opSyncActions, "action_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if !errors.As(txErr, &serviceErr) {
			txErr = newServiceError(opSyncActions, "append_failed", txErr)
		}
		if !errors.Is(txErr, ErrNotFound) {
			s.logError(opSyncActions, "append_failed", txErr,
				zap.String("campaign_id", campaignID), zap.String("user_id", callerID))
		}
		return SyncResult{}, txErr
	}

	var rows []Action
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND created_us > ?", campaignID, cursor.UnixMicro()).
		Order("created_us, seq").
		Find(&rows).Error; err != nil {
		s.logError(opSyncActions, "query_failed", err, zap.String("campaign_id", campaignID))
		return SyncResult{}, newServiceError(opSyncActions, "query_failed", err)
	}

	// The new cursor covers the caller's own rows too; a quiet log leaves the
	// cursor untouched so it never regresses.
	cursorMicros := cursor.UnixMicro()
	if len(rows) > 0 {
		cursorMicros = rows[len(rows)-1].CreatedMicros
	}

	payloads := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		if row.UserID == callerID {
			continue
		}
		payloads = append(payloads, json.RawMessage(row.Data))
	}

	return SyncResult{Actions: payloads, CursorMicros: cursorMicros}, nil
}

// ListMapActions returns every action on the map created after its last full
// save, in creation order. Pure read; the cursor is the last action's
// timestamp, or the save timestamp when the log is quiet.
func (s *Service) ListMapActions(ctx context.Context, campaignID, mapID string) (SyncResult, error) {
	tileMap, err := s.findMap(ctx, campaignID, mapID)
	if err != nil {
		return SyncResult{}, err
	}

	var rows []Action
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND map_id = ? AND created_us > ?", campaignID, mapID, tileMap.SavedMicros).
		Order("created_us, seq").
		Find(&rows).Error; err != nil {
		s.logError(opListMapActions, "query_failed", err,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return SyncResult{}, newServiceError(opListMapActions, "query_failed", err)
	}

	cursorMicros := tileMap.SavedMicros
	payloads := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, json.RawMessage(row.Data))
		cursorMicros = row.CreatedMicros
	}

	return SyncResult{Actions: payloads, CursorMicros: cursorMicros}, nil
}

// ResetActions deletes the campaign's whole action log and reports how many
// rows were removed. Irreversible.
func (s *Service) ResetActions(ctx context.Context, campaignID string) (int64, error) {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return 0, err
	}

	result := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Delete(&Action{})
	if result.Error != nil {
		s.logError(opResetActions, "delete_failed", result.Error, zap.String("campaign_id", campaignID))
		return 0, newServiceError(opResetActions, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

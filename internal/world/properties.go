package world

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// propertyScope identifies one property table plus the owner columns every
// query must match. Both flavors (campaign, map) flow through the same
// resolution code so the default/override rule lives in one place.
type propertyScope struct {
	table string
	owner map[string]interface{}
}

func campaignPropertyScope(campaignID string) propertyScope {
	return propertyScope{
		table: CampaignProperty{}.TableName(),
		owner: map[string]interface{}{"campaign_id": campaignID},
	}
}

func mapPropertyScope(campaignID, mapID string) propertyScope {
	return propertyScope{
		table: MapProperty{}.TableName(),
		owner: map[string]interface{}{"campaign_id": campaignID, "map_id": mapID},
	}
}

// propertyRow is the projection shared by both property tables.
type propertyRow struct {
	Seq    int64  `gorm:"column:seq"`
	UserID string `gorm:"column:user_id"`
	Name   string `gorm:"column:name"`
	Value  string `gorm:"column:value"`
}

// resolveProperty returns the user-scoped row if present, falling back to the
// default row, and ErrNotFound when neither exists.
func (s *Service) resolveProperty(ctx context.Context, op string, scope propertyScope, userID, name string) (PropertyValue, error) {
	for _, candidate := range []string{userID, ""} {
		var row propertyRow
		err := s.db.WithContext(ctx).
			Table(scope.table).
			Where(scope.owner).
			Where("user_id = ? AND name = ?", candidate, name).
			Order("seq").
			Take(&row).Error
		if err == nil {
			return PropertyValue{Name: row.Name, Value: row.Value}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(op, "property_query_failed", err, zap.String("name", name))
			return PropertyValue{}, newServiceError(op, "property_query_failed", err)
		}
		if candidate == "" {
			break
		}
	}
	return PropertyValue{}, newServiceError(op, "property_not_found", ErrNotFound)
}

// resolveAll unions the user-scoped rows with every default row whose name
// the user set does not already cover.
func (s *Service) resolveAll(ctx context.Context, op string, scope propertyScope, userID string) ([]PropertyValue, error) {
	var rows []propertyRow
	err := s.db.WithContext(ctx).
		Table(scope.table).
		Where(scope.owner).
		Where("user_id IN ?", []string{userID, ""}).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		s.logError(op, "property_query_failed", err)
		return nil, newServiceError(op, "property_query_failed", err)
	}

	resolved := make([]PropertyValue, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if row.UserID != "" {
			resolved = append(resolved, PropertyValue{Name: row.Name, Value: row.Value})
			seen[row.Name] = true
		}
	}
	for _, row := range rows {
		if row.UserID == "" && !seen[row.Name] {
			resolved = append(resolved, PropertyValue{Name: row.Name, Value: row.Value})
		}
	}
	return resolved, nil
}

// writeProperty upserts the single row keyed by (owner, user, name). The
// find-then-save pair runs in a transaction so retries stay idempotent;
// concurrent writers to the same key race last-write-wins.
func (s *Service) writeProperty(ctx context.Context, op string, scope propertyScope, userID, name, value string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row propertyRow
		err := tx.Table(scope.table).
			Where(scope.owner).
			Where("user_id = ? AND name = ?", userID, name).
			Order("seq").
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			record := map[string]interface{}{
				"user_id": userID,
				"name":    name,
				"value":   value,
			}
			for column, ownerValue := range scope.owner {
				record[column] = ownerValue
			}
			return tx.Table(scope.table).Create(record).Error
		}
		if err != nil {
			return err
		}
		return tx.Table(scope.table).
			Where("seq = ?", row.Seq).
			Update("value", value).Error
	})
	if txErr != nil {
		s.logError(op, "property_write_failed", txErr, zap.String("name", name))
		return newServiceError(op, "property_write_failed", txErr)
	}
	return nil
}

// deleteProperty removes the row keyed by (owner, user, name), reporting
// ErrNotFound when it does not exist.
func (s *Service) deleteProperty(ctx context.Context, op string, scope propertyScope, userID, name string) error {
	result := s.db.WithContext(ctx).
		Table(scope.table).
		Where(scope.owner).
		Where("user_id = ? AND name = ?", userID, name).
		Delete(&propertyRow{})
	if result.Error != nil {
		s.logError(op, "property_delete_failed", result.Error, zap.String("name", name))
		return newServiceError(op, "property_delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(op, "property_not_found", ErrNotFound)
	}
	return nil
}

// ResolveCampaignProperty reads one campaign property for the caller, with
// default fallback.
func (s *Service) ResolveCampaignProperty(ctx context.Context, campaignID, userID, name string) (PropertyValue, error) {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return PropertyValue{}, err
	}
	return s.resolveProperty(ctx, opResolveProperty, campaignPropertyScope(campaignID), userID, name)
}

// WriteCampaignProperty upserts a campaign property. An empty userID writes
// the default scope.
func (s *Service) WriteCampaignProperty(ctx context.Context, campaignID, userID, name, value string) error {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return err
	}
	return s.writeProperty(ctx, opWriteProperty, campaignPropertyScope(campaignID), userID, name, value)
}

// DeleteCampaignProperty removes the caller's campaign property row.
func (s *Service) DeleteCampaignProperty(ctx context.Context, campaignID, userID, name string) error {
	if _, err := s.findCampaign(ctx, campaignID); err != nil {
		return err
	}
	return s.deleteProperty(ctx, opDeleteProperty, campaignPropertyScope(campaignID), userID, name)
}

// MapPropertySet is the resolved property list of a map plus the snapshot
// timestamp clients key their caches on.
type MapPropertySet struct {
	Properties  []PropertyValue
	SavedMicros int64
}

// ResolveMapProperties resolves every map property for the target user,
// defaults included. The target may differ from the caller; the game master
// uses that to inspect what another player would see.
func (s *Service) ResolveMapProperties(ctx context.Context, campaignID, mapID, userID string) (MapPropertySet, error) {
	tileMap, err := s.findMap(ctx, campaignID, mapID)
	if err != nil {
		return MapPropertySet{}, err
	}
	properties, err := s.resolveAll(ctx, opResolveAll, mapPropertyScope(campaignID, mapID), userID)
	if err != nil {
		return MapPropertySet{}, err
	}
	return MapPropertySet{Properties: properties, SavedMicros: tileMap.SavedMicros}, nil
}

// ResolveMapProperty reads one map property for the caller, with default
// fallback.
func (s *Service) ResolveMapProperty(ctx context.Context, campaignID, mapID, userID, name string) (PropertyValue, error) {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return PropertyValue{}, err
	}
	return s.resolveProperty(ctx, opResolveProperty, mapPropertyScope(campaignID, mapID), userID, name)
}

// WriteMapProperty upserts a map property. An empty userID writes the default
// scope.
func (s *Service) WriteMapProperty(ctx context.Context, campaignID, mapID, userID, name, value string) error {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return err
	}
	return s.writeProperty(ctx, opWriteProperty, mapPropertyScope(campaignID, mapID), userID, name, value)
}

// DeleteMapProperty removes the caller's map property row.
func (s *Service) DeleteMapProperty(ctx context.Context, campaignID, mapID, userID, name string) error {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return err
	}
	return s.deleteProperty(ctx, opDeleteProperty, mapPropertyScope(campaignID, mapID), userID, name)
}

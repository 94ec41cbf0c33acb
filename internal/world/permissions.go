package world

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PermissionKind is one of the shareable map-entity attributes. The set is
// closed; unknown kinds are rejected at the boundary.
type PermissionKind string

const (
	PermissionName     PermissionKind = "name"
	PermissionPosition PermissionKind = "position"
	PermissionVision   PermissionKind = "vision"
	PermissionControl  PermissionKind = "control"
	PermissionHealth   PermissionKind = "health"
	PermissionStamina  PermissionKind = "stamina"
	PermissionMana     PermissionKind = "mana"
)

// permissionPropertyNames maps each kind to the property row name it is
// stored under.
var permissionPropertyNames = map[PermissionKind]string{
	PermissionName:     "SHARED_NAME",
	PermissionPosition: "SHARED_POSITION",
	PermissionVision:   "SHARED_VISION",
	PermissionControl:  "SHARED_CONTROL",
	PermissionHealth:   "SHARED_HEALTH",
	PermissionStamina:  "SHARED_STAMINA",
	PermissionMana:     "SHARED_MANA",
}

// PermissionPropertyNames returns every property name used to store
// permission rows.
func PermissionPropertyNames() []string {
	names := make([]string, 0, len(permissionPropertyNames))
	for _, kind := range []PermissionKind{
		PermissionName, PermissionPosition, PermissionVision, PermissionControl,
		PermissionHealth, PermissionStamina, PermissionMana,
	} {
		names = append(names, permissionPropertyNames[kind])
	}
	return names
}

// ParsePermissionKind validates a raw kind string, naming the unrecognized
// value in the error.
func ParsePermissionKind(value string) (PermissionKind, error) {
	kind := PermissionKind(value)
	if _, ok := permissionPropertyNames[kind]; !ok {
		return "", newServiceError(opAssignPerms, "unknown_permission",
			fmt.Errorf("%w: %q", ErrUnknownPermission, value))
	}
	return kind, nil
}

// PropertyName returns the storage name for the kind.
func (k PermissionKind) PropertyName() string {
	return permissionPropertyNames[k]
}

// PermissionAssignment grants one player (or the default scope when PlayerID
// is empty) a shared attribute of one entity.
type PermissionAssignment struct {
	EntityID string
	PlayerID string
	Kind     PermissionKind
}

// AssignPermissions applies an ordered batch of permission grants. Before the
// first assignment of a given attribute kind touching a given target player
// in the batch, every existing owner of that attribute for the named entity
// is cleared across all scopes, default included, so at most one owner
// survives per (entity, attribute). Later entries may reassign what earlier
// entries in the same batch just set. The whole batch is one transaction.
func (s *Service) AssignPermissions(ctx context.Context, campaignID, mapID string, assignments []PermissionAssignment) error {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		clearedTargets := make(map[string]bool, len(assignments))
		for _, assignment := range assignments {
			propertyName, ok := permissionPropertyNames[assignment.Kind]
			if !ok {
				return fmt.Errorf("%w: %q", ErrUnknownPermission, string(assignment.Kind))
			}

			clearKey := assignment.PlayerID + "\x00" + string(assignment.Kind) + "\x00" + assignment.EntityID
			if !clearedTargets[clearKey] {
				if err := tx.
					Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
					Where("name = ? AND value = ?", propertyName, assignment.EntityID).
					Delete(&MapProperty{}).Error; err != nil {
					return err
				}
				clearedTargets[clearKey] = true
			}

			var existing MapProperty
			err := tx.
				Where("campaign_id = ? AND map_id = ? AND user_id = ?", campaignID, mapID, assignment.PlayerID).
				Where("name = ? AND value = ?", propertyName, assignment.EntityID).
				Take(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				row := MapProperty{
					CampaignID: campaignID,
					MapID:      mapID,
					UserID:     assignment.PlayerID,
					Name:       propertyName,
					Value:      assignment.EntityID,
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrUnknownPermission) {
			return newServiceError(opAssignPerms, "unknown_permission", txErr)
		}
		s.logError(opAssignPerms, "assign_failed", txErr,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return newServiceError(opAssignPerms, "assign_failed", txErr)
	}
	return nil
}

// ResetPermissions removes every permission row on the map whose value is one
// of the entity ids, regardless of owning scope. Used when entities leave
// play.
func (s *Service) ResetPermissions(ctx context.Context, campaignID, mapID string, entityIDs []string) error {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
		Where("name IN ? AND value IN ?", PermissionPropertyNames(), entityIDs).
		Delete(&MapProperty{}).Error
	if err != nil {
		s.logError(opResetPerms, "reset_failed", err,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return newServiceError(opResetPerms, "reset_failed", err)
	}
	return nil
}

// ResetPermissionsFor removes the permission rows for the entity ids scoped
// to the given players, or to the default scope when no players are named.
func (s *Service) ResetPermissionsFor(ctx context.Context, campaignID, mapID string, entityIDs, playerIDs []string) error {
	if _, err := s.findMap(ctx, campaignID, mapID); err != nil {
		return err
	}

	scopes := playerIDs
	if len(scopes) == 0 {
		scopes = []string{""}
	}
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND map_id = ?", campaignID, mapID).
		Where("user_id IN ?", scopes).
		Where("name IN ? AND value IN ?", PermissionPropertyNames(), entityIDs).
		Delete(&MapProperty{}).Error
	if err != nil {
		s.logError(opResetPerms, "reset_failed", err,
			zap.String("campaign_id", campaignID), zap.String("map_id", mapID))
		return newServiceError(opResetPerms, "reset_failed", err)
	}
	return nil
}

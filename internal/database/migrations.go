package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tavernlight/worldsync/internal/world"
)

const migrationNormalizePermissionNames = "2026-04-18_normalize_permission_names"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizePermissionNames, apply: normalizePermissionNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early clients wrote permission properties with lowercase kind names; the
// permission engine only recognizes the SHARED_* spellings.
func normalizePermissionNames(db *gorm.DB) error {
	legacy := map[string]world.PermissionKind{
		"shared_name":     world.PermissionName,
		"shared_position": world.PermissionPosition,
		"shared_vision":   world.PermissionVision,
		"shared_control":  world.PermissionControl,
		"shared_health":   world.PermissionHealth,
		"shared_stamina":  world.PermissionStamina,
		"shared_mana":     world.PermissionMana,
	}
	for legacyName, kind := range legacy {
		if err := db.Model(&world.MapProperty{}).
			Where("name = ?", legacyName).
			Update("name", kind.PropertyName()).Error; err != nil {
			return err
		}
	}
	return nil
}

package database

import (
	"errors"
	"time"

	"github.com/presswise/signet/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeLegacySyncStatus = "2026-07-14_normalize_legacy_sync_status"

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
		{name: migrationNormalizeLegacySyncStatus, apply: normalizeLegacySyncStatus},
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

// normalizeLegacySyncStatus rewrites status values written by the first
// importer, which used "complete" and "error" before the status enum settled.
func normalizeLegacySyncStatus(db *gorm.DB) error {
	if err := db.Model(&queue.SubmissionRecord{}).
		Where("sync_status = ?", "complete").
		Update("sync_status", queue.SyncStatusSynced.String()).Error; err != nil {
		return err
	}
	return db.Model(&queue.SubmissionRecord{}).
		Where("sync_status = ?", "error").
		Update("sync_status", queue.SyncStatusFailed.String()).Error
}

package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/quill/internal/posts"
	"github.com/MarcoPoloResearchLab/quill/internal/views"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampNegativeViews     = "2026-10-01_clamp_negative_post_views"
	migrationDiscardOrphanedPending = "2026-10-08_discard_orphaned_pending_views"
	queryNegativeViews              = "views < 0"
	queryPendingWithoutPost         = "status = ? AND post_id NOT IN (?)"
)

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
		{name: migrationClampNegativeViews, apply: clampNegativeViews},
		{name: migrationDiscardOrphanedPending, apply: discardOrphanedPendingViews},
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

// clampNegativeViews repairs counters written by manual edits; views never go below zero.
func clampNegativeViews(db *gorm.DB) error {
	return db.Model(&posts.Post{}).
		Where(queryNegativeViews).
		UpdateColumn("views", 0).Error
}

// discardOrphanedPendingViews resolves pending rows left behind by posts deleted
// while foreign keys were not enforced.
func discardOrphanedPendingViews(db *gorm.DB) error {
	now := time.Now().UTC()
	return db.Model(&views.ViewRecord{}).
		Where(queryPendingWithoutPost, views.StatusPending, db.Model(&posts.Post{}).Select("id")).
		Updates(map[string]any{"status": views.StatusDiscarded, "processed_at": now}).Error
}

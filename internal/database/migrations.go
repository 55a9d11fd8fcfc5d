package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/feed"
	"github.com/MarcoPoloResearchLab/marquee/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCategories = "2024-06-01_normalize_notification_categories"

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
		{name: migrationNormalizeCategories, apply: normalizeCategories},
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

// normalizeCategories upper-cases legacy rows and folds unrecognised kinds into UNKNOWN.
func normalizeCategories(db *gorm.DB) error {
	if err := db.Model(&feed.Notification{}).
		Where("category <> UPPER(category)").
		Update("category", gorm.Expr("UPPER(category)")).Error; err != nil {
		return err
	}
	known := make([]string, 0, len(notifications.Categories()))
	for _, category := range notifications.Categories() {
		known = append(known, string(category))
	}
	return db.Model(&feed.Notification{}).
		Where("category NOT IN ?", known).
		Update("category", string(notifications.CategoryUnknown)).Error
}

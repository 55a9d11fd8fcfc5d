package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/marquee/internal/feed"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesCategories(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&feed.Notification{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []feed.Notification{
		{ID: "n1", Category: "booking", Title: "Booked", CreatedAtMillis: 1},
		{ID: "n2", Category: "loyalty", Title: "Points", CreatedAtMillis: 2},
		{ID: "n3", Category: "SYSTEM", Title: "Maintenance", CreatedAtMillis: 3},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert notifications: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]string{"n1": "BOOKING", "n2": "UNKNOWN", "n3": "SYSTEM"}
	for id, category := range expected {
		var stored feed.Notification
		if err := database.Where("id = ?", id).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", id, err)
		}
		if stored.Category != category {
			testContext.Fatalf("expected %s to be %s, got %s", id, category, stored.Category)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeCategories).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "marquee.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"notifications", "notification_deliveries", "storefront_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

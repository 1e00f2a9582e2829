package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/syncroom-dev/syncroom/backend/internal/persist"
	"github.com/syncroom-dev/syncroom/backend/internal/rooms"
)

func TestApplyMigrationsBackfillsVersionFileIDs(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&persist.RoomVersion{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	version := persist.RoomVersion{
		RoomID:           "room-1",
		FileID:           "",
		Kind:             persist.VersionKindAuto,
		Snapshot:         []byte{1, 2, 3},
		Content:          "console.log(1)",
		CreatedAtSeconds: 1700000000,
	}
	if err := database.Create(&version).Error; err != nil {
		testContext.Fatalf("failed to insert version: %v", err)
	}
	// Create fills zero-value columns from their defaults, so clear the
	// file id the way a pre-migration row would have stored it.
	if err := database.Model(&persist.RoomVersion{}).Where("id = ?", version.ID).Update("file_id", "").Error; err != nil {
		testContext.Fatalf("failed to clear file id: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored persist.RoomVersion
	if err := database.Where("id = ?", version.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload version: %v", err)
	}
	if stored.FileID != rooms.DefaultFileID {
		testContext.Fatalf("expected file id %q after backfill, got %q", rooms.DefaultFileID, stored.FileID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillVersionFileIDs).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "rerun.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&persist.RoomVersion{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected rerun to succeed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single migration record, got %d", count)
	}
}

package persist

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:persist_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&RoomSetting{}, &RoomSnapshot{}, &RoomVersion{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustCreateVersion(t *testing.T, store *Store, version RoomVersion) RoomVersion {
	t.Helper()
	created, err := store.CreateVersion(context.Background(), version)
	if err != nil {
		t.Fatalf("create version failed: %v", err)
	}
	return created
}

func TestSettingsLifecycle(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	if _, err := store.LoadSettings(ctx, "room-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}

	seed := RoomSetting{RoomID: "room-1", Lang: "js", EditorsJSON: "[]"}
	if err := store.EnsureSettings(ctx, seed); err != nil {
		t.Fatalf("ensure settings failed: %v", err)
	}
	if err := store.EnsureSettings(ctx, RoomSetting{RoomID: "room-1", Lang: "py", EditorsJSON: "[]"}); err != nil {
		t.Fatalf("rerun ensure settings failed: %v", err)
	}
	loaded, err := store.LoadSettings(ctx, "room-1")
	if err != nil {
		t.Fatalf("load settings failed: %v", err)
	}
	if loaded.Lang != "js" {
		t.Fatalf("expected ensure rerun to change nothing, got lang %q", loaded.Lang)
	}

	full := RoomSetting{RoomID: "room-1", Lang: "go", Locked: true, OwnerID: "owner", EditorsJSON: `["a"]`}
	if err := store.UpsertSettings(ctx, full); err != nil {
		t.Fatalf("upsert settings failed: %v", err)
	}
	loaded, err = store.LoadSettings(ctx, "room-1")
	if err != nil {
		t.Fatalf("load settings failed: %v", err)
	}
	if loaded.Lang != "go" || !loaded.Locked || loaded.OwnerID != "owner" || loaded.EditorsJSON != `["a"]` {
		t.Fatalf("unexpected row after upsert: %+v", loaded)
	}
}

func TestSnapshotOverwrite(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx, "room-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing snapshot, got %v", err)
	}

	if err := store.SaveSnapshot(ctx, "room-1", []byte("v1")); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	if err := store.SaveSnapshot(ctx, "room-1", []byte("v2")); err != nil {
		t.Fatalf("overwrite snapshot failed: %v", err)
	}

	state, err := store.LoadSnapshot(ctx, "room-1")
	if err != nil {
		t.Fatalf("load snapshot failed: %v", err)
	}
	if string(state) != "v2" {
		t.Fatalf("expected latest snapshot to win, got %q", state)
	}

	var count int64
	if err := store.db.Model(&RoomSnapshot{}).Where("room_id = ?", "room-1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single snapshot row, got %d", count)
	}
}

func TestVersionListAndGet(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	first := mustCreateVersion(t, store, RoomVersion{
		RoomID: "room-1", FileID: "main", Snapshot: []byte("s1"), Content: "one",
	})
	second := mustCreateVersion(t, store, RoomVersion{
		RoomID: "room-1", FileID: "main", Kind: VersionKindMilestone, Label: "release", Snapshot: []byte("s2"), Content: "two",
	})
	if second.ID <= first.ID {
		t.Fatalf("expected version ids to increase")
	}

	listed, err := store.ListVersions(ctx, "room-1", "main", 0)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != second.ID {
		t.Fatalf("expected newest-first listing, got %+v", listed)
	}
	if listed[0].Content != "" || len(listed[0].Snapshot) != 0 {
		t.Fatalf("expected listing to omit payload columns")
	}
	if listed[0].Kind != VersionKindMilestone || listed[0].Label != "release" {
		t.Fatalf("expected milestone metadata in listing, got %+v", listed[0])
	}

	fetched, err := store.GetVersion(ctx, "room-1", "main", first.ID)
	if err != nil {
		t.Fatalf("get version failed: %v", err)
	}
	if fetched.Content != "one" || string(fetched.Snapshot) != "s1" {
		t.Fatalf("expected full payload on get, got %+v", fetched)
	}
	if fetched.Kind != VersionKindAuto {
		t.Fatalf("expected unlabeled create to default to auto, got %q", fetched.Kind)
	}

	if _, err := store.GetVersion(ctx, "room-1", "main", 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetVersion(ctx, "room-1", "other", first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected file id to scope lookups, got %v", err)
	}
}

func TestPruneAutoVersionsRetention(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustCreateVersion(t, store, RoomVersion{
			RoomID: "room-1", FileID: "main", Snapshot: []byte("s"), Content: fmt.Sprintf("auto-%d", i),
		})
	}
	milestone := mustCreateVersion(t, store, RoomVersion{
		RoomID: "room-1", FileID: "main", Kind: VersionKindMilestone, Label: "keep", Snapshot: []byte("s"), Content: "milestone",
	})

	deleted, err := store.PruneAutoVersions(ctx, "room-1", "main", 2)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deletions, got %d", deleted)
	}

	remaining, err := store.ListVersions(ctx, "room-1", "main", 0)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 2 auto plus milestone, got %d rows", len(remaining))
	}
	foundMilestone := false
	for _, row := range remaining {
		if row.ID == milestone.ID {
			foundMilestone = true
		}
	}
	if !foundMilestone {
		t.Fatalf("expected milestone to survive pruning")
	}
}

func TestPruneBelowRetentionIsNoOp(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	mustCreateVersion(t, store, RoomVersion{RoomID: "room-1", FileID: "main", Snapshot: []byte("s"), Content: "only"})

	deleted, err := store.PruneAutoVersions(ctx, "room-1", "main", 5)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected nothing to be deleted, got %d", deleted)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()

	failure := errors.New("boom")
	err := store.Transaction(ctx, func(tx *Store) error {
		if err := tx.SaveSnapshot(ctx, "room-1", []byte("v1")); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected transaction error to surface, got %v", err)
	}
	if _, err := store.LoadSnapshot(ctx, "room-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback to discard the write, got %v", err)
	}
}

package rooms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/syncroom-dev/syncroom/backend/internal/persist"
)

type fakeSettingsRepo struct {
	mu      sync.Mutex
	rows    map[string]persist.RoomSetting
	upserts int
	loadErr error
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{rows: make(map[string]persist.RoomSetting)}
}

func (r *fakeSettingsRepo) LoadSettings(ctx context.Context, roomID string) (persist.RoomSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return persist.RoomSetting{}, r.loadErr
	}
	row, ok := r.rows[roomID]
	if !ok {
		return persist.RoomSetting{}, persist.ErrNotFound
	}
	return row, nil
}

func (r *fakeSettingsRepo) EnsureSettings(ctx context.Context, setting persist.RoomSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[setting.RoomID]; !ok {
		r.rows[setting.RoomID] = setting
	}
	return nil
}

func (r *fakeSettingsRepo) UpsertSettings(ctx context.Context, setting persist.RoomSetting) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[setting.RoomID] = setting
	r.upserts++
	return nil
}

func (r *fakeSettingsRepo) row(roomID string) (persist.RoomSetting, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[roomID]
	return row, ok
}

func (r *fakeSettingsRepo) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

func newTestMetadata(repo SettingsRepo) *Metadata {
	return NewMetadata(MetadataConfig{Repo: repo, Debounce: 10 * time.Millisecond})
}

func TestHydrateSeedsMissingRow(t *testing.T) {
	repo := newFakeSettingsRepo()
	metadata := newTestMetadata(repo)
	defer metadata.Close()

	metadata.Hydrate(context.Background(), "room-1")
	row, ok := repo.row("room-1")
	if !ok {
		t.Fatalf("expected missing row to be seeded")
	}
	if row.Lang != DefaultLanguage || row.EditorsJSON != "[]" {
		t.Fatalf("unexpected seeded row: %+v", row)
	}
	if state := metadata.State("room-1"); state.Lang != DefaultLanguage || state.Locked {
		t.Fatalf("unexpected default state: %+v", state)
	}
}

func TestHydrateRestoresPersistedState(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows["room-1"] = persist.RoomSetting{
		RoomID:      "room-1",
		Lang:        "go",
		Locked:      true,
		OwnerID:     "owner",
		EditorsJSON: `["editor-a"]`,
	}
	metadata := newTestMetadata(repo)
	defer metadata.Close()

	metadata.Hydrate(context.Background(), "room-1")
	state := metadata.State("room-1")
	if state.Lang != "go" || !state.Locked || state.OwnerID != "owner" {
		t.Fatalf("unexpected hydrated state: %+v", state)
	}
	if len(state.Editors) != 1 || state.Editors[0] != "editor-a" {
		t.Fatalf("unexpected editors: %v", state.Editors)
	}
}

func TestHydrateFailureFallsBackToDefaults(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.loadErr = context.DeadlineExceeded
	metadata := newTestMetadata(repo)
	defer metadata.Close()

	metadata.Hydrate(context.Background(), "room-1")
	if !metadata.CanMutate("room-1", "anyone") {
		t.Fatalf("expected room to fail open to unlocked defaults")
	}
}

func TestEnsureOwnerFirstCallerWins(t *testing.T) {
	metadata := newTestMetadata(newFakeSettingsRepo())
	defer metadata.Close()

	if owner := metadata.EnsureOwner("room-1", "alice"); owner != "alice" {
		t.Fatalf("expected alice to become owner, got %q", owner)
	}
	if owner := metadata.EnsureOwner("room-1", "bob"); owner != "alice" {
		t.Fatalf("expected owner to stick, got %q", owner)
	}
	if !metadata.IsOwner("room-1", "alice") || metadata.IsOwner("room-1", "bob") {
		t.Fatalf("unexpected ownership answers")
	}
}

func TestCanMutateLockPolicy(t *testing.T) {
	metadata := newTestMetadata(newFakeSettingsRepo())
	defer metadata.Close()

	metadata.EnsureOwner("room-1", "owner")
	if !metadata.CanMutate("room-1", "guest") {
		t.Fatalf("expected unlocked room to accept anyone")
	}

	metadata.SetLocked("room-1", true)
	if metadata.CanMutate("room-1", "guest") {
		t.Fatalf("expected locked room to reject guests")
	}
	if !metadata.CanMutate("room-1", "owner") {
		t.Fatalf("expected locked room to accept the owner")
	}
	if metadata.CanMutate("room-1", "") {
		t.Fatalf("expected locked room to reject anonymous sessions")
	}

	metadata.AllowEditor("room-1", "guest")
	if !metadata.CanMutate("room-1", "guest") {
		t.Fatalf("expected allowlisted editor to mutate")
	}

	metadata.RevokeEditor("room-1", "guest")
	if metadata.CanMutate("room-1", "guest") {
		t.Fatalf("expected revoked editor to be rejected")
	}
}

func TestUnlockClearsEditors(t *testing.T) {
	metadata := newTestMetadata(newFakeSettingsRepo())
	defer metadata.Close()

	metadata.EnsureOwner("room-1", "owner")
	metadata.SetLocked("room-1", true)
	metadata.AllowEditor("room-1", "guest")

	metadata.SetLocked("room-1", false)
	if editors := metadata.State("room-1").Editors; len(editors) != 0 {
		t.Fatalf("expected unlock to clear editors, got %v", editors)
	}

	// Relocking starts with a clean allowlist.
	metadata.SetLocked("room-1", true)
	if metadata.CanMutate("room-1", "guest") {
		t.Fatalf("expected stale grant to be gone after relock")
	}
}

func TestMutationBurstCollapsesToOneWrite(t *testing.T) {
	repo := newFakeSettingsRepo()
	metadata := newTestMetadata(repo)
	defer metadata.Close()

	metadata.EnsureOwner("room-1", "owner")
	metadata.SetLanguage("room-1", "go")
	metadata.SetLocked("room-1", true)
	metadata.AllowEditor("room-1", "guest")

	deadline := time.After(2 * time.Second)
	for repo.upsertCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected debounced upsert to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(30 * time.Millisecond)
	if got := repo.upsertCount(); got != 1 {
		t.Fatalf("expected burst to collapse into one write, got %d", got)
	}

	row, _ := repo.row("room-1")
	if row.Lang != "go" || !row.Locked || row.OwnerID != "owner" || row.EditorsJSON != `["guest"]` {
		t.Fatalf("unexpected persisted row: %+v", row)
	}
}

type slowSettingsRepo struct {
	*fakeSettingsRepo
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (r *slowSettingsRepo) LoadSettings(ctx context.Context, roomID string) (persist.RoomSetting, error) {
	r.once.Do(func() { close(r.started) })
	<-r.gate
	return r.fakeSettingsRepo.LoadSettings(ctx, roomID)
}

func TestConcurrentHydrateWaitsForPersistedOwner(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows["room-1"] = persist.RoomSetting{
		RoomID:      "room-1",
		Lang:        "go",
		OwnerID:     "db-owner",
		EditorsJSON: "[]",
	}
	slow := &slowSettingsRepo{
		fakeSettingsRepo: repo,
		started:          make(chan struct{}),
		gate:             make(chan struct{}),
	}
	metadata := newTestMetadata(slow)
	defer metadata.Close()

	go metadata.Hydrate(context.Background(), "room-1")
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected first hydrate to reach the settings load")
	}

	resolved := make(chan string, 1)
	go func() {
		metadata.Hydrate(context.Background(), "room-1")
		resolved <- metadata.EnsureOwner("room-1", "late-joiner")
	}()

	select {
	case owner := <-resolved:
		t.Fatalf("expected second hydrate to wait for the row, got owner %q", owner)
	case <-time.After(50 * time.Millisecond):
	}

	close(slow.gate)
	select {
	case owner := <-resolved:
		if owner != "db-owner" {
			t.Fatalf("expected persisted owner to win, got %q", owner)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected second hydrate to unblock")
	}
	if state := metadata.State("room-1"); state.OwnerID != "db-owner" {
		t.Fatalf("expected persisted owner to survive, got %q", state.OwnerID)
	}
}

func TestDropFlushesPendingWrite(t *testing.T) {
	repo := newFakeSettingsRepo()
	metadata := NewMetadata(MetadataConfig{Repo: repo, Debounce: time.Hour})
	defer metadata.Close()

	metadata.EnsureOwner("room-1", "owner")
	metadata.Drop("room-1")

	row, ok := repo.row("room-1")
	if !ok || row.OwnerID != "owner" {
		t.Fatalf("expected drop to flush the pending write, got %+v (present=%v)", row, ok)
	}
	if state := metadata.State("room-1"); state.OwnerID != "" {
		t.Fatalf("expected cache eviction, got %+v", state)
	}
}

package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom-dev/syncroom/backend/internal/persist"
)

const (
	// DefaultLanguage is seeded into every room that never chose one.
	DefaultLanguage = "js"

	defaultMetadataDebounce = 300 * time.Millisecond
	metadataPersistTimeout  = 10 * time.Second
)

// SettingsRepo persists room metadata rows.
type SettingsRepo interface {
	LoadSettings(ctx context.Context, roomID string) (persist.RoomSetting, error)
	EnsureSettings(ctx context.Context, setting persist.RoomSetting) error
	UpsertSettings(ctx context.Context, setting persist.RoomSetting) error
}

// RoomState is a read-only view of a room's metadata for wire emission.
type RoomState struct {
	RoomID  string
	Lang    string
	Locked  bool
	OwnerID string
	Editors []string
}

type roomMeta struct {
	lang    string
	locked  bool
	ownerID string
	editors map[string]struct{}
	// ready is non-nil once a hydrate is in flight and closed when the
	// settings row has been applied; later hydrates wait on it so ownership
	// is always resolved against the persisted row.
	ready chan struct{}
}

// MetadataConfig configures the metadata store.
type MetadataConfig struct {
	Repo     SettingsRepo
	Logger   *zap.Logger
	Debounce time.Duration
}

// Metadata caches per-room language, lock, owner, and editor-allowlist state.
// Rows hydrate once per process lifetime, fail open to defaults, and every
// mutation schedules a debounced full-row upsert so bursts collapse into one
// write. The store itself enforces nothing; sessions consult CanMutate.
type Metadata struct {
	repo   SettingsRepo
	logger *zap.Logger
	saver  *persist.Debouncer

	mu    sync.Mutex
	rooms map[string]*roomMeta
}

// NewMetadata constructs the metadata store.
func NewMetadata(cfg MetadataConfig) *Metadata {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultMetadataDebounce
	}
	store := &Metadata{
		repo:   cfg.Repo,
		logger: logger,
		rooms:  make(map[string]*roomMeta),
	}
	store.saver = persist.NewDebouncer(debounce, store.persistRoom)
	return store
}

// Hydrate loads the room's metadata row once. A missing row is created with
// defaults through an idempotent insert; a load error falls back to defaults
// and the room stays available. Concurrent callers block until the first
// hydrate has applied the row, so no caller observes pre-hydrate defaults.
func (m *Metadata) Hydrate(ctx context.Context, roomID string) {
	m.mu.Lock()
	meta := m.ensureLocked(roomID)
	if meta.ready != nil {
		ready := meta.ready
		m.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
		}
		return
	}
	ready := make(chan struct{})
	meta.ready = ready
	m.mu.Unlock()
	defer close(ready)

	if m.repo == nil {
		return
	}

	setting, err := m.repo.LoadSettings(ctx, roomID)
	if errors.Is(err, persist.ErrNotFound) {
		seedErr := m.repo.EnsureSettings(ctx, persist.RoomSetting{
			RoomID:      roomID,
			Lang:        DefaultLanguage,
			EditorsJSON: "[]",
		})
		if seedErr != nil {
			m.logger.Warn("room settings seed failed",
				zap.String("room_id", roomID), zap.Error(seedErr))
		}
		return
	}
	if err != nil {
		m.logger.Warn("room settings load failed, using defaults",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}

	editors := make(map[string]struct{})
	var editorList []string
	if unmarshalErr := json.Unmarshal([]byte(setting.EditorsJSON), &editorList); unmarshalErr != nil {
		m.logger.Warn("room editors decode failed",
			zap.String("room_id", roomID), zap.Error(unmarshalErr))
	}
	for _, editor := range editorList {
		editors[editor] = struct{}{}
	}

	m.mu.Lock()
	meta = m.ensureLocked(roomID)
	if setting.Lang != "" {
		meta.lang = setting.Lang
	}
	meta.locked = setting.Locked
	if setting.OwnerID != "" {
		meta.ownerID = setting.OwnerID
	}
	meta.editors = editors
	m.mu.Unlock()
}

// EnsureOwner records userID as the room owner if none is set; the first
// non-empty caller wins and later calls are no-ops. It returns the owner.
func (m *Metadata) EnsureOwner(roomID, userID string) string {
	m.mu.Lock()
	meta := m.ensureLocked(roomID)
	if meta.ownerID == "" && userID != "" {
		meta.ownerID = userID
		m.mu.Unlock()
		m.saver.Schedule(roomID)
		return userID
	}
	owner := meta.ownerID
	m.mu.Unlock()
	return owner
}

// IsOwner reports whether userID owns the room.
func (m *Metadata) IsOwner(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.rooms[roomID]
	return meta != nil && meta.ownerID != "" && meta.ownerID == userID
}

// SetLocked toggles the room lock. Unlocking clears the editor allowlist as a
// side effect: access grants only outlive the lock they were issued under.
func (m *Metadata) SetLocked(roomID string, locked bool) {
	m.mu.Lock()
	meta := m.ensureLocked(roomID)
	meta.locked = locked
	if !locked {
		meta.editors = make(map[string]struct{})
	}
	m.mu.Unlock()
	m.saver.Schedule(roomID)
}

// AllowEditor grants userID edit access while the room is locked.
func (m *Metadata) AllowEditor(roomID, userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	m.ensureLocked(roomID).editors[userID] = struct{}{}
	m.mu.Unlock()
	m.saver.Schedule(roomID)
}

// RevokeEditor removes userID from the allowlist.
func (m *Metadata) RevokeEditor(roomID, userID string) {
	m.mu.Lock()
	delete(m.ensureLocked(roomID).editors, userID)
	m.mu.Unlock()
	m.saver.Schedule(roomID)
}

// SetLanguage records the room's language.
func (m *Metadata) SetLanguage(roomID, lang string) {
	if lang == "" {
		return
	}
	m.mu.Lock()
	m.ensureLocked(roomID).lang = lang
	m.mu.Unlock()
	m.saver.Schedule(roomID)
}

// CanMutate reports whether userID may mutate the room: unlocked rooms accept
// everyone; locked rooms accept the owner and allowlisted editors.
func (m *Metadata) CanMutate(roomID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.rooms[roomID]
	if meta == nil || !meta.locked {
		return true
	}
	if userID == "" {
		return false
	}
	if meta.ownerID == userID {
		return true
	}
	_, allowed := meta.editors[userID]
	return allowed
}

// State returns a copy of the room's metadata.
func (m *Metadata) State(roomID string) RoomState {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.rooms[roomID]
	if meta == nil {
		return RoomState{RoomID: roomID, Lang: DefaultLanguage, Editors: []string{}}
	}
	return RoomState{
		RoomID:  roomID,
		Lang:    meta.lang,
		Locked:  meta.locked,
		OwnerID: meta.ownerID,
		Editors: sortedEditors(meta.editors),
	}
}

// Drop flushes any pending write for the room and evicts its cache entry,
// typically during idle teardown.
func (m *Metadata) Drop(roomID string) {
	m.saver.FlushKey(roomID)
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
}

// Close flushes every pending write and stops the debouncer.
func (m *Metadata) Close() {
	m.saver.Stop()
}

func (m *Metadata) ensureLocked(roomID string) *roomMeta {
	meta, ok := m.rooms[roomID]
	if !ok {
		meta = &roomMeta{lang: DefaultLanguage, editors: make(map[string]struct{})}
		m.rooms[roomID] = meta
	}
	return meta
}

func (m *Metadata) persistRoom(roomID string) {
	if m.repo == nil {
		return
	}
	m.mu.Lock()
	meta := m.rooms[roomID]
	if meta == nil {
		m.mu.Unlock()
		return
	}
	editors := sortedEditors(meta.editors)
	setting := persist.RoomSetting{
		RoomID:  roomID,
		Lang:    meta.lang,
		Locked:  meta.locked,
		OwnerID: meta.ownerID,
	}
	m.mu.Unlock()

	encoded, err := json.Marshal(editors)
	if err != nil {
		encoded = []byte("[]")
	}
	setting.EditorsJSON = string(encoded)

	ctx, cancel := context.WithTimeout(context.Background(), metadataPersistTimeout)
	defer cancel()
	if err := m.repo.UpsertSettings(ctx, setting); err != nil {
		m.logger.Warn("room settings persist failed",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

func sortedEditors(editors map[string]struct{}) []string {
	list := make([]string, 0, len(editors))
	for editor := range editors {
		list = append(list, editor)
	}
	sort.Strings(list)
	return list
}

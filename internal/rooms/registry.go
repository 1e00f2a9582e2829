// Package rooms owns the per-room live state: the document registry with its
// idle reaper, the metadata/access-control store, and the file-tree
// operations layered over the shared document.
package rooms

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom-dev/syncroom/backend/internal/crdt"
)

// Origin tags distinguishing how a document mutation entered the room.
const (
	OriginHydrate = "hydrate"
	OriginRemote  = "remote"
	OriginFs      = "fs"
	OriginRestore = "restore"
)

const defaultIdleTeardown = 10 * time.Minute

var (
	errMissingRoomID = errors.New("rooms: room identifier is required")

	// ErrRoomNotFound indicates an operation against a room with no live document.
	ErrRoomNotFound = errors.New("rooms: room not found")
)

// SnapshotLoader loads the latest persisted snapshot for a room. A missing
// snapshot is reported with persist.ErrNotFound semantics by returning an
// error the registry treats as "start empty".
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, roomID string) ([]byte, error)
}

// RegistryConfig configures the document registry.
type RegistryConfig struct {
	Snapshots    SnapshotLoader
	Logger       *zap.Logger
	IdleTeardown time.Duration
	// OnChange observes every document mutation except hydration. The
	// persistence scheduler hangs off this hook.
	OnChange func(roomID string, update crdt.Update)
	// OnTeardown runs after a room's document is freed so collaborating
	// state (metadata cache, scheduler tickers) can be dropped too.
	OnTeardown func(roomID string)
	// NotFound reports whether a snapshot-load error means "no snapshot"
	// rather than a real failure.
	NotFound func(err error) bool
}

type roomEntry struct {
	doc   *crdt.Doc
	gate  sync.Mutex
	ready chan struct{}
	// destroying marks an entry claimed by Destroy while its teardown hooks
	// still flush pending persistence against the live document.
	destroying bool
}

// Registry owns one live document per active room: lazy idempotent creation,
// hydrate-once from the latest snapshot, a per-room exclusive section, and
// idle teardown timers.
type Registry struct {
	snapshots    SnapshotLoader
	logger       *zap.Logger
	idleTeardown time.Duration
	onChange     func(roomID string, update crdt.Update)
	onTeardown   func(roomID string)
	notFound     func(err error) bool

	mu     sync.Mutex
	rooms  map[string]*roomEntry
	timers map[string]*time.Timer
}

// NewRegistry constructs a Registry from the provided configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := cfg.IdleTeardown
	if idle <= 0 {
		idle = defaultIdleTeardown
	}
	notFound := cfg.NotFound
	if notFound == nil {
		notFound = func(error) bool { return false }
	}
	return &Registry{
		snapshots:    cfg.Snapshots,
		logger:       logger,
		idleTeardown: idle,
		onChange:     cfg.OnChange,
		onTeardown:   cfg.OnTeardown,
		notFound:     notFound,
		rooms:        make(map[string]*roomEntry),
		timers:       make(map[string]*time.Timer),
	}
}

// GetOrCreate returns the room's document, constructing it exactly once.
// Concurrent calls for an unseen room attach to the same in-flight creation;
// hydration from the latest snapshot runs once in the background and is
// awaited through WaitUntilReady.
func (r *Registry) GetOrCreate(roomID string) *crdt.Doc {
	r.mu.Lock()
	entry, ok := r.rooms[roomID]
	if ok && !entry.destroying {
		r.mu.Unlock()
		return entry.doc
	}
	entry = &roomEntry{doc: crdt.New(), ready: make(chan struct{})}
	r.rooms[roomID] = entry
	r.mu.Unlock()

	entry.doc.Observe(func(update crdt.Update) {
		if update.Origin == OriginHydrate {
			return
		}
		if r.onChange != nil {
			r.onChange(roomID, update)
		}
	})

	go r.hydrate(roomID, entry)
	return entry.doc
}

// hydrate applies the persisted snapshot, if any, then opens the ready gate.
// Load failure is non-fatal: the room proceeds empty.
func (r *Registry) hydrate(roomID string, entry *roomEntry) {
	defer close(entry.ready)

	if r.snapshots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := r.snapshots.LoadSnapshot(ctx, roomID)
	if err != nil {
		if !r.notFound(err) {
			r.logger.Warn("room snapshot load failed, continuing empty",
				zap.String("room_id", roomID), zap.Error(err))
		}
		return
	}
	if len(state) == 0 {
		return
	}

	entry.gate.Lock()
	_, err = entry.doc.ApplyUpdate(state, OriginHydrate)
	entry.gate.Unlock()
	if err != nil {
		r.logger.Warn("room snapshot apply failed, continuing empty",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

// WaitUntilReady suspends until the room's snapshot hydration completed.
// Sessions must pass through here before receiving their full-state sync.
func (r *Registry) WaitUntilReady(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errMissingRoomID
	}
	r.GetOrCreate(roomID)
	r.mu.Lock()
	entry := r.rooms[roomID]
	r.mu.Unlock()
	if entry == nil {
		return ErrRoomNotFound
	}
	select {
	case <-entry.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn inside the room's exclusive section. All mutation and broadcast
// for one room is serialized through this gate.
func (r *Registry) Do(roomID string, fn func(doc *crdt.Doc) error) error {
	r.mu.Lock()
	entry := r.rooms[roomID]
	r.mu.Unlock()
	if entry == nil {
		return ErrRoomNotFound
	}
	entry.gate.Lock()
	defer entry.gate.Unlock()
	return fn(entry.doc)
}

// ApplyRemoteUpdate merges a client update, tagged so observers can tell it
// from an echo of their own writes.
func (r *Registry) ApplyRemoteUpdate(roomID string, update []byte) error {
	return r.Do(roomID, func(doc *crdt.Doc) error {
		_, err := doc.ApplyUpdate(update, OriginRemote)
		return err
	})
}

// EncodeFullState returns the room's complete state for a new joiner.
func (r *Registry) EncodeFullState(roomID string) ([]byte, error) {
	var state []byte
	err := r.Do(roomID, func(doc *crdt.Doc) error {
		state = doc.EncodeState()
		return nil
	})
	return state, err
}

// FileTexts returns the plain text of every file in the room's document.
func (r *Registry) FileTexts(roomID string) (map[string]string, error) {
	var texts map[string]string
	err := r.Do(roomID, func(doc *crdt.Doc) error {
		var treeErr error
		texts, treeErr = NewTree(doc).FileTexts()
		return treeErr
	})
	return texts, err
}

// ReplaceFileText replaces one file's text wholesale and returns the
// resulting full state.
func (r *Registry) ReplaceFileText(roomID, fileID, content string) ([]byte, error) {
	var state []byte
	err := r.Do(roomID, func(doc *crdt.Doc) error {
		if err := NewTree(doc).ReplaceFileText(fileID, content); err != nil {
			return err
		}
		state = doc.EncodeState()
		return nil
	})
	return state, err
}

// Destroy cancels the room's timers and frees its document. Idempotent.
// Teardown hooks run before the entry is removed so pending persistence can
// still flush against the live document.
func (r *Registry) Destroy(roomID string) {
	r.mu.Lock()
	entry, ok := r.rooms[roomID]
	if ok && entry.destroying {
		ok = false
	}
	if ok {
		entry.destroying = true
	}
	if timer, hasTimer := r.timers[roomID]; hasTimer {
		timer.Stop()
		delete(r.timers, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.onTeardown != nil {
		r.onTeardown(roomID)
	}
	r.mu.Lock()
	if current, stillThere := r.rooms[roomID]; stillThere && current == entry {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	entry.doc.Destroy()
	r.logger.Info("room destroyed", zap.String("room_id", roomID))
}

// ScheduleTeardown arms (or re-arms) the idle teardown timer for roomID.
func (r *Registry) ScheduleTeardown(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return
	}
	if timer, hasTimer := r.timers[roomID]; hasTimer {
		timer.Stop()
	}
	r.timers[roomID] = time.AfterFunc(r.idleTeardown, func() {
		r.Destroy(roomID)
	})
}

// CancelTeardown disarms any pending teardown, typically on rejoin.
func (r *Registry) CancelTeardown(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[roomID]; ok {
		timer.Stop()
		delete(r.timers, roomID)
	}
}

// Active reports whether the room currently holds a live document.
func (r *Registry) Active(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

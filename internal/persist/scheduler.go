package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSnapshotDebounce = time.Second
	defaultVersionInterval  = 5 * time.Minute
	defaultKeepAutoVersions = 200
	persistTimeout          = 10 * time.Second

	opSchedulerNew    = "persist.scheduler.new"
	opSnapshotSave    = "persist.scheduler.snapshot_save"
	opAutoCapture     = "persist.scheduler.auto_capture"
	opCreateMilestone = "persist.scheduler.create_milestone"
	opRestoreVersion  = "persist.scheduler.restore_version"
)

var (
	errMissingStore     = errors.New("store is required")
	errMissingDocuments = errors.New("document source is required")

	// ErrUnknownFile indicates a fileID absent from the room's document.
	ErrUnknownFile = errors.New("persist: unknown file")
)

// DocumentSource exposes the live room documents the scheduler captures from.
type DocumentSource interface {
	EncodeFullState(roomID string) ([]byte, error)
	FileTexts(roomID string) (map[string]string, error)
	ReplaceFileText(roomID, fileID, content string) ([]byte, error)
}

// SchedulerConfig configures the persistence scheduler.
type SchedulerConfig struct {
	Store            *Store
	Documents        DocumentSource
	Logger           *zap.Logger
	Clock            func() time.Time
	SnapshotDebounce time.Duration
	VersionInterval  time.Duration
	KeepAutoVersions int
}

type roomCapture struct {
	ticker       *time.Ticker
	stop         chan struct{}
	lastCaptured map[string]string
}

// Scheduler drives the two persistence cadences per active room: a debounced
// latest-snapshot save and a periodic auto-versioning pass with retention,
// plus synchronous milestones and restores. Every I/O failure is logged and
// swallowed; durability is delayed, never a room outage.
type Scheduler struct {
	store     *Store
	documents DocumentSource
	logger    *zap.Logger
	clock     func() time.Time

	versionInterval  time.Duration
	keepAutoVersions int

	snapshots *Debouncer

	mu    sync.Mutex
	rooms map[string]*roomCapture
}

// NewScheduler constructs a Scheduler from the provided configuration.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, newStoreError(opSchedulerNew, "missing_store", errMissingStore)
	}
	if cfg.Documents == nil {
		return nil, newStoreError(opSchedulerNew, "missing_documents", errMissingDocuments)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	snapshotDebounce := cfg.SnapshotDebounce
	if snapshotDebounce <= 0 {
		snapshotDebounce = defaultSnapshotDebounce
	}
	versionInterval := cfg.VersionInterval
	if versionInterval <= 0 {
		versionInterval = defaultVersionInterval
	}
	keep := cfg.KeepAutoVersions
	if keep <= 0 {
		keep = defaultKeepAutoVersions
	}

	scheduler := &Scheduler{
		store:            cfg.Store,
		documents:        cfg.Documents,
		logger:           logger,
		clock:            clock,
		versionInterval:  versionInterval,
		keepAutoVersions: keep,
		rooms:            make(map[string]*roomCapture),
	}
	scheduler.snapshots = NewDebouncer(snapshotDebounce, scheduler.saveSnapshot)
	return scheduler, nil
}

// NoteChange records that roomID's document mutated: the snapshot save is
// re-debounced and the room's auto-version ticker is started if absent.
// Called from the document change observer; it never blocks on I/O.
func (s *Scheduler) NoteChange(roomID string) {
	if roomID == "" {
		return
	}
	s.snapshots.Schedule(roomID)
	s.ensureCapture(roomID)
}

// CreateMilestone synchronously captures a never-pruned version of one file.
// The label is optional. The capture is recorded so subsequent unchanged auto
// ticks stay silent.
func (s *Scheduler) CreateMilestone(ctx context.Context, roomID, fileID, label, createdBy string) (RoomVersion, error) {
	texts, err := s.documents.FileTexts(roomID)
	if err != nil {
		s.logError(opCreateMilestone, "texts_failed", err, roomID, fileID)
		return RoomVersion{}, newStoreError(opCreateMilestone, "texts_failed", err)
	}
	content, ok := texts[fileID]
	if !ok {
		return RoomVersion{}, ErrUnknownFile
	}
	state, err := s.documents.EncodeFullState(roomID)
	if err != nil {
		s.logError(opCreateMilestone, "encode_failed", err, roomID, fileID)
		return RoomVersion{}, newStoreError(opCreateMilestone, "encode_failed", err)
	}

	version, err := s.store.CreateVersion(ctx, RoomVersion{
		RoomID:    roomID,
		FileID:    fileID,
		Kind:      VersionKindMilestone,
		Label:     label,
		CreatedBy: createdBy,
		Snapshot:  state,
		Content:   content,
	})
	if err != nil {
		return RoomVersion{}, err
	}
	s.recordCapture(roomID, fileID, content)
	return version, nil
}

// Restore replaces the target file's live text wholesale with the stored
// version content inside one database transaction, and returns the resulting
// full state so the caller can broadcast it.
func (s *Scheduler) Restore(ctx context.Context, roomID, fileID string, versionID int64) ([]byte, error) {
	var state []byte
	err := s.store.Transaction(ctx, func(tx *Store) error {
		version, err := tx.GetVersion(ctx, roomID, fileID, versionID)
		if err != nil {
			return err
		}
		restored, err := s.documents.ReplaceFileText(roomID, fileID, version.Content)
		if err != nil {
			return newStoreError(opRestoreVersion, "replace_failed", err)
		}
		if err := tx.SaveSnapshot(ctx, roomID, restored); err != nil {
			return err
		}
		state = restored
		s.recordCapture(roomID, fileID, version.Content)
		return nil
	})
	if err != nil {
		s.logError(opRestoreVersion, "transaction_failed", err, roomID, fileID)
		return nil, err
	}
	return state, nil
}

// DropRoom stops the room's capture ticker and flushes its pending snapshot.
func (s *Scheduler) DropRoom(roomID string) {
	s.mu.Lock()
	capture, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if ok {
		capture.ticker.Stop()
		close(capture.stop)
	}
	s.snapshots.FlushKey(roomID)
}

// Stop shuts down every ticker and flushes all pending snapshot saves.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*roomCapture)
	s.mu.Unlock()
	for _, capture := range rooms {
		capture.ticker.Stop()
		close(capture.stop)
	}
	s.snapshots.Stop()
}

func (s *Scheduler) ensureCapture(roomID string) *roomCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if capture, ok := s.rooms[roomID]; ok {
		return capture
	}
	capture := &roomCapture{
		ticker:       time.NewTicker(s.versionInterval),
		stop:         make(chan struct{}),
		lastCaptured: make(map[string]string),
	}
	s.rooms[roomID] = capture
	go func() {
		for {
			select {
			case <-capture.ticker.C:
				s.captureVersions(roomID, capture)
			case <-capture.stop:
				return
			}
		}
	}()
	return capture
}

// captureVersions appends one auto row per file whose text changed since the
// last capture, then prunes retention. Unchanged files are skipped.
func (s *Scheduler) captureVersions(roomID string, capture *roomCapture) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	texts, err := s.documents.FileTexts(roomID)
	if err != nil {
		s.logError(opAutoCapture, "texts_failed", err, roomID, "")
		return
	}

	fileIDs := make([]string, 0, len(texts))
	for fileID := range texts {
		fileIDs = append(fileIDs, fileID)
	}
	sort.Strings(fileIDs)

	var state []byte
	for _, fileID := range fileIDs {
		content := texts[fileID]
		s.mu.Lock()
		last, seen := capture.lastCaptured[fileID]
		s.mu.Unlock()
		if seen && last == content {
			continue
		}
		if state == nil {
			state, err = s.documents.EncodeFullState(roomID)
			if err != nil {
				s.logError(opAutoCapture, "encode_failed", err, roomID, fileID)
				return
			}
		}
		_, err := s.store.CreateVersion(ctx, RoomVersion{
			RoomID:   roomID,
			FileID:   fileID,
			Kind:     VersionKindAuto,
			Snapshot: state,
			Content:  content,
		})
		if err != nil {
			s.logError(opAutoCapture, "version_failed", err, roomID, fileID)
			continue
		}
		s.recordCapture(roomID, fileID, content)
		if _, err := s.store.PruneAutoVersions(ctx, roomID, fileID, s.keepAutoVersions); err != nil {
			s.logError(opAutoCapture, "prune_failed", err, roomID, fileID)
		}
	}
}

// CaptureNow runs one auto-capture pass immediately. The periodic ticker
// calls the same path; tests and administrative tooling use this directly.
func (s *Scheduler) CaptureNow(roomID string) {
	s.captureVersions(roomID, s.ensureCapture(roomID))
}

func (s *Scheduler) recordCapture(roomID, fileID, content string) {
	capture := s.ensureCapture(roomID)
	s.mu.Lock()
	capture.lastCaptured[fileID] = content
	s.mu.Unlock()
}

func (s *Scheduler) saveSnapshot(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	state, err := s.documents.EncodeFullState(roomID)
	if err != nil {
		s.logError(opSnapshotSave, "encode_failed", err, roomID, "")
		return
	}
	if err := s.store.SaveSnapshot(ctx, roomID, state); err != nil {
		s.logError(opSnapshotSave, "save_failed", err, roomID, "")
	}
}

func (s *Scheduler) logError(operation, reason string, err error, roomID, fileID string) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("room_id", roomID),
	}
	if fileID != "" {
		attrs = append(attrs, zap.String("file_id", fileID))
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	s.logger.Error("persistence scheduler error", attrs...)
}

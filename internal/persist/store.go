package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRoomID   = errors.New("room identifier is required")
	errMissingFileID   = errors.New("file identifier is required")

	// ErrNotFound indicates a missing row for a lookup by key.
	ErrNotFound = errors.New("persist: record not found")

	noOpLogger = zap.NewNop()
)

const (
	opStoreNew          = "persist.store.new"
	opLoadSettings      = "persist.load_settings"
	opEnsureSettings    = "persist.ensure_settings"
	opUpsertSettings    = "persist.upsert_settings"
	opLoadSnapshot      = "persist.load_snapshot"
	opSaveSnapshot      = "persist.save_snapshot"
	opCreateVersion     = "persist.create_version"
	opListVersions      = "persist.list_versions"
	opGetVersion        = "persist.get_version"
	opPruneAutoVersions = "persist.prune_auto_versions"
)

// StoreError carries an operation.reason code alongside the wrapped cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig configures the persistence store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists room settings, latest snapshots, and version history rows.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store from the provided configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Transaction runs fn against a store bound to one database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, clock: s.clock, logger: s.logger})
	})
}

// LoadSettings returns the settings row for roomID, or ErrNotFound.
func (s *Store) LoadSettings(ctx context.Context, roomID string) (RoomSetting, error) {
	if roomID == "" {
		return RoomSetting{}, newStoreError(opLoadSettings, "missing_room_id", errMissingRoomID)
	}
	var setting RoomSetting
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomSetting{}, ErrNotFound
	}
	if err != nil {
		s.logError(opLoadSettings, "query_failed", err, zap.String("room_id", roomID))
		return RoomSetting{}, newStoreError(opLoadSettings, "query_failed", err)
	}
	return setting, nil
}

// EnsureSettings inserts the row once; concurrent calls and reruns are no-ops.
func (s *Store) EnsureSettings(ctx context.Context, setting RoomSetting) error {
	if setting.RoomID == "" {
		return newStoreError(opEnsureSettings, "missing_room_id", errMissingRoomID)
	}
	setting.UpdatedAtSeconds = s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&setting).Error
	if err != nil {
		s.logError(opEnsureSettings, "insert_failed", err, zap.String("room_id", setting.RoomID))
		return newStoreError(opEnsureSettings, "insert_failed", err)
	}
	return nil
}

// UpsertSettings writes the full settings row, overwriting any previous state.
func (s *Store) UpsertSettings(ctx context.Context, setting RoomSetting) error {
	if setting.RoomID == "" {
		return newStoreError(opUpsertSettings, "missing_room_id", errMissingRoomID)
	}
	setting.UpdatedAtSeconds = s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&setting).Error
	if err != nil {
		s.logError(opUpsertSettings, "upsert_failed", err, zap.String("room_id", setting.RoomID))
		return newStoreError(opUpsertSettings, "upsert_failed", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot bytes for roomID, or ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	if roomID == "" {
		return nil, newStoreError(opLoadSnapshot, "missing_room_id", errMissingRoomID)
	}
	var snapshot RoomSnapshot
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opLoadSnapshot, "query_failed", err, zap.String("room_id", roomID))
		return nil, newStoreError(opLoadSnapshot, "query_failed", err)
	}
	return snapshot.Snapshot, nil
}

// SaveSnapshot upserts the single latest-snapshot row for roomID.
func (s *Store) SaveSnapshot(ctx context.Context, roomID string, state []byte) error {
	if roomID == "" {
		return newStoreError(opSaveSnapshot, "missing_room_id", errMissingRoomID)
	}
	row := RoomSnapshot{
		RoomID:           roomID,
		Snapshot:         state,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		s.logError(opSaveSnapshot, "upsert_failed", err, zap.String("room_id", roomID))
		return newStoreError(opSaveSnapshot, "upsert_failed", err)
	}
	return nil
}

// CreateVersion appends one immutable version-history row.
func (s *Store) CreateVersion(ctx context.Context, version RoomVersion) (RoomVersion, error) {
	if version.RoomID == "" {
		return RoomVersion{}, newStoreError(opCreateVersion, "missing_room_id", errMissingRoomID)
	}
	if version.FileID == "" {
		return RoomVersion{}, newStoreError(opCreateVersion, "missing_file_id", errMissingFileID)
	}
	if version.Kind == "" {
		version.Kind = VersionKindAuto
	}
	version.ID = 0
	version.CreatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Create(&version).Error; err != nil {
		s.logError(opCreateVersion, "insert_failed", err,
			zap.String("room_id", version.RoomID),
			zap.String("file_id", version.FileID))
		return RoomVersion{}, newStoreError(opCreateVersion, "insert_failed", err)
	}
	return version, nil
}

// ListVersions returns the newest version rows for (roomID, fileID) without
// their payload columns.
func (s *Store) ListVersions(ctx context.Context, roomID, fileID string, limit int) ([]RoomVersion, error) {
	if roomID == "" {
		return nil, newStoreError(opListVersions, "missing_room_id", errMissingRoomID)
	}
	if fileID == "" {
		return nil, newStoreError(opListVersions, "missing_file_id", errMissingFileID)
	}
	if limit <= 0 {
		limit = 50
	}
	var versions []RoomVersion
	err := s.db.WithContext(ctx).
		Select("id", "room_id", "file_id", "kind", "label", "created_by", "created_at_s").
		Where("room_id = ? AND file_id = ?", roomID, fileID).
		Order("id DESC").
		Limit(limit).
		Find(&versions).Error
	if err != nil {
		s.logError(opListVersions, "query_failed", err,
			zap.String("room_id", roomID),
			zap.String("file_id", fileID))
		return nil, newStoreError(opListVersions, "query_failed", err)
	}
	return versions, nil
}

// GetVersion returns one full version row, or ErrNotFound.
func (s *Store) GetVersion(ctx context.Context, roomID, fileID string, id int64) (RoomVersion, error) {
	if roomID == "" {
		return RoomVersion{}, newStoreError(opGetVersion, "missing_room_id", errMissingRoomID)
	}
	if fileID == "" {
		return RoomVersion{}, newStoreError(opGetVersion, "missing_file_id", errMissingFileID)
	}
	var version RoomVersion
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND file_id = ? AND id = ?", roomID, fileID, id).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomVersion{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err,
			zap.String("room_id", roomID),
			zap.String("file_id", fileID))
		return RoomVersion{}, newStoreError(opGetVersion, "query_failed", err)
	}
	return version, nil
}

// PruneAutoVersions deletes auto rows for (roomID, fileID) beyond the newest
// keep. Milestone rows are never touched. It returns the number deleted.
func (s *Store) PruneAutoVersions(ctx context.Context, roomID, fileID string, keep int) (int64, error) {
	if roomID == "" {
		return 0, newStoreError(opPruneAutoVersions, "missing_room_id", errMissingRoomID)
	}
	if fileID == "" {
		return 0, newStoreError(opPruneAutoVersions, "missing_file_id", errMissingFileID)
	}
	if keep < 0 {
		keep = 0
	}

	query := s.db.WithContext(ctx).
		Model(&RoomVersion{}).
		Where("room_id = ? AND file_id = ? AND kind = ?", roomID, fileID, VersionKindAuto)

	if keep > 0 {
		var keptIDs []int64
		err := s.db.WithContext(ctx).
			Model(&RoomVersion{}).
			Where("room_id = ? AND file_id = ? AND kind = ?", roomID, fileID, VersionKindAuto).
			Order("id DESC").
			Limit(keep).
			Pluck("id", &keptIDs).Error
		if err != nil {
			s.logError(opPruneAutoVersions, "query_failed", err,
				zap.String("room_id", roomID),
				zap.String("file_id", fileID))
			return 0, newStoreError(opPruneAutoVersions, "query_failed", err)
		}
		if len(keptIDs) < keep {
			return 0, nil
		}
		query = query.Where("id < ?", keptIDs[len(keptIDs)-1])
	}

	result := query.Delete(&RoomVersion{})
	if result.Error != nil {
		s.logError(opPruneAutoVersions, "delete_failed", result.Error,
			zap.String("room_id", roomID),
			zap.String("file_id", fileID))
		return 0, newStoreError(opPruneAutoVersions, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("persistence store error", attrs...)
}

package persist

// VersionKind distinguishes automatic captures from user-created milestones.
type VersionKind string

const (
	// VersionKindAuto marks periodically captured versions, pruned by retention.
	VersionKindAuto VersionKind = "auto"
	// VersionKindMilestone marks owner-created versions, retained forever.
	VersionKindMilestone VersionKind = "milestone"
)

// RoomSetting stores the durable per-room metadata row.
type RoomSetting struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Lang             string `gorm:"column:lang;size:32;not null;default:'js'"`
	Locked           bool   `gorm:"column:locked;not null;default:false"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;default:''"`
	EditorsJSON      string `gorm:"column:editors_json;type:text;not null;default:'[]'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSetting) TableName() string {
	return "room_settings"
}

// RoomSnapshot stores the single latest full-state encoding per room,
// overwritten on every persistence cycle.
type RoomSnapshot struct {
	RoomID           string `gorm:"column:room_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}

// RoomVersion stores one immutable version-history row per (room, file) capture.
type RoomVersion struct {
	ID               int64       `gorm:"column:id;primaryKey;autoIncrement;index:idx_versions_room_file,priority:3"`
	RoomID           string      `gorm:"column:room_id;size:190;not null;index:idx_versions_room_file,priority:1"`
	FileID           string      `gorm:"column:file_id;size:190;not null;default:'main';index:idx_versions_room_file,priority:2"`
	Kind             VersionKind `gorm:"column:kind;size:16;not null;default:'auto'"`
	Label            string      `gorm:"column:label;size:190;not null;default:''"`
	CreatedBy        string      `gorm:"column:created_by;size:190;not null;default:''"`
	Snapshot         []byte      `gorm:"column:snapshot;type:blob;not null"`
	Content          string      `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomVersion) TableName() string {
	return "room_snapshot_versions"
}

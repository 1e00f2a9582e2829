package server

import "encoding/json"

// Wire event types exchanged over the room websocket. Binary CRDT and
// awareness payloads travel as base64 inside the JSON envelopes and are never
// interpreted by the server beyond handing them to the document.
const (
	EventJoinRoom = "join-room"

	EventSync            = "y-sync"
	EventUpdate          = "y-update"
	EventAwarenessUpdate = "awareness-update"
	EventAwarenessResync = "awareness-resync"

	EventRoomLanguage    = "room-language"
	EventSetRoomLanguage = "set-room-language"
	EventRoomLock        = "room-lock"
	EventSetRoomLock     = "set-room-lock"
	EventRoomEditors     = "room-editors"

	EventRequestEdit = "request-edit"
	EventEditRequest = "edit-request"
	EventGrantEdit   = "grant-edit"
	EventRevokeEdit  = "revoke-edit"

	EventFsCreateFile   = "fs:create-file"
	EventFsCreateFolder = "fs:create-folder"
	EventFsRename       = "fs:rename"
	EventFsMove         = "fs:move"
	EventFsDelete       = "fs:delete"

	EventSnapshotsList        = "snapshots:list"
	EventSnapshotsListResult  = "snapshots:list:result"
	EventSnapshotGet          = "snapshot:get"
	EventSnapshotGetResult    = "snapshot:get:result"
	EventSnapshotCreate       = "snapshot:create"
	EventSnapshotCreateResult = "snapshot:create:result"
	EventSnapshotRestore      = "snapshot:restore"
	EventSnapshotRestoreResult = "snapshot:restore:result"

	EventSystem = "system"
)

// ClientEnvelope is a message from client to server.
type ClientEnvelope struct {
	Type           string `json:"type"`
	RoomID         string `json:"roomId,omitempty"`
	Name           string `json:"name,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Token          string `json:"token,omitempty"`
	Update         []byte `json:"update,omitempty"`
	ParentID       string `json:"parentId,omitempty"`
	NodeID         string `json:"nodeId,omitempty"`
	FileID         string `json:"fileId,omitempty"`
	InitialContent string `json:"initialContent,omitempty"`
	Lang           string `json:"lang,omitempty"`
	Locked         bool   `json:"locked,omitempty"`
	Label          string `json:"label,omitempty"`
	VersionID      int64  `json:"versionId,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	TargetUserID   string `json:"targetUserId,omitempty"`
}

// RequesterInfo identifies the session asking the owner for edit access.
type RequesterInfo struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// VersionInfo is the wire form of one version-history row. Content is only
// populated on single-version fetches.
type VersionInfo struct {
	ID        int64  `json:"id"`
	RoomID    string `json:"roomId"`
	FileID    string `json:"fileId"`
	Kind      string `json:"kind"`
	Label     string `json:"label,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	Content   string `json:"content,omitempty"`
}

// ServerEnvelope is a message from server to client.
type ServerEnvelope struct {
	Type      string         `json:"type"`
	RoomID    string         `json:"roomId,omitempty"`
	Update    []byte         `json:"update,omitempty"`
	Lang      string         `json:"lang,omitempty"`
	Locked    bool           `json:"locked,omitempty"`
	OwnerID   string         `json:"ownerId,omitempty"`
	Editors   []string       `json:"editors,omitempty"`
	Requester *RequesterInfo `json:"requester,omitempty"`
	At        int64          `json:"at,omitempty"`
	FileID    string         `json:"fileId,omitempty"`
	Items     []VersionInfo  `json:"items,omitempty"`
	Item      *VersionInfo   `json:"item,omitempty"`
	OK        bool           `json:"ok,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Encode serializes a ServerEnvelope to JSON bytes.
func (m ServerEnvelope) Encode() []byte {
	encoded, err := json.Marshal(m)
	if err != nil {
		return []byte(`{"type":"system","message":"encoding error"}`)
	}
	return encoded
}

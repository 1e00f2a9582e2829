package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncroom-dev/syncroom/backend/internal/auth"
	"github.com/syncroom-dev/syncroom/backend/internal/crdt"
	"github.com/syncroom-dev/syncroom/backend/internal/persist"
	"github.com/syncroom-dev/syncroom/backend/internal/rooms"
)

const (
	opDispatch = "session.dispatch"
	opJoin     = "session.join"
	opUpdate   = "session.update"
	opFs       = "session.fs"
	opSnapshot = "session.snapshot"

	joinReadyTimeout = 10 * time.Second
)

var (
	errMissingRegistry  = errors.New("server: document registry is required")
	errMissingMetadata  = errors.New("server: room metadata store is required")
	errMissingScheduler = errors.New("server: persistence scheduler is required")
	errMissingStore     = errors.New("server: version store is required")
	errMissingHub       = errors.New("server: hub is required")
)

// SessionDependencies wires the session handler to the rest of the engine.
// Validator is optional: without one, every join token is ignored and the
// client-declared identity is used as-is.
type SessionDependencies struct {
	Hub       *Hub
	Registry  *rooms.Registry
	Metadata  *rooms.Metadata
	Scheduler *persist.Scheduler
	Store     *persist.Store
	Validator *auth.JoinTokenValidator
	Logger    *zap.Logger
	Clock     func() time.Time
	// JoinTimeout bounds how long a join waits for hydration. Zero means the
	// default.
	JoinTimeout time.Duration
}

// SessionHandler runs the room protocol: join handshake, update broadcast,
// presence relay, access control, file-tree operations, and version history.
// Each client dispatches from its own read pump goroutine; cross-client
// ordering inside a room is provided by the registry's per-room section.
type SessionHandler struct {
	hub       *Hub
	registry  *rooms.Registry
	metadata  *rooms.Metadata
	scheduler *persist.Scheduler
	store     *persist.Store
	validator *auth.JoinTokenValidator
	logger    *zap.Logger
	clock     func() time.Time
	joinWait  time.Duration

	mu        sync.Mutex
	awareness map[string]*crdt.Awareness
}

// NewSessionHandler constructs a session handler and validates dependencies.
func NewSessionHandler(deps SessionDependencies) (*SessionHandler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Metadata == nil {
		return nil, errMissingMetadata
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	joinWait := deps.JoinTimeout
	if joinWait <= 0 {
		joinWait = joinReadyTimeout
	}
	return &SessionHandler{
		hub:       deps.Hub,
		registry:  deps.Registry,
		metadata:  deps.Metadata,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
		clock:     clock,
		joinWait:  joinWait,
		awareness: make(map[string]*crdt.Awareness),
	}, nil
}

// Dispatch routes one client message. Messages for a room the client never
// joined are dropped, as are mutations the room's lock policy forbids.
func (h *SessionHandler) Dispatch(client *Client, envelope ClientEnvelope) {
	if envelope.Type == EventJoinRoom {
		h.handleJoin(client, envelope)
		return
	}

	roomID, userID, _, state := client.sessionInfo()
	if roomID == "" || state == stateClosed {
		return
	}

	if envelope.Type == EventUpdate && state != stateSynced {
		client.buffer(envelope)
		return
	}

	switch requiredCapability(envelope.Type) {
	case capabilityEditor:
		if !h.metadata.CanMutate(roomID, userID) {
			return
		}
	case capabilityOwner:
		if !h.metadata.IsOwner(roomID, userID) {
			return
		}
	}

	switch envelope.Type {
	case EventUpdate:
		h.handleUpdate(client, roomID, envelope)
	case EventAwarenessUpdate:
		h.handleAwareness(client, roomID, envelope)
	case EventAwarenessResync:
		h.hub.Broadcast(roomID, ServerEnvelope{Type: EventAwarenessResync, RoomID: roomID}, client)
	case EventSetRoomLanguage:
		h.handleSetLanguage(roomID, envelope)
	case EventSetRoomLock:
		h.handleSetLock(roomID, envelope)
	case EventRequestEdit:
		h.handleRequestEdit(client, roomID)
	case EventGrantEdit:
		h.handleGrantEdit(roomID, envelope)
	case EventRevokeEdit:
		h.handleRevokeEdit(roomID, envelope)
	case EventFsCreateFile, EventFsCreateFolder, EventFsRename, EventFsMove, EventFsDelete:
		h.handleFs(roomID, envelope)
	case EventSnapshotsList, EventSnapshotGet, EventSnapshotCreate, EventSnapshotRestore:
		// Version operations are per-file; a request naming no file is dropped.
		if envelope.FileID == "" {
			return
		}
		switch envelope.Type {
		case EventSnapshotsList:
			h.handleSnapshotsList(client, roomID, envelope)
		case EventSnapshotGet:
			h.handleSnapshotGet(client, roomID, envelope)
		case EventSnapshotCreate:
			h.handleSnapshotCreate(client, roomID, userID, envelope)
		case EventSnapshotRestore:
			h.handleSnapshotRestore(client, roomID, envelope)
		}
	default:
		h.logger.Debug("unknown event type dropped",
			zap.String("operation", opDispatch), zap.String("event_type", envelope.Type))
	}
}

// Disconnect tears the client out of its room. When the last member leaves,
// the room's document is scheduled for idle teardown rather than freed
// immediately so quick rejoins keep the live state.
func (h *SessionHandler) Disconnect(client *Client) {
	roomID, userID, displayName, state := client.sessionInfo()
	client.setState(stateClosed)
	if roomID == "" || state == stateConnecting {
		return
	}

	if delta := h.roomAwareness(roomID).Leave(client.id); delta != nil {
		h.hub.Broadcast(roomID, ServerEnvelope{Type: EventAwarenessUpdate, RoomID: roomID, Update: delta}, client)
	}

	remaining := h.hub.Leave(roomID, client)
	h.hub.Broadcast(roomID, ServerEnvelope{
		Type:    EventSystem,
		RoomID:  roomID,
		Message: fmt.Sprintf("%s left the room", displayName),
	}, nil)
	h.logger.Info("session left room",
		zap.String("room_id", roomID), zap.String("user_id", userID), zap.Int("remaining", remaining))

	if remaining == 0 {
		h.registry.ScheduleTeardown(roomID)
	}
}

// DropRoom discards the room's presence channel. Wired to the registry's
// teardown hook.
func (h *SessionHandler) DropRoom(roomID string) {
	h.mu.Lock()
	delete(h.awareness, roomID)
	h.mu.Unlock()
}

func (h *SessionHandler) handleJoin(client *Client, envelope ClientEnvelope) {
	roomID := envelope.RoomID
	if roomID == "" {
		client.Send(ServerEnvelope{Type: EventSystem, Message: "room identifier is required"})
		return
	}

	userID, displayName := h.resolveIdentity(client, envelope)

	h.registry.CancelTeardown(roomID)
	h.registry.GetOrCreate(roomID)

	hydrateCtx, cancel := context.WithTimeout(context.Background(), h.joinWait)
	defer cancel()
	h.metadata.Hydrate(hydrateCtx, roomID)
	h.metadata.EnsureOwner(roomID, userID)

	client.bindSession(roomID, userID, displayName)
	h.hub.Join(roomID, client)
	if h.metadata.IsOwner(roomID, userID) {
		h.hub.JoinOwners(roomID, client)
	}

	// Ask present members to re-announce themselves to the newcomer.
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventAwarenessResync, RoomID: roomID}, client)

	client.setState(stateAwaitingSnapshot)
	if err := h.registry.WaitUntilReady(hydrateCtx, roomID); err != nil {
		h.logError(opJoin, "hydrate_wait_failed", err, zap.String("room_id", roomID))
		h.abortJoin(client, roomID, "room is unavailable")
		return
	}

	var state []byte
	err := h.registry.Do(roomID, func(doc *crdt.Doc) error {
		if seedErr := rooms.NewTree(doc).EnsureDefaults(); seedErr != nil {
			return seedErr
		}
		state = doc.EncodeState()
		return nil
	})
	if err != nil {
		h.logError(opJoin, "seed_failed", err, zap.String("room_id", roomID))
		h.abortJoin(client, roomID, "room is unavailable")
		return
	}

	meta := h.metadata.State(roomID)
	client.Send(ServerEnvelope{Type: EventRoomLanguage, RoomID: roomID, Lang: meta.Lang})
	client.Send(ServerEnvelope{Type: EventRoomLock, RoomID: roomID, Locked: meta.Locked, OwnerID: meta.OwnerID})
	client.Send(ServerEnvelope{Type: EventRoomEditors, RoomID: roomID, Editors: meta.Editors})
	client.Send(ServerEnvelope{Type: EventSync, RoomID: roomID, Update: state})
	presence := h.roomAwareness(roomID)
	if len(presence.States()) > 0 {
		client.Send(ServerEnvelope{Type: EventAwarenessUpdate, RoomID: roomID, Update: presence.EncodeAll()})
	}

	client.setState(stateSynced)
	for _, buffered := range client.takePending() {
		if h.metadata.CanMutate(roomID, userID) {
			h.handleUpdate(client, roomID, buffered)
		}
	}

	h.hub.Broadcast(roomID, ServerEnvelope{
		Type:    EventSystem,
		RoomID:  roomID,
		Message: fmt.Sprintf("%s joined the room", displayName),
	}, nil)
	h.logger.Info("session joined room",
		zap.String("room_id", roomID), zap.String("user_id", userID), zap.Int("members", h.hub.Size(roomID)))
}

// abortJoin backs a half-joined client out of the room groups so it cannot
// receive broadcasts it never synced against.
func (h *SessionHandler) abortJoin(client *Client, roomID, message string) {
	remaining := h.hub.Leave(roomID, client)
	client.unbindSession()
	client.Send(ServerEnvelope{Type: EventSystem, RoomID: roomID, Message: message})
	if remaining == 0 {
		h.registry.ScheduleTeardown(roomID)
	}
}

// resolveIdentity prefers a valid signed join token; an invalid or absent
// token falls back to the client-declared identity, and an absent identity
// falls back to the connection id.
func (h *SessionHandler) resolveIdentity(client *Client, envelope ClientEnvelope) (userID, displayName string) {
	userID = envelope.UserID
	displayName = envelope.Name
	if h.validator != nil && envelope.Token != "" {
		claims, err := h.validator.ValidateToken(envelope.Token)
		if err != nil {
			h.logger.Warn("join token rejected, continuing as declared identity",
				zap.String("operation", opJoin), zap.Error(err))
		} else {
			userID = claims.UserID
			if claims.UserDisplayName != "" {
				displayName = claims.UserDisplayName
			}
		}
	}
	if userID == "" {
		userID = client.id
	}
	if displayName == "" {
		displayName = "Anonymous"
	}
	return userID, displayName
}

func (h *SessionHandler) handleUpdate(client *Client, roomID string, envelope ClientEnvelope) {
	if len(envelope.Update) == 0 {
		return
	}
	if err := h.registry.ApplyRemoteUpdate(roomID, envelope.Update); err != nil {
		h.logError(opUpdate, "apply_failed", err, zap.String("room_id", roomID))
		return
	}
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventUpdate, RoomID: roomID, Update: envelope.Update}, client)
}

func (h *SessionHandler) handleAwareness(client *Client, roomID string, envelope ClientEnvelope) {
	if len(envelope.Update) == 0 {
		return
	}
	applied, err := h.roomAwareness(roomID).ApplyDelta(envelope.Update)
	if err != nil {
		h.logError(opDispatch, "awareness_rejected", err, zap.String("room_id", roomID))
		return
	}
	if !applied {
		return
	}
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventAwarenessUpdate, RoomID: roomID, Update: envelope.Update}, client)
}

func (h *SessionHandler) handleSetLanguage(roomID string, envelope ClientEnvelope) {
	if envelope.Lang == "" {
		return
	}
	h.metadata.SetLanguage(roomID, envelope.Lang)
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventRoomLanguage, RoomID: roomID, Lang: envelope.Lang}, nil)
}

func (h *SessionHandler) handleSetLock(roomID string, envelope ClientEnvelope) {
	h.metadata.SetLocked(roomID, envelope.Locked)
	meta := h.metadata.State(roomID)
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventRoomLock, RoomID: roomID, Locked: meta.Locked, OwnerID: meta.OwnerID}, nil)
	if !meta.Locked {
		// Unlocking clears the allowlist; tell everyone.
		h.hub.Broadcast(roomID, ServerEnvelope{Type: EventRoomEditors, RoomID: roomID, Editors: meta.Editors}, nil)
	}
}

func (h *SessionHandler) handleRequestEdit(client *Client, roomID string) {
	_, userID, displayName, _ := client.sessionInfo()
	meta := h.metadata.State(roomID)
	if !meta.Locked || h.metadata.IsOwner(roomID, userID) {
		return
	}
	h.hub.ToOwners(roomID, ServerEnvelope{
		Type:      EventEditRequest,
		RoomID:    roomID,
		Requester: &RequesterInfo{ID: userID, Name: displayName},
		At:        h.clock().UnixMilli(),
	})
}

func (h *SessionHandler) handleGrantEdit(roomID string, envelope ClientEnvelope) {
	if envelope.TargetUserID == "" {
		return
	}
	h.metadata.AllowEditor(roomID, envelope.TargetUserID)
	meta := h.metadata.State(roomID)
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventRoomEditors, RoomID: roomID, Editors: meta.Editors}, nil)
	h.hub.Broadcast(roomID, ServerEnvelope{
		Type:    EventSystem,
		RoomID:  roomID,
		Message: fmt.Sprintf("%s can now edit", envelope.TargetUserID),
	}, nil)
}

func (h *SessionHandler) handleRevokeEdit(roomID string, envelope ClientEnvelope) {
	if envelope.TargetUserID == "" {
		return
	}
	h.metadata.RevokeEditor(roomID, envelope.TargetUserID)
	meta := h.metadata.State(roomID)
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventRoomEditors, RoomID: roomID, Editors: meta.Editors}, nil)
	h.hub.Broadcast(roomID, ServerEnvelope{
		Type:    EventSystem,
		RoomID:  roomID,
		Message: fmt.Sprintf("%s can no longer edit", envelope.TargetUserID),
	}, nil)
}

// handleFs applies a file-tree mutation and rebroadcasts the full document
// state to every member, sender included, so all replicas converge on the
// exact post-operation tree.
func (h *SessionHandler) handleFs(roomID string, envelope ClientEnvelope) {
	var state []byte
	err := h.registry.Do(roomID, func(doc *crdt.Doc) error {
		tree := rooms.NewTree(doc)
		var opErr error
		switch envelope.Type {
		case EventFsCreateFile:
			_, opErr = tree.CreateFile(envelope.ParentID, envelope.Name, envelope.InitialContent)
		case EventFsCreateFolder:
			_, opErr = tree.CreateFolder(envelope.ParentID, envelope.Name)
		case EventFsRename:
			opErr = tree.Rename(envelope.NodeID, envelope.Name)
		case EventFsMove:
			opErr = tree.Move(envelope.NodeID, envelope.ParentID)
		case EventFsDelete:
			opErr = tree.Delete(envelope.NodeID)
		}
		if opErr != nil {
			return opErr
		}
		state = doc.EncodeState()
		return nil
	})
	if err != nil {
		h.logError(opFs, "tree_operation_failed", err,
			zap.String("room_id", roomID), zap.String("event_type", envelope.Type))
		return
	}
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventUpdate, RoomID: roomID, Update: state}, nil)
}

func (h *SessionHandler) handleSnapshotsList(client *Client, roomID string, envelope ClientEnvelope) {
	ctx, cancel := h.opContext()
	defer cancel()
	versions, err := h.store.ListVersions(ctx, roomID, envelope.FileID, envelope.Limit)
	if err != nil {
		h.logError(opSnapshot, "list_failed", err, zap.String("room_id", roomID))
		client.Send(ServerEnvelope{Type: EventSnapshotsListResult, RoomID: roomID, Message: "could not list versions"})
		return
	}
	items := make([]VersionInfo, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionInfo(version, false))
	}
	client.Send(ServerEnvelope{Type: EventSnapshotsListResult, RoomID: roomID, OK: true, Items: items})
}

func (h *SessionHandler) handleSnapshotGet(client *Client, roomID string, envelope ClientEnvelope) {
	ctx, cancel := h.opContext()
	defer cancel()
	version, err := h.store.GetVersion(ctx, roomID, envelope.FileID, envelope.VersionID)
	if err != nil {
		h.logError(opSnapshot, "get_failed", err,
			zap.String("room_id", roomID), zap.Int64("version_id", envelope.VersionID))
		client.Send(ServerEnvelope{Type: EventSnapshotGetResult, RoomID: roomID, Message: "version not found"})
		return
	}
	item := versionInfo(version, true)
	client.Send(ServerEnvelope{Type: EventSnapshotGetResult, RoomID: roomID, OK: true, Item: &item})
}

func (h *SessionHandler) handleSnapshotCreate(client *Client, roomID, userID string, envelope ClientEnvelope) {
	ctx, cancel := h.opContext()
	defer cancel()
	version, err := h.scheduler.CreateMilestone(ctx, roomID, envelope.FileID, envelope.Label, userID)
	if err != nil {
		h.logError(opSnapshot, "milestone_failed", err, zap.String("room_id", roomID))
		client.Send(ServerEnvelope{Type: EventSnapshotCreateResult, RoomID: roomID, Message: "could not create version"})
		return
	}
	item := versionInfo(version, false)
	client.Send(ServerEnvelope{Type: EventSnapshotCreateResult, RoomID: roomID, OK: true, Item: &item})
}

func (h *SessionHandler) handleSnapshotRestore(client *Client, roomID string, envelope ClientEnvelope) {
	ctx, cancel := h.opContext()
	defer cancel()
	state, err := h.scheduler.Restore(ctx, roomID, envelope.FileID, envelope.VersionID)
	if err != nil {
		h.logError(opSnapshot, "restore_failed", err,
			zap.String("room_id", roomID), zap.Int64("version_id", envelope.VersionID))
		client.Send(ServerEnvelope{Type: EventSnapshotRestoreResult, RoomID: roomID, Message: "could not restore version"})
		return
	}
	h.hub.Broadcast(roomID, ServerEnvelope{Type: EventUpdate, RoomID: roomID, Update: state}, nil)
	client.Send(ServerEnvelope{Type: EventSnapshotRestoreResult, RoomID: roomID, OK: true})
}

func (h *SessionHandler) roomAwareness(roomID string) *crdt.Awareness {
	h.mu.Lock()
	defer h.mu.Unlock()
	channel, ok := h.awareness[roomID]
	if !ok {
		channel = crdt.NewAwareness()
		h.awareness[roomID] = channel
	}
	return channel
}

func (h *SessionHandler) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (h *SessionHandler) logError(operation, reason string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))
	h.logger.Error("session operation failed", fields...)
}

func versionInfo(version persist.RoomVersion, includeContent bool) VersionInfo {
	info := VersionInfo{
		ID:        version.ID,
		RoomID:    version.RoomID,
		FileID:    version.FileID,
		Kind:      string(version.Kind),
		Label:     version.Label,
		CreatedBy: version.CreatedBy,
		CreatedAt: version.CreatedAtSeconds,
	}
	if includeContent {
		info.Content = version.Content
	}
	return info
}

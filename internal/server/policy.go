package server

// capability is the access level an action demands inside a room.
type capability int

const (
	// capabilityAnyone covers reads, presence, and joining.
	capabilityAnyone capability = iota
	// capabilityEditor covers document and file mutations: granted when the
	// room is unlocked, or to the owner and allowlisted editors while locked.
	capabilityEditor
	// capabilityOwner covers lock administration and destructive operations.
	capabilityOwner
)

// actionPolicy is the single declarative gate consulted by every handler.
// Events absent from the table require nothing.
var actionPolicy = map[string]capability{
	EventUpdate:         capabilityEditor,
	EventFsCreateFile:   capabilityEditor,
	EventFsCreateFolder: capabilityEditor,
	EventFsRename:       capabilityEditor,
	EventFsMove:         capabilityEditor,
	EventFsDelete:       capabilityEditor,
	EventSnapshotCreate: capabilityEditor,

	EventSetRoomLock:     capabilityOwner,
	EventGrantEdit:       capabilityOwner,
	EventRevokeEdit:      capabilityOwner,
	EventSnapshotRestore: capabilityOwner,
}

func requiredCapability(eventType string) capability {
	if required, ok := actionPolicy[eventType]; ok {
		return required
	}
	return capabilityAnyone
}

package server

import "testing"

func TestRequiredCapability(t *testing.T) {
	cases := []struct {
		event string
		want  capability
	}{
		{EventJoinRoom, capabilityAnyone},
		{EventAwarenessUpdate, capabilityAnyone},
		{EventSnapshotsList, capabilityAnyone},
		{EventSnapshotGet, capabilityAnyone},
		{EventRequestEdit, capabilityAnyone},
		{EventSetRoomLanguage, capabilityAnyone},
		{EventUpdate, capabilityEditor},
		{EventFsCreateFile, capabilityEditor},
		{EventFsDelete, capabilityEditor},
		{EventSnapshotCreate, capabilityEditor},
		{EventSetRoomLock, capabilityOwner},
		{EventGrantEdit, capabilityOwner},
		{EventRevokeEdit, capabilityOwner},
		{EventSnapshotRestore, capabilityOwner},
		{"unknown-event", capabilityAnyone},
	}
	for _, tc := range cases {
		if got := requiredCapability(tc.event); got != tc.want {
			t.Fatalf("capability for %q: got %d, want %d", tc.event, got, tc.want)
		}
	}
}

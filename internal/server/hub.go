package server

import (
	"sync"

	"go.uber.org/zap"
)

// Hub tracks room-scoped multicast groups plus an owner-only sub-group per
// room used for the edit-request channel. Delivery is fan-out into each
// client's buffered send queue; a full queue drops the message rather than
// blocking the room.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	owners map[string]map[*Client]struct{}
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*Client]struct{}),
		owners: make(map[string]map[*Client]struct{}),
	}
}

// Join subscribes the client to the room's broadcast group.
func (h *Hub) Join(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[client] = struct{}{}
}

// JoinOwners subscribes the client to the room's owner-only sub-group.
func (h *Hub) JoinOwners(roomID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.owners[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		h.owners[roomID] = members
	}
	members[client] = struct{}{}
}

// Leave removes the client from the room's groups and reports how many
// members remain in the broadcast group.
func (h *Hub) Leave(roomID string, client *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[roomID]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if owners := h.owners[roomID]; owners != nil {
		delete(owners, client)
		if len(owners) == 0 {
			delete(h.owners, roomID)
		}
	}
	return len(h.rooms[roomID])
}

// Broadcast delivers the message to every room member except the excluded
// client. Pass nil to reach everyone. Per-sender FIFO holds because each
// sender dispatches from a single goroutine.
func (h *Hub) Broadcast(roomID string, msg ServerEnvelope, except *Client) {
	data := msg.Encode()
	for _, member := range h.members(roomID) {
		if member == except {
			continue
		}
		member.enqueue(data)
	}
}

// ToOwners delivers the message to the room's owner sub-group only.
func (h *Hub) ToOwners(roomID string, msg ServerEnvelope) {
	data := msg.Encode()
	h.mu.RLock()
	members := make([]*Client, 0, len(h.owners[roomID]))
	for member := range h.owners[roomID] {
		members = append(members, member)
	}
	h.mu.RUnlock()
	for _, member := range members {
		member.enqueue(data)
	}
}

// Size reports the current room membership count.
func (h *Hub) Size(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) members(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]*Client, 0, len(h.rooms[roomID]))
	for member := range h.rooms[roomID] {
		members = append(members, member)
	}
	return members
}

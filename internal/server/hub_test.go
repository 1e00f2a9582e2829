package server

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestClient() *Client {
	return newClient(nil, nil, nil)
}

func recvEnvelope(t *testing.T, client *Client) (ServerEnvelope, bool) {
	t.Helper()
	select {
	case data := <-client.send:
		var envelope ServerEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("malformed server envelope: %v", err)
		}
		return envelope, true
	case <-time.After(200 * time.Millisecond):
		return ServerEnvelope{}, false
	}
}

func drainClient(client *Client) {
	for {
		select {
		case <-client.send:
		default:
			return
		}
	}
}

func TestBroadcastSkipsExcludedClient(t *testing.T) {
	hub := NewHub(nil)
	sender := newTestClient()
	receiver := newTestClient()
	hub.Join("room-1", sender)
	hub.Join("room-1", receiver)

	hub.Broadcast("room-1", ServerEnvelope{Type: EventUpdate, RoomID: "room-1"}, sender)

	if msg, ok := recvEnvelope(t, receiver); !ok || msg.Type != EventUpdate {
		t.Fatalf("expected receiver to get the update, got %+v (ok=%v)", msg, ok)
	}
	if msg, ok := recvEnvelope(t, sender); ok {
		t.Fatalf("expected sender to be skipped, got %+v", msg)
	}
}

func TestBroadcastNilExceptReachesEveryone(t *testing.T) {
	hub := NewHub(nil)
	first := newTestClient()
	second := newTestClient()
	hub.Join("room-1", first)
	hub.Join("room-1", second)

	hub.Broadcast("room-1", ServerEnvelope{Type: EventSystem, Message: "hello"}, nil)

	for _, client := range []*Client{first, second} {
		if msg, ok := recvEnvelope(t, client); !ok || msg.Message != "hello" {
			t.Fatalf("expected every member to receive the message, got %+v (ok=%v)", msg, ok)
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	hub := NewHub(nil)
	member := newTestClient()
	outsider := newTestClient()
	hub.Join("room-1", member)
	hub.Join("room-2", outsider)

	hub.Broadcast("room-1", ServerEnvelope{Type: EventSystem}, nil)

	if _, ok := recvEnvelope(t, member); !ok {
		t.Fatalf("expected room member to receive the message")
	}
	if msg, ok := recvEnvelope(t, outsider); ok {
		t.Fatalf("expected other room to stay silent, got %+v", msg)
	}
}

func TestToOwnersReachesOwnerGroupOnly(t *testing.T) {
	hub := NewHub(nil)
	owner := newTestClient()
	guest := newTestClient()
	hub.Join("room-1", owner)
	hub.Join("room-1", guest)
	hub.JoinOwners("room-1", owner)

	hub.ToOwners("room-1", ServerEnvelope{Type: EventEditRequest})

	if msg, ok := recvEnvelope(t, owner); !ok || msg.Type != EventEditRequest {
		t.Fatalf("expected owner to receive the request, got %+v (ok=%v)", msg, ok)
	}
	if msg, ok := recvEnvelope(t, guest); ok {
		t.Fatalf("expected guest to be excluded, got %+v", msg)
	}
}

func TestLeaveReportsRemaining(t *testing.T) {
	hub := NewHub(nil)
	first := newTestClient()
	second := newTestClient()
	hub.Join("room-1", first)
	hub.Join("room-1", second)
	hub.JoinOwners("room-1", first)

	if remaining := hub.Leave("room-1", first); remaining != 1 {
		t.Fatalf("expected one member remaining, got %d", remaining)
	}
	if remaining := hub.Leave("room-1", second); remaining != 0 {
		t.Fatalf("expected empty room, got %d", remaining)
	}
	if hub.Size("room-1") != 0 {
		t.Fatalf("expected room groups to be dropped")
	}

	// Departed clients receive nothing.
	hub.Broadcast("room-1", ServerEnvelope{Type: EventSystem}, nil)
	if msg, ok := recvEnvelope(t, first); ok {
		t.Fatalf("expected no delivery after leave, got %+v", msg)
	}
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	slow := newTestClient()
	hub.Join("room-1", slow)

	for i := 0; i < sendQueueSize+10; i++ {
		hub.Broadcast("room-1", ServerEnvelope{Type: EventSystem}, nil)
	}
	if len(slow.send) != sendQueueSize {
		t.Fatalf("expected overflow to be dropped, queue holds %d", len(slow.send))
	}
}

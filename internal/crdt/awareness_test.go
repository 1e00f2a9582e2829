package crdt

import (
	"encoding/json"
	"testing"
)

func TestAwarenessDeltaRelay(t *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	delta := local.Update("client-1", json.RawMessage(`{"cursor":5}`))
	applied, err := remote.ApplyDelta(delta)
	if err != nil {
		t.Fatalf("apply delta failed: %v", err)
	}
	if !applied {
		t.Fatalf("expected fresh delta to apply")
	}

	applied, err = remote.ApplyDelta(delta)
	if err != nil {
		t.Fatalf("apply delta failed: %v", err)
	}
	if applied {
		t.Fatalf("expected replayed delta to be ignored")
	}
}

func TestAwarenessStaleDeltaIgnored(t *testing.T) {
	local := NewAwareness()
	remote := NewAwareness()

	older := local.Update("client-1", json.RawMessage(`{"cursor":1}`))
	newer := local.Update("client-1", json.RawMessage(`{"cursor":2}`))

	if applied, _ := remote.ApplyDelta(newer); !applied {
		t.Fatalf("expected newer delta to apply")
	}
	if applied, _ := remote.ApplyDelta(older); applied {
		t.Fatalf("expected out-of-order older delta to be ignored")
	}

	states := remote.States()
	if string(states["client-1"]) != `{"cursor":2}` {
		t.Fatalf("expected newest payload to survive, got %s", states["client-1"])
	}
}

func TestAwarenessLeaveRemovesClient(t *testing.T) {
	channel := NewAwareness()
	channel.Update("client-1", json.RawMessage(`{}`))
	channel.Update("client-2", json.RawMessage(`{}`))

	delta := channel.Leave("client-1")
	if _, present := channel.States()["client-1"]; present {
		t.Fatalf("expected departed client to be absent")
	}

	remote := NewAwareness()
	remote.Update("client-1", json.RawMessage(`{}`))
	if applied, _ := remote.ApplyDelta(delta); !applied {
		t.Fatalf("expected leave delta to apply remotely")
	}
	if _, present := remote.States()["client-1"]; present {
		t.Fatalf("expected leave to replicate")
	}
}

func TestAwarenessEncodeAllConverges(t *testing.T) {
	channel := NewAwareness()
	channel.Update("b", json.RawMessage(`{"n":2}`))
	channel.Update("a", json.RawMessage(`{"n":1}`))

	joiner := NewAwareness()
	if applied, err := joiner.ApplyDelta(channel.EncodeAll()); err != nil || !applied {
		t.Fatalf("expected full state to apply, applied=%v err=%v", applied, err)
	}
	if len(joiner.States()) != 2 {
		t.Fatalf("expected both clients present, got %d", len(joiner.States()))
	}
}

func TestAwarenessRejectsGarbage(t *testing.T) {
	channel := NewAwareness()
	if _, err := channel.ApplyDelta([]byte("nope")); err == nil {
		t.Fatalf("expected malformed delta to be rejected")
	}
}

package crdt

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrInvalidAwarenessDelta indicates bytes that do not decode as an awareness delta.
var ErrInvalidAwarenessDelta = errors.New("crdt: invalid awareness delta")

type awarenessEntry struct {
	ClientID string          `json:"clientId"`
	Seq      uint64          `json:"seq"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Left     bool            `json:"left,omitempty"`
}

type awarenessPayload struct {
	Entries []awarenessEntry `json:"entries"`
}

// Awareness is the ephemeral presence channel carried alongside a document.
// Entries are never persisted; the newest sequence number per client wins.
type Awareness struct {
	mu      sync.Mutex
	entries map[string]awarenessEntry
}

// NewAwareness constructs an empty awareness channel.
func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[string]awarenessEntry)}
}

// Update replaces the local state for clientID and returns the encoded delta
// to distribute.
func (a *Awareness) Update(clientID string, state json.RawMessage) []byte {
	a.mu.Lock()
	next := awarenessEntry{
		ClientID: clientID,
		Seq:      a.entries[clientID].Seq + 1,
		Payload:  state,
	}
	a.entries[clientID] = next
	a.mu.Unlock()
	return encodeAwareness([]awarenessEntry{next})
}

// Leave marks clientID as departed and returns the encoded delta.
func (a *Awareness) Leave(clientID string) []byte {
	a.mu.Lock()
	next := awarenessEntry{
		ClientID: clientID,
		Seq:      a.entries[clientID].Seq + 1,
		Left:     true,
	}
	a.entries[clientID] = next
	a.mu.Unlock()
	return encodeAwareness([]awarenessEntry{next})
}

// ApplyDelta merges an encoded delta, reporting whether anything changed.
// Stale sequence numbers are ignored, so replays and reordering are safe.
func (a *Awareness) ApplyDelta(delta []byte) (bool, error) {
	var incoming awarenessPayload
	if err := json.Unmarshal(delta, &incoming); err != nil {
		return false, errors.Join(ErrInvalidAwarenessDelta, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	for _, in := range incoming.Entries {
		current, exists := a.entries[in.ClientID]
		if exists && in.Seq <= current.Seq {
			continue
		}
		a.entries[in.ClientID] = in
		changed = true
	}
	return changed, nil
}

// EncodeAll returns the full awareness state for a joiner to converge from.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	entries := make([]awarenessEntry, 0, len(a.entries))
	for _, entry := range a.entries {
		entries = append(entries, entry)
	}
	a.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientID < entries[j].ClientID })
	return encodeAwareness(entries)
}

// States returns the present clients and their opaque payloads.
func (a *Awareness) States() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]json.RawMessage, len(a.entries))
	for clientID, entry := range a.entries {
		if !entry.Left {
			states[clientID] = entry.Payload
		}
	}
	return states
}

func encodeAwareness(entries []awarenessEntry) []byte {
	encoded, err := json.Marshal(awarenessPayload{Entries: entries})
	if err != nil {
		return []byte(`{"entries":[]}`)
	}
	return encoded
}

// Package crdt provides the mergeable document shared by every session in a
// room. The document exposes named map and text structures, encodes its state
// and its deltas as opaque bytes, and merges concurrent updates with a
// last-writer-wins rule over a lamport clock with a site-identifier tiebreak.
// Callers only ever move the encoded bytes around; the encoding is private to
// this package.
package crdt

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const (
	kindMap  = "map"
	kindText = "text"
)

var (
	// ErrDocDestroyed indicates an operation against a torn-down document.
	ErrDocDestroyed = errors.New("crdt: document destroyed")
	// ErrInvalidUpdate indicates bytes that do not decode as an update.
	ErrInvalidUpdate = errors.New("crdt: invalid update payload")
)

type stamp struct {
	Clock uint64 `json:"clock"`
	Site  string `json:"site"`
}

func (s stamp) newer(other stamp) bool {
	if s.Clock != other.Clock {
		return s.Clock > other.Clock
	}
	return s.Site > other.Site
}

type register struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Stamp   stamp           `json:"stamp"`
}

type entry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
	register
}

type payload struct {
	Entries []entry `json:"entries"`
}

// Update carries one encoded delta together with the origin tag of the
// transaction that produced it.
type Update struct {
	Bytes  []byte
	Origin string
}

// Doc is a mergeable document holding named map and text structures.
type Doc struct {
	mu        sync.Mutex
	site      string
	clock     uint64
	maps      map[string]map[string]register
	texts     map[string]register
	observers []func(Update)
	txnDepth  int
	txnOrigin string
	txnDirty  []entry
	destroyed bool
}

// New constructs an empty document with a fresh site identifier.
func New() *Doc {
	return &Doc{
		site:  uuid.NewString(),
		maps:  make(map[string]map[string]register),
		texts: make(map[string]register),
	}
}

// Load constructs a document and applies a previously encoded state.
func Load(state []byte) (*Doc, error) {
	doc := New()
	if len(state) == 0 {
		return doc, nil
	}
	if _, err := doc.ApplyUpdate(state, "load"); err != nil {
		return nil, err
	}
	return doc, nil
}

// Map returns a handle on the named map structure, creating it lazily.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// Text returns a handle on the named text structure, creating it lazily.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

// Observe registers an observer invoked once per transaction that changed the
// document. Observers run on the mutating goroutine, after the lock is
// released.
func (d *Doc) Observe(fn func(Update)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Transact groups every mutation performed inside fn into a single update
// event tagged with origin. Transactions nest; only the outermost one emits.
func (d *Doc) Transact(origin string, fn func()) {
	d.mu.Lock()
	d.txnDepth++
	if d.txnDepth == 1 {
		d.txnOrigin = origin
	}
	d.mu.Unlock()

	fn()

	d.mu.Lock()
	d.txnDepth--
	var dirty []entry
	if d.txnDepth == 0 {
		dirty = d.txnDirty
		d.txnDirty = nil
		origin = d.txnOrigin
	}
	observers := d.observers
	d.mu.Unlock()

	if len(dirty) > 0 {
		notify(observers, dirty, origin)
	}
}

// EncodeState returns the full document state as opaque bytes. Applying the
// result to the same document is a no-op; applying it to an empty document
// reconstructs the state byte for byte.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeEntries(d.collectEntries())
}

// ApplyUpdate merges an encoded update or full state into the document.
// The merge is idempotent, commutative, and order-independent: an entry is
// taken only when its stamp is newer than the stored one. It reports whether
// anything changed.
func (d *Doc) ApplyUpdate(update []byte, origin string) (bool, error) {
	var incoming payload
	if err := json.Unmarshal(update, &incoming); err != nil {
		return false, errors.Join(ErrInvalidUpdate, err)
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return false, ErrDocDestroyed
	}

	var applied []entry
	for _, in := range incoming.Entries {
		if in.Stamp.Clock > d.clock {
			d.clock = in.Stamp.Clock
		}
		switch in.Kind {
		case kindMap:
			bucket := d.maps[in.Name]
			if bucket == nil {
				bucket = make(map[string]register)
				d.maps[in.Name] = bucket
			}
			current, exists := bucket[in.Key]
			if !exists || in.Stamp.newer(current.Stamp) {
				bucket[in.Key] = in.register
				applied = append(applied, in)
			}
		case kindText:
			current, exists := d.texts[in.Name]
			if !exists || in.Stamp.newer(current.Stamp) {
				d.texts[in.Name] = in.register
				applied = append(applied, in)
			}
		}
	}
	observers := d.observers
	inTxn := d.txnDepth > 0
	if inTxn && len(applied) > 0 {
		d.txnDirty = append(d.txnDirty, applied...)
	}
	d.mu.Unlock()

	if !inTxn && len(applied) > 0 {
		notify(observers, applied, origin)
	}
	return len(applied) > 0, nil
}

// Destroy frees the document. Further mutations are rejected; Destroy itself
// is idempotent.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.observers = nil
	d.maps = make(map[string]map[string]register)
	d.texts = make(map[string]register)
}

func (d *Doc) set(kind, name, key string, value json.RawMessage, deleted bool) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.clock++
	reg := register{Value: value, Deleted: deleted, Stamp: stamp{Clock: d.clock, Site: d.site}}
	changed := entry{Kind: kind, Name: name, Key: key, register: reg}
	switch kind {
	case kindMap:
		bucket := d.maps[name]
		if bucket == nil {
			bucket = make(map[string]register)
			d.maps[name] = bucket
		}
		bucket[key] = reg
	case kindText:
		d.texts[name] = reg
	}
	inTxn := d.txnDepth > 0
	if inTxn {
		d.txnDirty = append(d.txnDirty, changed)
	}
	observers := d.observers
	d.mu.Unlock()

	if !inTxn {
		notify(observers, []entry{changed}, "local")
	}
}

func (d *Doc) collectEntries() []entry {
	entries := make([]entry, 0, len(d.texts))
	for name, bucket := range d.maps {
		for key, reg := range bucket {
			entries = append(entries, entry{Kind: kindMap, Name: name, Key: key, register: reg})
		}
	}
	for name, reg := range d.texts {
		entries = append(entries, entry{Kind: kindText, Name: name, register: reg})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}

func encodeEntries(entries []entry) []byte {
	encoded, err := json.Marshal(payload{Entries: entries})
	if err != nil {
		// Entries only hold marshalable values; treat failure as empty.
		return []byte(`{"entries":[]}`)
	}
	return encoded
}

func notify(observers []func(Update), dirty []entry, origin string) {
	if len(observers) == 0 {
		return
	}
	update := Update{Bytes: encodeEntries(dirty), Origin: origin}
	for _, observer := range observers {
		observer(update)
	}
}

// Map is a handle on a named last-writer-wins map inside a document.
type Map struct {
	doc  *Doc
	name string
}

// Set stores a value under key.
func (m *Map) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.doc.set(kindMap, m.name, key, encoded, false)
	return nil
}

// Get decodes the value stored under key into out, reporting presence.
func (m *Map) Get(key string, out any) (bool, error) {
	m.doc.mu.Lock()
	reg, ok := m.doc.maps[m.name][key]
	m.doc.mu.Unlock()
	if !ok || reg.Deleted {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(reg.Value, out); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key, leaving a tombstone so the removal replicates.
func (m *Map) Delete(key string) {
	m.doc.set(kindMap, m.name, key, nil, true)
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	keys := make([]string, 0, len(m.doc.maps[m.name]))
	for key, reg := range m.doc.maps[m.name] {
		if !reg.Deleted {
			keys = append(keys, key)
		}
	}
	m.doc.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len reports the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// Text is a handle on a named text structure inside a document.
type Text struct {
	doc  *Doc
	name string
}

// SetString replaces the full text content.
func (t *Text) SetString(content string) {
	encoded, _ := json.Marshal(content)
	t.doc.set(kindText, t.name, "", encoded, false)
}

// String returns the current text content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	reg, ok := t.doc.texts[t.name]
	t.doc.mu.Unlock()
	if !ok || reg.Deleted {
		return ""
	}
	var content string
	if err := json.Unmarshal(reg.Value, &content); err != nil {
		return ""
	}
	return content
}

// Len reports the text length in bytes.
func (t *Text) Len() int {
	return len(t.String())
}

// Clear removes the text, leaving a tombstone.
func (t *Text) Clear() {
	t.doc.set(kindText, t.name, "", nil, true)
}

package crdt

import (
	"slices"
	"strings"

	"github.com/roach88/botsync/internal/bots"
)

// Map is a shared map. Concurrent writes to the same key resolve to the
// write integrated rightmost, which is the same on every replica.
type Map struct {
	doc *Doc
	ref TypeRef
}

// Ref returns the type reference of the map.
func (m *Map) Ref() TypeRef { return m.ref }

func (m *Map) current(key string) (*Item, bool) {
	id, ok := m.doc.ends[listKey{m.ref, key}]
	if !ok {
		return nil, false
	}
	it := m.doc.items[id]
	if it.Deleted {
		return nil, false
	}
	return it, true
}

// Get returns the value of key: a plain value, a *Map or a *Text.
func (m *Map) Get(key string) (any, bool) {
	it, ok := m.current(key)
	if !ok {
		return nil, false
	}
	return m.doc.contentValue(it), true
}

// Has reports whether key is set.
func (m *Map) Has(key string) bool {
	_, ok := m.current(key)
	return ok
}

// Keys returns the set keys in sorted order.
func (m *Map) Keys() []string {
	var out []string
	for k := range m.doc.keys[m.ref] {
		if m.Has(k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of set keys.
func (m *Map) Len() int {
	n := 0
	for k := range m.doc.keys[m.ref] {
		if m.Has(k) {
			n++
		}
	}
	return n
}

func (m *Map) insert(txn *Transaction, key string, content Content) *Item {
	var left ID
	if id, ok := m.doc.ends[listKey{m.ref, key}]; ok {
		left = id
	}
	return m.doc.localInsert(txn, m.doc.clientID, m.ref, key, true, left, ID{}, content)
}

// Set writes a plain value. Setting nil deletes the key.
func (m *Map) Set(txn *Transaction, key string, value any) {
	if value == nil {
		m.Delete(txn, key)
		return
	}
	m.insert(txn, key, Content{Kind: ContentAny, Value: bots.Normalize(value)})
}

// SetMap writes a new empty map under key.
func (m *Map) SetMap(txn *Transaction, key string) *Map {
	it := m.insert(txn, key, Content{Kind: ContentType, Type: TypeMap})
	return &Map{doc: m.doc, ref: TypeRef{Item: it.ID}}
}

// SetText writes a new text holding s under key.
func (m *Map) SetText(txn *Transaction, key string, s string) *Text {
	it := m.insert(txn, key, Content{Kind: ContentType, Type: TypeText})
	t := &Text{doc: m.doc, ref: TypeRef{Item: it.ID}}
	t.Insert(txn, 0, s)
	return t
}

// Delete removes key.
func (m *Map) Delete(txn *Transaction, key string) {
	if it, ok := m.current(key); ok {
		m.doc.deleteItem(txn, it)
	}
}

// ToJSON converts the map to plain values. Texts become strings.
func (m *Map) ToJSON() map[string]any {
	out := make(map[string]any)
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		out[k] = toJSON(v)
	}
	return out
}

func toJSON(v any) any {
	switch val := v.(type) {
	case *Map:
		return val.ToJSON()
	case *Text:
		return val.String()
	default:
		return val
	}
}

func (d *Doc) contentValue(it *Item) any {
	switch it.Content.Kind {
	case ContentType:
		ref := TypeRef{Item: it.ID}
		if it.Content.Type == TypeMap {
			return &Map{doc: d, ref: ref}
		}
		return &Text{doc: d, ref: ref}
	case ContentString:
		return string(it.Content.Char)
	default:
		return it.Content.Value
	}
}

// Text is a shared character sequence. Concurrent edits merge character
// by character.
type Text struct {
	doc *Doc
	ref TypeRef
}

// Ref returns the type reference of the text.
func (t *Text) Ref() TypeRef { return t.ref }

func (t *Text) lk() listKey { return listKey{t.ref, ""} }

// String returns the current text.
func (t *Text) String() string {
	var b strings.Builder
	for _, it := range t.doc.list(t.lk()) {
		if !it.Deleted && it.Content.Kind == ContentString {
			b.WriteRune(it.Content.Char)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	n := 0
	for _, it := range t.doc.list(t.lk()) {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Insert inserts s at index as the local client.
func (t *Text) Insert(txn *Transaction, index int, s string) {
	t.InsertAs(txn, t.doc.clientID, index, s)
}

// InsertAs inserts s at index attributing the new characters to author.
// An index past the end appends.
func (t *Text) InsertAs(txn *Transaction, author ClientID, index int, s string) {
	if s == "" {
		return
	}
	var left ID
	right := t.doc.starts[t.lk()]
	for !right.IsZero() && index > 0 {
		it := t.doc.items[right]
		if !it.Deleted {
			index--
		}
		left = right
		right = it.right
	}
	for _, r := range s {
		it := t.doc.localInsert(txn, author, t.ref, "", false, left, right, Content{Kind: ContentString, Char: r})
		left = it.ID
	}
}

// Delete removes count visible characters starting at index.
func (t *Text) Delete(txn *Transaction, index, count int) {
	if count <= 0 {
		return
	}
	for id := t.doc.starts[t.lk()]; !id.IsZero() && count > 0; {
		it := t.doc.items[id]
		id = it.right
		if it.Deleted {
			continue
		}
		if index > 0 {
			index--
			continue
		}
		t.doc.deleteItem(txn, it)
		count--
	}
}

// RelativePosition anchors a text position to the character that follows
// it. The zero value anchors to the end of the text.
type RelativePosition struct {
	Item ID
}

// RelativeAt resolves index against the text as it looked at version:
// only characters covered by version and not deleted are counted.
func (t *Text) RelativeAt(version StateVector, index int) RelativePosition {
	for _, it := range t.doc.list(t.lk()) {
		if it.Deleted || !version.Has(it.ID) {
			continue
		}
		if index == 0 {
			return RelativePosition{Item: it.ID}
		}
		index--
	}
	return RelativePosition{}
}

// AbsoluteIndex converts pos to an index into the current text.
func (t *Text) AbsoluteIndex(pos RelativePosition) int {
	if pos.Item.IsZero() {
		return t.Len()
	}
	n := 0
	for _, it := range t.doc.list(t.lk()) {
		if it.ID == pos.Item {
			return n
		}
		if !it.Deleted {
			n++
		}
	}
	return n
}

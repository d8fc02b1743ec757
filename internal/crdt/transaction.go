package crdt

import (
	"slices"
	"strings"
)

// Transaction groups the changes of one local mutation batch or one
// received update. Observers see it once it is committed.
type Transaction struct {
	// Origin is the value passed to Transact or ApplyUpdate.
	Origin any
	// Local is false for transactions created by ApplyUpdate.
	Local bool

	doc     *Doc
	before  StateVector
	added   map[ID]bool
	deleted map[ID]bool
	changed map[TypeRef]*change

	events []Event
	update []byte
}

type change struct {
	keys map[string]bool
	seq  bool
}

// Events returns the per-type change events, parents before children.
func (t *Transaction) Events() []Event { return t.events }

// Update returns the encoded update holding exactly this transaction's
// changes.
func (t *Transaction) Update() []byte { return t.update }

// Before returns the state vector at the start of the transaction.
func (t *Transaction) Before() StateVector { return t.before }

// markChanged records that the parent of it changed. Types created or
// deleted within the transaction are not reported.
func (t *Transaction) markChanged(it *Item) {
	if !it.Parent.IsRoot() {
		p := t.doc.items[it.Parent.Item]
		if p.Deleted || p.ID.Clock >= t.before[p.ID.Client] {
			return
		}
	}
	c := t.changed[it.Parent]
	if c == nil {
		c = &change{keys: make(map[string]bool)}
		t.changed[it.Parent] = c
	}
	if it.Keyed {
		c.keys[it.Key] = true
	} else {
		c.seq = true
	}
}

func (t *Transaction) adds(it *Item) bool    { return t.added[it.ID] }
func (t *Transaction) deletes(it *Item) bool { return t.deleted[it.ID] }

// Delta is one run of a text change: exactly one field is set.
type Delta struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

// Event describes the changes a transaction made to one shared type.
type Event struct {
	Target TypeRef
	Kind   TypeKind
	// Root is the name of the root type containing Target.
	Root string
	// Path holds the map keys leading from the root to Target.
	Path []string
	// KeysChanged lists changed map keys in sorted order.
	KeysChanged []string
	// Delta describes a text change. Trailing retains are trimmed.
	Delta []Delta
	// Author is the client that inserted text in this change, or the
	// local client when the change only deleted.
	Author ClientID

	doc *Doc
}

// Map returns the changed map. Only valid when Kind is TypeMap.
func (e *Event) Map() *Map { return &Map{doc: e.doc, ref: e.Target} }

// Text returns the changed text. Only valid when Kind is TypeText.
func (e *Event) Text() *Text { return &Text{doc: e.doc, ref: e.Target} }

func (d *Doc) computeEvents(txn *Transaction) []Event {
	events := make([]Event, 0, len(txn.changed))
	for ref, c := range txn.changed {
		if !ref.IsRoot() && d.items[ref.Item].Deleted {
			continue
		}
		root, path := d.pathOf(ref)
		e := Event{Target: ref, Root: root, Path: path, Author: d.clientID, doc: d}
		if c.seq {
			e.Kind = TypeText
			e.Delta, e.Author = d.textDelta(txn, ref)
			if len(e.Delta) == 0 {
				continue
			}
		} else {
			e.Kind = TypeMap
			for k := range c.keys {
				e.KeysChanged = append(e.KeysChanged, k)
			}
			slices.Sort(e.KeysChanged)
		}
		events = append(events, e)
	}
	slices.SortFunc(events, func(a, b Event) int {
		if a.Root != b.Root {
			return strings.Compare(a.Root, b.Root)
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) - len(b.Path)
		}
		return slices.Compare(a.Path, b.Path)
	})
	return events
}

func (d *Doc) textDelta(txn *Transaction, ref TypeRef) ([]Delta, ClientID) {
	var out []Delta
	author := d.clientID
	authorSet := false
	push := func(next Delta) {
		if n := len(out); n > 0 {
			last := &out[n-1]
			switch {
			case next.Retain > 0 && last.Retain > 0:
				last.Retain += next.Retain
				return
			case next.Delete > 0 && last.Delete > 0:
				last.Delete += next.Delete
				return
			case next.Insert != "" && last.Insert != "":
				last.Insert += next.Insert
				return
			}
		}
		out = append(out, next)
	}
	for _, it := range d.list(listKey{ref, ""}) {
		if it.Content.Kind != ContentString {
			continue
		}
		switch {
		case it.Deleted:
			if txn.deletes(it) && !txn.adds(it) {
				push(Delta{Delete: 1})
			}
		case txn.adds(it):
			if !authorSet {
				author, authorSet = it.ID.Client, true
			}
			push(Delta{Insert: string(it.Content.Char)})
		default:
			push(Delta{Retain: 1})
		}
	}
	for len(out) > 0 && out[len(out)-1].Retain > 0 {
		out = out[:len(out)-1]
	}
	return out, author
}

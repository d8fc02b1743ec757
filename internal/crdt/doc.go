// Package crdt implements a replicated document of nested maps and texts
// that converges under concurrent, unordered delivery of updates.
//
// Items form linked lists per (parent, key) and are addressed only by ID.
// Concurrent inserts are ordered with the YATA rules: an item is placed
// after its origin, and items sharing an origin are ordered by client id.
// Map keys are lists too; the rightmost live item is the value.
package crdt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/roach88/botsync/internal/observable"
)

type listKey struct {
	parent TypeRef
	key    string
}

// Doc is a replicated document: an arena of items addressed by ID plus the
// linked lists that order them.
//
// A Doc is not safe for concurrent use.
type Doc struct {
	clientID ClientID

	items  map[ID]*Item
	state  StateVector
	starts map[listKey]ID
	ends   map[listKey]ID
	keys   map[TypeRef]map[string]struct{}

	pendingItems   []ItemRecord
	pendingDeletes []ID

	txn          *Transaction
	transactions *observable.Subject[*Transaction]
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the local client id.
func WithClientID(id ClientID) Option {
	return func(d *Doc) { d.clientID = id }
}

// NewDoc creates an empty document with a random client id.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		items:        make(map[ID]*Item),
		state:        make(StateVector),
		starts:       make(map[listKey]ID),
		ends:         make(map[listKey]ID),
		keys:         make(map[TypeRef]map[string]struct{}),
		transactions: observable.NewSubject[*Transaction](),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clientID == 0 {
		d.clientID = NewClientID()
	}
	return d
}

// NewClientID returns a random non-zero client id.
func NewClientID() ClientID {
	return ClientID(rand.Uint32()) + 1
}

// ClientID returns the local client id.
func (d *Doc) ClientID() ClientID { return d.clientID }

// StateVector returns a copy of the current state vector.
func (d *Doc) StateVector() StateVector { return d.state.Clone() }

// Clock returns the next clock of client, which is 0 if the client never
// wrote anything.
func (d *Doc) Clock(client ClientID) uint64 { return d.state[client] }

// Pending reports whether some received items or deletes are waiting for
// missing dependencies.
func (d *Doc) Pending() bool {
	return len(d.pendingItems) > 0 || len(d.pendingDeletes) > 0
}

// Map returns the root map called name.
func (d *Doc) Map(name string) *Map {
	return &Map{doc: d, ref: TypeRef{Root: name}}
}

// Text returns the root text called name.
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, ref: TypeRef{Root: name}}
}

// OnTransaction emits every committed transaction that changed the
// document, after its events are computed.
func (d *Doc) OnTransaction() observable.Observable[*Transaction] {
	return d.transactions
}

// Transact runs fn inside a local transaction. Nested calls join the
// outer transaction. Changes made before fn returns an error are kept.
func (d *Doc) Transact(origin any, fn func(txn *Transaction) error) error {
	return d.transact(origin, true, fn)
}

func (d *Doc) transact(origin any, local bool, fn func(txn *Transaction) error) error {
	if d.txn != nil {
		return fn(d.txn)
	}
	txn := &Transaction{
		Origin:  origin,
		Local:   local,
		doc:     d,
		before:  d.state.Clone(),
		added:   make(map[ID]bool),
		deleted: make(map[ID]bool),
		changed: make(map[TypeRef]*change),
	}
	d.txn = txn
	err := func() error {
		defer func() { d.txn = nil }()
		return fn(txn)
	}()

	if len(txn.added) == 0 && len(txn.deleted) == 0 {
		return err
	}
	txn.events = d.computeEvents(txn)
	update, encErr := d.encodeTransaction(txn)
	if encErr != nil {
		return errors.Join(err, encErr)
	}
	txn.update = update
	d.transactions.Next(txn)
	return err
}

// ApplyUpdate integrates update bytes received from another replica.
// Items whose dependencies are missing are kept pending until a later
// update supplies them.
func (d *Doc) ApplyUpdate(data []byte, origin any) error {
	u, err := DecodeUpdate(data)
	if err != nil {
		return err
	}
	return d.transact(origin, false, func(txn *Transaction) error {
		d.pendingItems = append(d.pendingItems, u.Items...)
		d.pendingDeletes = append(d.pendingDeletes, u.Deletes...)
		return d.drainPending(txn)
	})
}

func (d *Doc) drainPending(txn *Transaction) error {
	slices.SortFunc(d.pendingItems, func(a, b ItemRecord) int { return compareIDs(a.ID, b.ID) })

	var errs []error
	for progress := true; progress; {
		progress = false
		rest := d.pendingItems[:0:0]
		for i := range d.pendingItems {
			r := &d.pendingItems[i]
			next := d.state[r.ID.Client]
			if r.ID.Clock < next {
				continue
			}
			if r.ID.Clock > next || !d.state.Has(r.Origin) || !d.state.Has(r.RightOrigin) || !d.state.Has(r.Parent.Item) {
				rest = append(rest, *r)
				continue
			}
			it := r.item()
			if err := d.checkParent(it); err != nil {
				errs = append(errs, err)
				continue
			}
			d.integrate(txn, it)
			progress = true
		}
		d.pendingItems = rest
	}

	rest := d.pendingDeletes[:0:0]
	for _, id := range d.pendingDeletes {
		it, ok := d.items[id]
		if !ok {
			rest = append(rest, id)
			continue
		}
		d.deleteItem(txn, it)
	}
	d.pendingDeletes = rest

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMalformedUpdate, errors.Join(errs...))
	}
	return nil
}

func (d *Doc) checkParent(it *Item) error {
	if it.Parent.IsRoot() {
		return nil
	}
	p := d.items[it.Parent.Item]
	if p.Content.Kind != ContentType {
		return fmt.Errorf("item %v: parent %v is not a type", it.ID, p.ID)
	}
	if (p.Content.Type == TypeMap) != it.Keyed {
		return fmt.Errorf("item %v: keyed=%v inside %s", it.ID, it.Keyed, p.Content.Type)
	}
	return nil
}

// integrate links a new item into its list. Concurrent inserts at the
// same position are ordered by client id so every replica converges.
func (d *Doc) integrate(txn *Transaction, it *Item) {
	lk := listKey{it.Parent, it.Key}
	left := it.Origin
	right := it.RightOrigin

	conflict := false
	if left.IsZero() {
		conflict = right.IsZero() || !d.items[right].left.IsZero()
	} else {
		conflict = d.items[left].right != right
	}

	if conflict {
		var o ID
		if !left.IsZero() {
			o = d.items[left].right
		} else {
			o = d.starts[lk]
		}
		conflicting := make(map[ID]bool)
		beforeOrigin := make(map[ID]bool)
		for !o.IsZero() && o != right {
			oi := d.items[o]
			beforeOrigin[o] = true
			conflicting[o] = true
			if oi.Origin == it.Origin {
				if oi.ID.Client < it.ID.Client {
					left = o
					clear(conflicting)
				} else if oi.RightOrigin == it.RightOrigin {
					break
				}
			} else if !oi.Origin.IsZero() && beforeOrigin[oi.Origin] {
				if !conflicting[oi.Origin] {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = oi.right
		}
	}

	it.left = left
	if !left.IsZero() {
		li := d.items[left]
		it.right = li.right
		li.right = it.ID
	} else {
		it.right = d.starts[lk]
		d.starts[lk] = it.ID
	}

	d.items[it.ID] = it
	d.state[it.ID.Client] = it.ID.Clock + 1
	txn.added[it.ID] = true
	if it.Keyed {
		ks := d.keys[it.Parent]
		if ks == nil {
			ks = make(map[string]struct{})
			d.keys[it.Parent] = ks
		}
		ks[it.Key] = struct{}{}
	}

	if !it.right.IsZero() {
		d.items[it.right].left = it.ID
	} else {
		d.ends[lk] = it.ID
		if it.Keyed && !left.IsZero() {
			// The previous value of the key is overwritten.
			d.deleteItem(txn, d.items[left])
		}
	}
	txn.markChanged(it)

	if d.parentDeleted(it) || (it.Keyed && !it.right.IsZero()) {
		d.deleteItem(txn, it)
	}
}

func (d *Doc) parentDeleted(it *Item) bool {
	if it.Parent.IsRoot() {
		return false
	}
	return d.items[it.Parent.Item].Deleted
}

func (d *Doc) deleteItem(txn *Transaction, it *Item) {
	if it.Deleted {
		return
	}
	it.Deleted = true
	txn.deleted[it.ID] = true
	txn.markChanged(it)

	if it.Content.Kind != ContentType {
		return
	}
	ref := TypeRef{Item: it.ID}
	if it.Content.Type == TypeMap {
		for key := range d.keys[ref] {
			d.deleteList(txn, listKey{ref, key})
		}
	} else {
		d.deleteList(txn, listKey{ref, ""})
	}
}

func (d *Doc) deleteList(txn *Transaction, lk listKey) {
	for id := d.starts[lk]; !id.IsZero(); {
		child := d.items[id]
		d.deleteItem(txn, child)
		id = child.right
	}
}

// localInsert creates and integrates an item authored by author.
func (d *Doc) localInsert(txn *Transaction, author ClientID, parent TypeRef, key string, keyed bool, left, right ID, content Content) *Item {
	it := &Item{
		ID:          NewID(author, d.state[author]),
		Origin:      left,
		RightOrigin: right,
		Parent:      parent,
		Key:         key,
		Keyed:       keyed,
		Content:     content,
	}
	d.integrate(txn, it)
	return it
}

// EncodeStateAsUpdate encodes every item not covered by sv, plus the full
// delete set. A nil sv encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	u := &Update{}
	for id, it := range d.items {
		if id.Clock >= sv[id.Client] {
			u.Items = append(u.Items, it.record())
		}
		if it.Deleted {
			u.Deletes = append(u.Deletes, id)
		}
	}
	for _, r := range d.pendingItems {
		if r.ID.Clock >= sv[r.ID.Client] {
			u.Items = append(u.Items, r)
		}
	}
	u.Deletes = append(u.Deletes, d.pendingDeletes...)
	return EncodeUpdate(u)
}

func (d *Doc) encodeTransaction(txn *Transaction) ([]byte, error) {
	u := &Update{}
	for id := range txn.added {
		u.Items = append(u.Items, d.items[id].record())
	}
	for id := range txn.deleted {
		u.Deletes = append(u.Deletes, id)
	}
	return EncodeUpdate(u)
}

// list returns the items of a list in document order.
func (d *Doc) list(lk listKey) []*Item {
	var out []*Item
	for id := d.starts[lk]; !id.IsZero(); {
		it := d.items[id]
		out = append(out, it)
		id = it.right
	}
	return out
}

// pathOf returns the root name and the keys leading from it to ref.
func (d *Doc) pathOf(ref TypeRef) (string, []string) {
	var path []string
	for !ref.IsRoot() {
		it := d.items[ref.Item]
		path = append(path, it.Key)
		ref = it.Parent
	}
	slices.Reverse(path)
	return ref.Root, path
}

package yjs

import (
	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
)

// changesToActions translates the events of a committed transaction into
// bot actions for the internal state.
func (p *Partition) changesToActions(txn *crdt.Transaction) []bots.Action {
	var actions []bots.Action
	for i := range txn.Events() {
		e := &txn.Events()[i]
		switch e.Root {
		case BotsRoot:
			actions = append(actions, p.botChanges(txn, e)...)
		case MasksRoot:
			actions = append(actions, p.maskChanges(txn, e)...)
		}
	}
	return actions
}

func (p *Partition) botChanges(txn *crdt.Transaction, e *crdt.Event) []bots.Action {
	var actions []bots.Action
	switch len(e.Path) {
	case 0:
		for _, id := range e.KeysChanged {
			v, ok := p.bots.Get(id)
			if !ok {
				actions = append(actions, bots.RemoveBot(id))
				continue
			}
			if m, ok := v.(*crdt.Map); ok {
				actions = append(actions, bots.AddBot(bots.CreateBot(id, bots.Tags(m.ToJSON()))))
			}
		}
	case 1:
		id := e.Path[0]
		if e.Kind != crdt.TypeMap {
			return nil
		}
		m := e.Map()
		tags := make(bots.Tags, len(e.KeysChanged))
		for _, tag := range e.KeysChanged {
			tags[tag] = plain(m, tag)
		}
		actions = append(actions, bots.UpdateBot(id, tags))
	case 2:
		id, tag := e.Path[0], e.Path[1]
		if e.Kind != crdt.TypeText {
			return nil
		}
		actions = append(actions, bots.UpdateBot(id, bots.Tags{tag: p.deltaEdit(txn, e)}))
	}
	return actions
}

func (p *Partition) maskChanges(txn *crdt.Transaction, e *crdt.Event) []bots.Action {
	var actions []bots.Action
	switch len(e.Path) {
	case 0:
		for _, key := range e.KeysChanged {
			id, tag, err := SplitMaskKey(key)
			if err != nil {
				p.EmitError(err)
				continue
			}
			actions = append(actions, bots.UpdateBotMasks(id, map[string]bots.Tags{
				p.space: {tag: plain(p.masks, key)},
			}))
		}
	case 1:
		if e.Kind != crdt.TypeText {
			return nil
		}
		id, tag, err := SplitMaskKey(e.Path[0])
		if err != nil {
			p.EmitError(err)
			return nil
		}
		actions = append(actions, bots.UpdateBotMasks(id, map[string]bots.Tags{
			p.space: {tag: p.deltaEdit(txn, e)},
		}))
	}
	return actions
}

// plain reads key from m as a plain value. Texts become strings and a
// missing key is nil.
func plain(m *crdt.Map, key string) any {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case *crdt.Text:
		return val.String()
	case *crdt.Map:
		return val.ToJSON()
	}
	return v
}

// deltaEdit converts a text delta into a TagEdit versioned at the clock of
// the site that authored it.
func (p *Partition) deltaEdit(txn *crdt.Transaction, e *crdt.Event) *bots.TagEdit {
	ops := make([]bots.TagEditOp, 0, len(e.Delta))
	for _, d := range e.Delta {
		switch {
		case d.Insert != "":
			ops = append(ops, bots.Insert(d.Insert))
		case d.Delete > 0:
			ops = append(ops, bots.Delete(d.Delete))
		case d.Retain > 0:
			ops = append(ops, bots.Preserve(d.Retain))
		}
	}
	version := bots.VersionVector{e.Author.String(): int(p.doc.Clock(e.Author))}
	if txn.Local {
		return bots.Edit(version, ops...)
	}
	return bots.RemoteEdit(version, ops...)
}

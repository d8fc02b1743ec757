package yjs

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/roach88/botsync/internal/bots"
	"github.com/roach88/botsync/internal/crdt"
)

// MaskKey returns the key of a mask entry.
func MaskKey(botID, tag string) string {
	return botID + ":" + tag
}

// SplitMaskKey splits a mask key at its first colon.
func SplitMaskKey(key string) (botID, tag string, err error) {
	botID, tag, ok := strings.Cut(key, ":")
	if !ok || botID == "" {
		return "", "", fmt.Errorf("invalid tag mask id %q", key)
	}
	return botID, tag, nil
}

// applyLocal writes a batch of bot actions into txn.
func (p *Partition) applyLocal(txn *crdt.Transaction, events []bots.Action) error {
	for _, e := range bots.Lower(p.internal.State(), events) {
		switch a := e.(type) {
		case *bots.AddBotAction:
			if a.Bot != nil {
				p.addBot(txn, a.Bot)
			}
		case *bots.RemoveBotAction:
			// Mask entries of the bot are left in place.
			p.bots.Delete(txn, a.ID)
		case *bots.UpdateBotAction:
			p.updateBot(txn, a)
		}
	}
	return nil
}

func (p *Partition) addBot(txn *crdt.Transaction, b *bots.Bot) {
	m := p.bots.SetMap(txn, b.ID)
	for _, tag := range b.Tags.SortedKeys() {
		p.updateValue(txn, m, tag, b.Tags[tag])
	}
	if masks, ok := b.Masks[p.space]; ok && p.space != "" {
		for _, tag := range masks.SortedKeys() {
			p.updateValue(txn, p.masks, MaskKey(b.ID, tag), masks[tag])
		}
	}
}

func (p *Partition) updateBot(txn *crdt.Transaction, a *bots.UpdateBotAction) {
	current := p.internal.State()[a.ID]
	if v, ok := p.bots.Get(a.ID); ok {
		if m, ok := v.(*crdt.Map); ok {
			for _, tag := range a.Tags.SortedKeys() {
				value := a.Tags[tag]
				var old any
				if current != nil {
					old = current.Tags[tag]
				}
				if unchanged(old, value) {
					continue
				}
				p.updateValue(txn, m, tag, value)
			}
		}
	}
	if masks, ok := a.Masks[p.space]; ok && p.space != "" {
		for _, tag := range masks.SortedKeys() {
			value := masks[tag]
			var old any
			if current != nil {
				old, _ = current.Mask(p.space, tag)
			}
			if unchanged(old, value) {
				continue
			}
			p.updateValue(txn, p.masks, MaskKey(a.ID, tag), value)
		}
	}
}

// unchanged reports whether writing value over old can be skipped. Arrays
// are always rewritten.
func unchanged(old, value any) bool {
	if old == nil || value == nil {
		return old == nil && value == nil
	}
	if _, ok := value.(*bots.TagEdit); ok {
		return false
	}
	if reflect.ValueOf(value).Kind() == reflect.Slice {
		return false
	}
	return bots.ValuesEqual(old, value)
}

// updateValue writes one value into m. Nil deletes the key, a TagEdit is
// replayed against the text at key, strings become shared texts.
func (p *Partition) updateValue(txn *crdt.Transaction, m *crdt.Map, key string, value any) {
	switch v := value.(type) {
	case nil:
		m.Delete(txn, key)
	case *bots.TagEdit:
		current, _ := m.Get(key)
		if text, ok := current.(*crdt.Text); ok {
			p.replayEdit(txn, text, v)
			return
		}
		m.SetText(txn, key, bots.ApplyEdit(current, v))
	case string:
		m.SetText(txn, key, v)
	default:
		m.Set(txn, key, v)
	}
}

// replayEdit applies edit to text. Positions are resolved against the
// version the edit was authored at, plus everything the author itself has
// written since, and translated to the current text. Characters are
// attributed to the local site, or to the remote site for remote edits.
func (p *Partition) replayEdit(txn *crdt.Transaction, text *crdt.Text, edit *bots.TagEdit) {
	author := p.localSite
	if edit.IsRemote {
		author = p.remoteSite
	}
	version := advance(p.stateVector(edit.Version), author, p.doc.Clock(author))

	index := 0
	for _, op := range edit.Operations {
		switch op.Type {
		case bots.OpPreserve:
			index += op.Count
		case bots.OpInsert:
			if op.Text == "" {
				continue
			}
			text.InsertAs(txn, author, resolve(text, version, index), op.Text)
			index += utf8.RuneCountInString(op.Text)
			version = advance(version, author, p.doc.Clock(author))
		case bots.OpDelete:
			if op.Count <= 0 {
				continue
			}
			text.Delete(txn, resolve(text, version, index), op.Count)
		}
	}
}

// stateVector converts an edit version. A nil version means the current
// head.
func (p *Partition) stateVector(v bots.VersionVector) crdt.StateVector {
	if v == nil {
		return nil
	}
	sv := make(crdt.StateVector, len(v))
	for site, clock := range v {
		id, err := crdt.ParseClientID(site)
		if err != nil {
			p.logger.Debug("ignoring unknown site in edit version", "site", site)
			continue
		}
		sv[id] = uint64(clock)
	}
	return sv
}

func resolve(text *crdt.Text, version crdt.StateVector, index int) int {
	if version == nil {
		return index
	}
	return text.AbsoluteIndex(text.RelativeAt(version, index))
}

func advance(version crdt.StateVector, site crdt.ClientID, clock uint64) crdt.StateVector {
	if version == nil {
		return nil
	}
	next := version.Clone()
	next[site] = clock
	return next
}

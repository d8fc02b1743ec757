package bots

import (
	"maps"
	"slices"
)

// Tags maps tag names to values. A nil value inside an update means
// "delete this tag".
type Tags map[string]any

// Bot is an immutable snapshot of a bot. Every mutation produces a new Bot
// value; callers must never modify a Bot obtained from a partition.
type Bot struct {
	ID    string          `json:"id" yaml:"id"`
	Space string          `json:"space,omitempty" yaml:"space,omitempty"`
	Tags  Tags            `json:"tags" yaml:"tags"`
	Masks map[string]Tags `json:"masks,omitempty" yaml:"masks,omitempty"`
}

// BotsState maps bot IDs to bots. Inside a delta a nil bot marks removal.
type BotsState map[string]*Bot

// PartialBot is the per-bot payload of an apply_state delta.
type PartialBot struct {
	Tags  Tags            `json:"tags,omitempty" yaml:"tags,omitempty"`
	Masks map[string]Tags `json:"masks,omitempty" yaml:"masks,omitempty"`
}

// PartialState is an apply_state delta. A nil entry removes the bot.
type PartialState map[string]*PartialBot

// UpdatedBot reports a bot whose tags changed. Tags lists only the tag
// names whose value actually changed, in sorted order.
type UpdatedBot struct {
	Bot  *Bot     `json:"bot"`
	Tags []string `json:"tags"`

	// Edits holds the text edits that produced string tag changes, keyed
	// by tag name. Nil when no change came from an edit.
	Edits map[string]*TagEdit `json:"-"`
}

// StateUpdate is the batched diff emitted once per mutation batch.
type StateUpdate struct {
	Added   []*Bot       `json:"added,omitempty"`
	Removed []string     `json:"removed,omitempty"`
	Updated []UpdatedBot `json:"updated,omitempty"`
}

// Empty reports whether the update carries no changes.
func (u StateUpdate) Empty() bool {
	return len(u.Added) == 0 && len(u.Removed) == 0 && len(u.Updated) == 0
}

// CreateBot builds a bot, dropping nil tag values.
func CreateBot(id string, tags Tags) *Bot {
	b := &Bot{ID: id, Tags: make(Tags, len(tags))}
	for k, v := range tags {
		if v != nil {
			b.Tags[k] = v
		}
	}
	return b
}

// Clone returns a copy of the bot whose tag and mask maps may be modified
// without affecting the original.
func (b *Bot) Clone() *Bot {
	if b == nil {
		return nil
	}
	c := &Bot{ID: b.ID, Space: b.Space, Tags: maps.Clone(b.Tags)}
	if c.Tags == nil {
		c.Tags = Tags{}
	}
	if len(b.Masks) > 0 {
		c.Masks = make(map[string]Tags, len(b.Masks))
		for space, tags := range b.Masks {
			c.Masks[space] = maps.Clone(tags)
		}
	}
	return c
}

// Mask returns the mask value of tag in space.
func (b *Bot) Mask(space, tag string) (any, bool) {
	tags, ok := b.Masks[space]
	if !ok {
		return nil, false
	}
	v, ok := tags[tag]
	return v, ok
}

// IDs returns the sorted bot IDs of the state.
func (s BotsState) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Bots returns the non-nil bots of the state ordered by ID.
func (s BotsState) Bots() []*Bot {
	out := make([]*Bot, 0, len(s))
	for _, id := range s.IDs() {
		if b := s[id]; b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Clone returns a shallow copy of the state container. Bots are shared
// since they are immutable.
func (s BotsState) Clone() BotsState {
	c := make(BotsState, len(s)+1)
	maps.Copy(c, s)
	return c
}

// SortedKeys returns the keys of tags in lexical order.
func (t Tags) SortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

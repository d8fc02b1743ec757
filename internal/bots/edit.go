package bots

import "maps"

// Edit operation kinds.
const (
	OpPreserve = "preserve"
	OpInsert   = "insert"
	OpDelete   = "delete"
)

// TagEditOp is one step of a text edit. Count is measured in characters.
type TagEditOp struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
}

// VersionVector maps site ids to the clock of the latest operation known
// from that site.
type VersionVector map[string]int

// Clone returns a copy of the vector.
func (v VersionVector) Clone() VersionVector {
	c := make(VersionVector, len(v))
	maps.Copy(c, v)
	return c
}

// TagEdit is a sequence of text operations authored against Version.
type TagEdit struct {
	Operations []TagEditOp    `json:"operations"`
	Version    VersionVector `json:"version"`
	IsRemote   bool          `json:"isRemote,omitempty"`
}

// CurrentVersion describes the causal position of a CRDT partition.
type CurrentVersion struct {
	CurrentSite string        `json:"currentSite"`
	RemoteSite  string        `json:"remoteSite"`
	Vector      VersionVector `json:"vector"`
}

// Preserve skips count characters.
func Preserve(count int) TagEditOp { return TagEditOp{Type: OpPreserve, Count: count} }

// Insert inserts text at the cursor.
func Insert(text string) TagEditOp { return TagEditOp{Type: OpInsert, Text: text} }

// Delete removes count characters at the cursor.
func Delete(count int) TagEditOp { return TagEditOp{Type: OpDelete, Count: count} }

// Edit builds a local edit authored against version.
func Edit(version VersionVector, ops ...TagEditOp) *TagEdit {
	return &TagEdit{Operations: ops, Version: version}
}

// RemoteEdit builds an edit attributed to the network.
func RemoteEdit(version VersionVector, ops ...TagEditOp) *TagEdit {
	return &TagEdit{Operations: ops, Version: version, IsRemote: true}
}

// ApplyEdit replays the edit against s as if it were the current head.
// Non-string values are stringified first; indexes past the end clamp.
func ApplyEdit(value any, edit *TagEdit) string {
	var s string
	switch v := value.(type) {
	case nil:
	case string:
		s = v
	default:
		s = Stringify(v)
	}
	runes := []rune(s)
	out := make([]rune, 0, len(runes))
	i := 0
	for _, op := range edit.Operations {
		switch op.Type {
		case OpPreserve:
			end := min(i+op.Count, len(runes))
			out = append(out, runes[i:end]...)
			i = end
		case OpInsert:
			out = append(out, []rune(op.Text)...)
		case OpDelete:
			i = min(i+op.Count, len(runes))
		}
	}
	out = append(out, runes[i:]...)
	return string(out)
}

package crdt

import (
	"fmt"
	"unicode/utf8"
)

// ContentKind describes what an item holds.
type ContentKind uint8

const (
	// ContentAny holds a JSON-like value (a map entry).
	ContentAny ContentKind = iota + 1
	// ContentString holds one character of a text.
	ContentString
	// ContentType holds a nested shared type.
	ContentType
)

// TypeKind describes a shared type.
type TypeKind uint8

const (
	TypeMap TypeKind = iota + 1
	TypeText
)

func (k TypeKind) String() string {
	switch k {
	case TypeMap:
		return "map"
	case TypeText:
		return "text"
	default:
		return fmt.Sprintf("TypeKind(%d)", k)
	}
}

// Content is the payload of an item.
type Content struct {
	Kind  ContentKind
	Value any
	Char  rune
	Type  TypeKind
}

// Item is one element of a sequence or one write to a map key. Items
// reference each other only by ID.
type Item struct {
	ID          ID
	Origin      ID
	RightOrigin ID
	Parent      TypeRef
	Key         string
	Keyed       bool
	Content     Content
	Deleted     bool

	left, right ID
}

// ItemRecord is the encoded form of an item inside an update.
type ItemRecord struct {
	ID          ID          `cbor:"1,keyasint"`
	Origin      ID          `cbor:"2,keyasint"`
	RightOrigin ID          `cbor:"3,keyasint"`
	Parent      TypeRef     `cbor:"4,keyasint"`
	Key         *string     `cbor:"5,keyasint,omitempty"`
	Kind        ContentKind `cbor:"6,keyasint"`
	Value       any         `cbor:"7,keyasint"`
	Char        string      `cbor:"8,keyasint,omitempty"`
	Type        TypeKind    `cbor:"9,keyasint,omitempty"`
}

func (it *Item) record() ItemRecord {
	r := ItemRecord{
		ID:          it.ID,
		Origin:      it.Origin,
		RightOrigin: it.RightOrigin,
		Parent:      it.Parent,
		Kind:        it.Content.Kind,
	}
	if it.Keyed {
		key := it.Key
		r.Key = &key
	}
	switch it.Content.Kind {
	case ContentAny:
		r.Value = it.Content.Value
	case ContentString:
		r.Char = string(it.Content.Char)
	case ContentType:
		r.Type = it.Content.Type
	}
	return r
}

func (r *ItemRecord) validate() error {
	if r.ID.IsZero() {
		return fmt.Errorf("item with zero client id")
	}
	if r.Parent.Root == "" && r.Parent.Item.IsZero() {
		return fmt.Errorf("item %v has no parent", r.ID)
	}
	switch r.Kind {
	case ContentAny:
	case ContentString:
		if utf8.RuneCountInString(r.Char) != 1 {
			return fmt.Errorf("item %v: string content must hold one character, got %q", r.ID, r.Char)
		}
	case ContentType:
		if r.Type != TypeMap && r.Type != TypeText {
			return fmt.Errorf("item %v: unknown type kind %d", r.ID, r.Type)
		}
	default:
		return fmt.Errorf("item %v: unknown content kind %d", r.ID, r.Kind)
	}
	return nil
}

func (r *ItemRecord) item() *Item {
	it := &Item{
		ID:          r.ID,
		Origin:      r.Origin,
		RightOrigin: r.RightOrigin,
		Parent:      r.Parent,
		Content:     Content{Kind: r.Kind},
	}
	if r.Key != nil {
		it.Key, it.Keyed = *r.Key, true
	}
	switch r.Kind {
	case ContentAny:
		it.Content.Value = r.Value
	case ContentString:
		it.Content.Char, _ = utf8.DecodeRuneInString(r.Char)
	case ContentType:
		it.Content.Type = r.Type
	}
	return it
}

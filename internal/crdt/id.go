package crdt

import (
	"maps"
	"strconv"
)

// ClientID identifies a replica (a site). Zero is never a valid client.
type ClientID uint64

// String returns the decimal form used as a version vector key.
func (c ClientID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseClientID parses the decimal form produced by String.
func ParseClientID(s string) (ClientID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ClientID(n), nil
}

// ID addresses one item in the document arena. The zero ID means "none".
type ID struct {
	_      struct{} `cbor:",toarray"`
	Client ClientID
	Clock  uint64
}

// NewID builds an item id.
func NewID(client ClientID, clock uint64) ID {
	return ID{Client: client, Clock: clock}
}

// IsZero reports whether id is the "none" sentinel.
func (id ID) IsZero() bool { return id.Client == 0 }

func (id ID) less(o ID) bool {
	if id.Client != o.Client {
		return id.Client < o.Client
	}
	return id.Clock < o.Clock
}

// StateVector maps each client to the next clock expected from it, which
// is also the number of items received from it.
type StateVector map[ClientID]uint64

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	maps.Copy(c, sv)
	return c
}

// Has reports whether the item id is covered by the vector.
func (sv StateVector) Has(id ID) bool {
	return id.IsZero() || id.Clock < sv[id.Client]
}

// TypeRef identifies a shared type: either a named root or the item that
// holds a nested type.
type TypeRef struct {
	Root string `cbor:"1,keyasint,omitempty"`
	Item ID     `cbor:"2,keyasint"`
}

// IsRoot reports whether the reference names a root type.
func (r TypeRef) IsRoot() bool { return r.Item.IsZero() }

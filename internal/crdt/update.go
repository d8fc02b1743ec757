package crdt

import (
	"fmt"
	"slices"

	"github.com/roach88/botsync/internal/codec"
)

// Update is the decoded form of update bytes: a set of items and a set of
// deleted item ids. Applying updates is commutative and idempotent.
type Update struct {
	Items   []ItemRecord `cbor:"1,keyasint,omitempty"`
	Deletes []ID         `cbor:"2,keyasint,omitempty"`
}

// Empty reports whether the update carries nothing.
func (u *Update) Empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// EncodeUpdate serializes an update.
func EncodeUpdate(u *Update) ([]byte, error) {
	slices.SortFunc(u.Items, func(a, b ItemRecord) int { return compareIDs(a.ID, b.ID) })
	slices.SortFunc(u.Deletes, compareIDs)
	return codec.Marshal(u)
}

// DecodeUpdate parses update bytes produced by EncodeUpdate.
func DecodeUpdate(data []byte) (*Update, error) {
	var u Update
	if err := codec.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i := range u.Items {
		if err := u.Items[i].validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
	}
	for _, id := range u.Deletes {
		if id.IsZero() {
			return nil, fmt.Errorf("%w: delete of zero id", ErrMalformedUpdate)
		}
	}
	return &u, nil
}

// MergeUpdates combines updates into a single update equivalent to
// applying all of them.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDoc(WithClientID(1))
	for i, u := range updates {
		if err := doc.ApplyUpdate(u, nil); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
	}
	return doc.EncodeStateAsUpdate(nil)
}

func compareIDs(a, b ID) int {
	switch {
	case a.less(b):
		return -1
	case b.less(a):
		return 1
	default:
		return 0
	}
}

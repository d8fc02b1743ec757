package crdt

import "errors"

// ErrMalformedUpdate is returned when update bytes cannot be decoded or
// describe an impossible document.
var ErrMalformedUpdate = errors.New("malformed update")

// IsMalformedUpdate reports whether err is caused by a malformed update.
func IsMalformedUpdate(err error) bool {
	return errors.Is(err, ErrMalformedUpdate)
}

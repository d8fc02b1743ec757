package bots

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Domain prefixes for content-addressed hashes.
const (
	DomainState  = "botsync/state/v1"
	DomainUpdate = "botsync/update/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateHash computes a content hash of a state. Two replicas that converged
// produce the same hash.
func StateHash(state BotsState) (string, error) {
	data, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("StateHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, data), nil
}

// UpdateID computes the content id of a raw CRDT update. Stores use it to
// make appends idempotent.
func UpdateID(update []byte) string {
	return hashWithDomain(DomainUpdate, update)
}

// MustStateHash is like StateHash but panics on error.
// Use only in tests or when the state is known to be valid.
func MustStateHash(state BotsState) string {
	h, err := StateHash(state)
	if err != nil {
		panic(err)
	}
	return h
}

// IDGenerator produces unique ids for sites, sessions and tasks.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-ordered UUIDv7 ids.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewID returns a new UUIDv7 string.
func NewID() string {
	return UUIDv7Generator{}.Generate()
}

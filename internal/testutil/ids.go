package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator returns "{prefix}-1", "{prefix}-2", ... in order.
// It implements bots.IDGenerator, so connection ids assigned by a hub in a
// test are reproducible.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewSequenceIDGenerator creates a generator. An empty prefix means "id".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next)
}

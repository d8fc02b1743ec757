package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/botsync/internal/bots"
)

var _ bots.IDGenerator = (*SequenceIDGenerator)(nil)

func TestSequenceIDGenerator_Sequential(t *testing.T) {
	gen := NewSequenceIDGenerator("conn")

	assert.Equal(t, "conn-1", gen.Generate())
	assert.Equal(t, "conn-2", gen.Generate())
}

func TestSequenceIDGenerator_EmptyPrefixDefault(t *testing.T) {
	assert.Equal(t, "id-1", NewSequenceIDGenerator("").Generate())
}

func TestSequenceIDGenerator_ThreadSafe(t *testing.T) {
	gen := NewSequenceIDGenerator("x")
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := gen.Generate()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 1000)
}

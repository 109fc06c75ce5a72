package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_StartsAtOne(t *testing.T) {
	var s Sequence
	assert.Equal(t, uint64(0), s.Last())
	assert.Equal(t, uint64(1), s.Next())
	assert.Equal(t, uint64(2), s.Next())
	assert.Equal(t, uint64(2), s.Last())
}

func TestSequence_ConcurrentUnique(t *testing.T) {
	var s Sequence
	const n = 500

	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id := s.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing id %d", i)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	assert.True(t, strings.HasPrefix(id, "evt_"))
	assert.Len(t, id, len("evt_")+32)
	assert.NotEqual(t, id, WithPrefix("evt_"))
}

func TestNew(t *testing.T) {
	assert.Len(t, New(), 36)
}

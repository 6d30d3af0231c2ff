package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/storage"
	"github.com/Benny93/tracematrix/internal/trace"
)

var pair = trace.Pair{Left: "reqs.json", Right: "tests.json"}

func TestRelations_GetPut(t *testing.T) {
	t.Parallel()

	t.Run("MissReturnsFalse", func(t *testing.T) {
		t.Parallel()
		_, ok := New().Get(pair)
		assert.False(t, ok)
	})

	t.Run("HitReturnsCopy", func(t *testing.T) {
		t.Parallel()
		c := New()
		relations := []trace.Relation{{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}}}
		c.Put(pair, relations, storage.Header{Revision: 3})

		got, ok := c.Get(pair)
		require.True(t, ok)
		assert.Equal(t, relations, got.Relations)
		assert.Equal(t, int64(3), got.Header.Revision)

		got.Relations[0].LeftIDs[0] = "mutated"
		again, _ := c.Get(pair)
		assert.Equal(t, "A", again.Relations[0].LeftIDs[0])
	})

	t.Run("OppositeOrientationSharesEntry", func(t *testing.T) {
		t.Parallel()
		c := New()
		relations := []trace.Relation{{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}, Directed: trace.LeftToRight}}
		c.Put(pair, relations, storage.Header{})

		got, ok := c.Get(pair.Reversed())
		require.True(t, ok)
		assert.Equal(t, []string{"X"}, got.Relations[0].LeftIDs)
		assert.Equal(t, trace.RightToLeft, got.Relations[0].Directed)
		assert.Equal(t, "tests.json", got.Header.Left)
		assert.Equal(t, 1, c.Len())
	})
}

func TestRelations_Update(t *testing.T) {
	t.Parallel()

	c := New()
	c.Update(pair, func(current Entry, ok bool) Entry {
		assert.False(t, ok)
		current.Relations = []trace.Relation{{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}}}
		return current
	})
	c.Update(pair.Reversed(), func(current Entry, ok bool) Entry {
		assert.True(t, ok)
		assert.Equal(t, []string{"X"}, current.Relations[0].LeftIDs)
		current.Header.Revision = 2
		return current
	})

	got, _ := c.Get(pair)
	assert.Equal(t, []string{"A"}, got.Relations[0].LeftIDs)
	assert.Equal(t, int64(2), got.Header.Revision)
}

func TestRelations_ResetAndInvalidate(t *testing.T) {
	t.Parallel()

	c := New()
	other := trace.Pair{Left: "a.json", Right: "b.json"}
	c.Put(pair, nil, storage.Header{})
	c.Put(other, nil, storage.Header{})

	c.Invalidate(other)
	assert.Equal(t, 1, c.Len())

	c.Reset()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get(pair)
	assert.False(t, ok)
}

func TestRelations_ConcurrentPairs(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := trace.Pair{Left: "base.json", Right: fmt.Sprintf("f%d.json", i%4)}
			c.Update(p, func(current Entry, _ bool) Entry {
				current.Header.Revision++
				return current
			})
		}(i)
	}
	wg.Wait()

	total := int64(0)
	for i := 0; i < 4; i++ {
		e, ok := c.Get(trace.Pair{Left: "base.json", Right: fmt.Sprintf("f%d.json", i)})
		require.True(t, ok)
		total += e.Header.Revision
	}
	assert.Equal(t, int64(16), total)
}

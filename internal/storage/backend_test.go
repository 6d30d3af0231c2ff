package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/trace"
)

var (
	testPair = trace.Pair{Left: "reqs.json", Right: "tests.json"}

	testRelations = []trace.Relation{
		{ID: "r1", LeftIDs: []string{"A", "B"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight, Memo: "m"},
		{ID: "r2", LeftIDs: []string{"C"}, RightIDs: []string{"Y", "Z"}, Type: trace.KindTests, Directed: trace.Bidirectional},
	}
)

// testBackendContract runs the behavior every Backend must share.
func testBackendContract(t *testing.T, open func(t *testing.T) Backend) {
	t.Helper()

	t.Run("MissingPairLoadsNil", func(t *testing.T) {
		b := open(t)
		tf, err := b.LoadRelations(context.Background(), trace.Pair{Left: "nope.json", Right: "none.json"})
		require.NoError(t, err)
		assert.Nil(t, tf)
	})

	t.Run("SaveThenLoad", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		res, err := b.SaveRelations(ctx, testPair, &Header{Description: "release 1"}, testRelations)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Header.Revision)
		assert.Equal(t, "reqs.json__tests.json.trace.json", res.FileName)

		tf, err := b.LoadRelations(ctx, testPair)
		require.NoError(t, err)
		require.NotNil(t, tf)
		assert.Equal(t, testRelations, tf.Relations)
		assert.Equal(t, "release 1", tf.Header.Description)
		assert.Equal(t, "reqs.json", tf.Header.Left)
	})

	t.Run("RevisionIncrementsAndDescriptionCarries", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		_, err := b.SaveRelations(ctx, testPair, &Header{Description: "d"}, testRelations)
		require.NoError(t, err)
		res, err := b.SaveRelations(ctx, testPair, nil, testRelations[:1])
		require.NoError(t, err)

		assert.Equal(t, int64(2), res.Header.Revision)
		assert.Equal(t, "d", res.Header.Description)
	})

	t.Run("ReversedOrientationSharesStorage", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		_, err := b.SaveRelations(ctx, testPair, nil, testRelations)
		require.NoError(t, err)

		tf, err := b.LoadRelations(ctx, testPair.Reversed())
		require.NoError(t, err)
		require.NotNil(t, tf)
		assert.Equal(t, trace.Transpose(testRelations), tf.Relations)
		assert.Equal(t, "tests.json", tf.Header.Left)

		res, err := b.SaveRelations(ctx, testPair.Reversed(), nil, tf.Relations[:1])
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Header.Revision)

		tf, err = b.LoadRelations(ctx, testPair)
		require.NoError(t, err)
		assert.Equal(t, testRelations[:1], tf.Relations)
	})

	t.Run("ListPairs", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		for _, p := range []trace.Pair{
			{Left: "reqs.json", Right: "tests.json"},
			{Left: "design.json", Right: "reqs.json"},
			{Left: "design.json", Right: "tests.json"},
		} {
			_, err := b.SaveRelations(ctx, p, nil, testRelations)
			require.NoError(t, err)
		}

		pairs, err := b.ListPairs(ctx, "reqs.json")
		require.NoError(t, err)
		assert.Equal(t, []trace.Pair{
			{Left: "design.json", Right: "reqs.json"},
			{Left: "reqs.json", Right: "tests.json"},
		}, pairs)
	})

	t.Run("Cards", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		cards := []trace.Card{
			{ID: "A", CardID: "REQ-1", Title: "Login", Status: trace.StatusApproved},
			{ID: "B", Title: "Logout", Level: 1, ParentID: "A"},
		}
		require.NoError(t, b.SaveCards(ctx, "reqs.json", cards))

		loaded, err := b.LoadCards(ctx, "reqs.json")
		require.NoError(t, err)
		assert.Equal(t, cards, loaded)

		missing, err := b.LoadCards(ctx, "other.json")
		require.NoError(t, err)
		assert.Nil(t, missing)

		files, err := b.ListCardFiles(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"reqs.json"}, files)
	})

	t.Run("ConcurrentSavesAcrossPairs", func(t *testing.T) {
		ctx := context.Background()
		b := open(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := trace.Pair{Left: "base.json", Right: fmt.Sprintf("f%d.json", i)}
				_, err := b.SaveRelations(ctx, p, nil, testRelations)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		pairs, err := b.ListPairs(ctx, "base.json")
		require.NoError(t, err)
		assert.Len(t, pairs, 8)
	})
}

func TestMemoryBackend_Contract(t *testing.T) {
	t.Parallel()
	testBackendContract(t, func(t *testing.T) Backend {
		return NewMemoryBackend()
	})
}

func TestMemoryBackend_Initialize(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		backend := NewMemoryBackend()
		err := backend.Initialize("", false)

		assert.NoError(t, err)
		assert.True(t, backend.IsIndexed())
	})

	t.Run("ReadOnlyRejectsSaves", func(t *testing.T) {
		t.Parallel()
		backend := NewMemoryBackend()
		require.NoError(t, backend.Initialize("", true))

		_, err := backend.SaveRelations(context.Background(), testPair, nil, testRelations)
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("ClosedBackendFailsLoads", func(t *testing.T) {
		t.Parallel()
		backend := NewMemoryBackend()
		require.NoError(t, backend.Close())

		_, err := backend.LoadRelations(context.Background(), testPair)
		var loadErr *LoadError
		assert.ErrorAs(t, err, &loadErr)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestMemoryBackend_InjectedFailures(t *testing.T) {
	t.Parallel()

	t.Run("FailSaves", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		backend := NewMemoryBackend()
		boom := errors.New("disk full")
		backend.FailSaves(boom)

		_, err := backend.SaveRelations(ctx, testPair, nil, testRelations)
		var saveErr *SaveError
		require.ErrorAs(t, err, &saveErr)
		assert.Equal(t, testPair, saveErr.Pair)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, backend.SaveCount())

		backend.FailSaves(nil)
		_, err = backend.SaveRelations(ctx, testPair, nil, testRelations)
		assert.NoError(t, err)
		assert.Equal(t, 1, backend.SaveCount())
	})

	t.Run("SaveHookTargetsOnePair", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		backend := NewMemoryBackend()
		backend.SetSaveHook(func(p trace.Pair) error {
			if p.Involves("bad.json") {
				return errors.New("rejected")
			}
			return nil
		})

		_, err := backend.SaveRelations(ctx, trace.Pair{Left: "bad.json", Right: "x.json"}, nil, testRelations)
		assert.Error(t, err)
		_, err = backend.SaveRelations(ctx, testPair, nil, testRelations)
		assert.NoError(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewMemoryBackend().SaveRelations(ctx, testPair, nil, testRelations)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryBackend_StoredCopyIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := NewMemoryBackend()
	relations := trace.CloneAll(testRelations)

	_, err := backend.SaveRelations(ctx, testPair, nil, relations)
	require.NoError(t, err)
	relations[0].LeftIDs[0] = "mutated"

	tf, err := backend.LoadRelations(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, "A", tf.Relations[0].LeftIDs[0])
}

func TestFileNameFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.json__b.json.trace.json", FileNameFor(trace.Pair{Left: "b.json", Right: "a.json"}.Key()))
	assert.Equal(t, "docs_a.json__docs_b.json.trace.json", FileNameFor(trace.Pair{Left: "docs/a.json", Right: "docs/b.json"}.Key()))
}

package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/trace"
)

func outcomeFor(t *testing.T, outcomes []PairOutcome, pair trace.Pair) PairOutcome {
	t.Helper()
	for _, o := range outcomes {
		if o.Pair.Key() == pair.Key() {
			return o
		}
	}
	t.Fatalf("no outcome for %s", pair)
	return PairOutcome{}
}

func TestEngine_MergeCards(t *testing.T) {
	t.Parallel()

	t.Run("RewritesEveryPair", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		ctx := context.Background()
		env.seed(t, reqsTests, []trace.Relation{
			{ID: "r1", LeftIDs: []string{"A", "B"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		})
		env.seed(t, reqsCode, []trace.Relation{
			{ID: "r5", LeftIDs: []string{"B"}, RightIDs: []string{"K"}, Type: trace.KindDerives, Directed: trace.Bidirectional, Memo: "m"},
		})
		v := env.open(t, testsReqs)

		outcomes, err := env.engine.MergeCards(ctx, "reqs.json", []string{"A", "B"}, "C")
		require.NoError(t, err)
		require.Len(t, outcomes, 2)

		tests := outcomeFor(t, outcomes, reqsTests)
		require.NoError(t, tests.Err)
		assert.True(t, tests.Changed)
		assert.Equal(t, []string{"r1"}, tests.Rewritten)
		assert.Equal(t, int64(2), tests.Revision)

		tf, err := env.backend.LoadRelations(ctx, reqsTests)
		require.NoError(t, err)
		assert.Equal(t, []trace.Relation{
			{ID: "r1", LeftIDs: []string{"C"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		}, tf.Relations)

		tf, err = env.backend.LoadRelations(ctx, reqsCode)
		require.NoError(t, err)
		assert.Equal(t, []trace.Relation{
			{ID: "r5", LeftIDs: []string{"C"}, RightIDs: []string{"K"}, Type: trace.KindDerives, Directed: trace.Bidirectional, Memo: "m"},
		}, tf.Relations)

		// The open view sees the merged collection in its own orientation.
		require.Len(t, v.Relations(), 1)
		assert.Equal(t, []string{"C"}, v.Relations()[0].RightIDs)
		assert.Equal(t, 2.0, testutil.ToFloat64(env.engine.Metrics().Reassigned.WithLabelValues("merge", "ok")))
	})

	t.Run("UntouchedPairIsNotSaved", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		env.seed(t, reqsTests, []trace.Relation{
			{ID: "r1", LeftIDs: []string{"C"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		})
		saves := env.backend.SaveCount()

		outcomes, err := env.engine.MergeCards(context.Background(), "reqs.json", []string{"A"}, "B")
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.False(t, outcomes[0].Changed)
		assert.NoError(t, outcomes[0].Err)
		assert.Equal(t, saves, env.backend.SaveCount())
	})

	t.Run("SubsumedRelationCollapses", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		ctx := context.Background()
		env.seed(t, reqsTests, []trace.Relation{
			{ID: "r1", LeftIDs: []string{"C"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
			{ID: "r2", LeftIDs: []string{"A"}, RightIDs: []string{"X"}, Type: trace.KindTests, Directed: trace.LeftToRight},
		})

		outcomes, err := env.engine.MergeCards(ctx, "reqs.json", []string{"A"}, "C")
		require.NoError(t, err)
		require.NoError(t, outcomes[0].Err)
		assert.Equal(t, []string{"r2"}, outcomes[0].Dropped)

		tf, err := env.backend.LoadRelations(ctx, reqsTests)
		require.NoError(t, err)
		require.Len(t, tf.Relations, 1)
		assert.Equal(t, "r1", tf.Relations[0].ID)
	})

	t.Run("PartialOverlapAbortsPair", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		ctx := context.Background()
		seeded := []trace.Relation{
			{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X", "Y"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
			{ID: "r2", LeftIDs: []string{"C"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		}
		env.seed(t, reqsTests, seeded)
		saves := env.backend.SaveCount()

		outcomes, err := env.engine.MergeCards(ctx, "reqs.json", []string{"A"}, "C")
		require.NoError(t, err)
		require.Len(t, outcomes, 1)

		var integrity *trace.IntegrityError
		require.ErrorAs(t, outcomes[0].Err, &integrity)
		assert.Equal(t, trace.FaultCollision, integrity.Faults[0].Kind)
		assert.ErrorContains(t, outcomes[0].Err, "split relation r1 so that cell C::X is left to r2")
		assert.False(t, outcomes[0].Changed)
		assert.Equal(t, saves, env.backend.SaveCount())
		assert.Positive(t, env.engine.Faults().Total())

		tf, err := env.backend.LoadRelations(ctx, reqsTests)
		require.NoError(t, err)
		assert.Equal(t, seeded, tf.Relations)
	})

	t.Run("PairsFailIndependently", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		ctx := context.Background()
		env.seed(t, reqsTests, []trace.Relation{
			{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		})
		env.seed(t, reqsCode, []trace.Relation{
			{ID: "r5", LeftIDs: []string{"A"}, RightIDs: []string{"K"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		})
		env.backend.SetSaveHook(func(pair trace.Pair) error {
			if pair.Key() == reqsCode.Key() {
				return errSaveBad
			}
			return nil
		})

		outcomes, err := env.engine.MergeCards(ctx, "reqs.json", []string{"A"}, "B")
		require.NoError(t, err)

		failed := outcomeFor(t, outcomes, reqsCode)
		assert.ErrorIs(t, failed.Err, errSaveBad)
		assert.True(t, failed.Failed())

		ok := outcomeFor(t, outcomes, reqsTests)
		require.NoError(t, ok.Err)
		assert.True(t, ok.Changed)

		tf, err := env.backend.LoadRelations(ctx, reqsTests)
		require.NoError(t, err)
		assert.Equal(t, []string{"B"}, tf.Relations[0].LeftIDs)

		tf, err = env.backend.LoadRelations(ctx, reqsCode)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, tf.Relations[0].LeftIDs)
	})

	t.Run("EmptyTarget", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		_, err := env.engine.MergeCards(context.Background(), "reqs.json", []string{"A"}, "")
		assert.Error(t, err)
	})
}

func TestEngine_DeleteCards(t *testing.T) {
	t.Parallel()

	env := setupTestEngine(t)
	ctx := context.Background()
	env.seed(t, reqsTests, []trace.Relation{
		{ID: "r1", LeftIDs: []string{"A", "B"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
		{ID: "r2", LeftIDs: []string{"C"}, RightIDs: []string{"Y"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
	})
	v := env.open(t, reqsTests)

	outcomes, err := env.engine.DeleteCards(ctx, "tests.json", []string{"Y"})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, []string{"r2"}, outcomes[0].Dropped)

	outcomes, err = env.engine.DeleteCards(ctx, "reqs.json", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, outcomes[0].Rewritten)

	assert.Equal(t, []trace.Relation{
		{ID: "r1", LeftIDs: []string{"B"}, RightIDs: []string{"X"}, Type: trace.KindTrace, Directed: trace.LeftToRight},
	}, v.Relations())
	assert.Equal(t, int64(3), v.Header().Revision)
}

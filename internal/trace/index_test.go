package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndex(t *testing.T) {
	t.Parallel()

	t.Run("OneEntryPerOccupiedCell", func(t *testing.T) {
		t.Parallel()
		relations := []Relation{
			{ID: "r1", LeftIDs: []string{"A", "B"}, RightIDs: []string{"X", "Y"}},
			{ID: "r2", LeftIDs: []string{"C"}, RightIDs: []string{"X"}},
		}
		idx := BuildIndex(relations)

		assert.Equal(t, 5, idx.Len())
		assert.Equal(t, "r1", idx.Lookup("B", "Y").ID)
		assert.Equal(t, "r2", idx.Lookup("C", "X").ID)
		assert.Nil(t, idx.Lookup("C", "Y"))
		assert.Empty(t, idx.Faults())
	})

	t.Run("CollisionIsReportedNotOverwritten", func(t *testing.T) {
		t.Parallel()
		relations := []Relation{
			{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}},
			{ID: "r2", LeftIDs: []string{"A"}, RightIDs: []string{"X", "Y"}},
		}
		idx := BuildIndex(relations)

		require.Len(t, idx.Faults(), 1)
		fault := idx.Faults()[0]
		assert.Equal(t, FaultCollision, fault.Kind)
		assert.Equal(t, []string{"r1", "r2"}, fault.RelationIDs)
		assert.Equal(t, "A", fault.LeftID)
		assert.Equal(t, "X", fault.RightID)
		assert.Equal(t, "r1", idx.Lookup("A", "X").ID)
		assert.Equal(t, "r2", idx.Lookup("A", "Y").ID)
	})

	t.Run("NilIndexIsEmpty", func(t *testing.T) {
		t.Parallel()
		var idx *Index
		assert.Nil(t, idx.Lookup("A", "X"))
		assert.Equal(t, 0, idx.Len())
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("CleanCollection", func(t *testing.T) {
		t.Parallel()
		relations := []Relation{
			{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}},
			{ID: "r2", LeftIDs: []string{"B"}, RightIDs: []string{"X"}},
		}
		assert.Empty(t, Validate(relations))
	})

	t.Run("DetectsEveryFaultKind", func(t *testing.T) {
		t.Parallel()
		relations := []Relation{
			{ID: "r1", LeftIDs: []string{}, RightIDs: []string{"X"}},
			{ID: "r2", LeftIDs: []string{"A", "A"}, RightIDs: []string{"Y"}},
			{ID: "r2", LeftIDs: []string{"B"}, RightIDs: []string{"Z"}},
			{ID: "r4", LeftIDs: []string{"B"}, RightIDs: []string{"Z"}},
		}
		kinds := map[FaultKind]int{}
		for _, f := range Validate(relations) {
			kinds[f.Kind]++
		}

		assert.Equal(t, 1, kinds[FaultEmptySide])
		assert.Equal(t, 1, kinds[FaultDuplicateEndpoint])
		assert.Equal(t, 1, kinds[FaultDuplicateID])
		assert.Equal(t, 1, kinds[FaultCollision])
	})

	t.Run("IntegrityErrorMessage", func(t *testing.T) {
		t.Parallel()
		err := &IntegrityError{Faults: []IntegrityFault{{Kind: FaultCollision, RelationIDs: []string{"r1", "r2"}, LeftID: "A", RightID: "X"}}}
		assert.Contains(t, err.Error(), "collision")
		assert.Contains(t, err.Error(), "A::X")
		assert.Contains(t, err.Error(), "split relation r2 so that cell A::X is left to r1")
	})

	t.Run("FaultHints", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "delete relation r1 or give it a right endpoint",
			IntegrityFault{Kind: FaultEmptySide, RelationIDs: []string{"r1"}, Side: Right}.Hint())
		assert.Equal(t, "remove the repeated left id from relation r1",
			IntegrityFault{Kind: FaultDuplicateEndpoint, RelationIDs: []string{"r1"}, Side: Left}.Hint())
		assert.Empty(t, IntegrityFault{Kind: FaultDuplicateID, RelationIDs: []string{"r1"}}.Hint())
		assert.Empty(t, IntegrityFault{Kind: FaultCollision, RelationIDs: []string{"r1"}}.Hint())
	})
}

package view

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Benny93/tracematrix/internal/trace"
)

// pairSource serves relations stored in canonical orientation.
type pairSource map[trace.PairKey][]trace.Relation

func (p pairSource) get(pair trace.Pair) []trace.Relation {
	relations := p[pair.Key()]
	if pair.Canonical() {
		return relations
	}
	return trace.Transpose(relations)
}

func TestComputeHighlights(t *testing.T) {
	t.Parallel()

	source := pairSource{
		// design.json < reqs.json < tests.json
		trace.Pair{Left: "reqs.json", Right: "tests.json"}.Key(): {
			{ID: "r1", LeftIDs: []string{"A"}, RightIDs: []string{"X"}},
			{ID: "r2", LeftIDs: []string{"B", "C"}, RightIDs: []string{"Y"}},
		},
		trace.Pair{Left: "design.json", Right: "reqs.json"}.Key(): {
			{ID: "d1", LeftIDs: []string{"D1"}, RightIDs: []string{"C"}},
		},
	}.get

	t.Run("OwnSelectionOnly", func(t *testing.T) {
		t.Parallel()
		got := ComputeHighlights("reqs.json", []Seed{{File: "reqs.json", CardIDs: []string{"A"}}}, source, false)
		assert.Equal(t, map[string]bool{"A": true}, got)
	})

	t.Run("ReachableFromOtherFile", func(t *testing.T) {
		t.Parallel()
		got := ComputeHighlights("reqs.json", []Seed{{File: "tests.json", CardIDs: []string{"Y"}}}, source, false)
		assert.Equal(t, map[string]bool{"B": true, "C": true}, got)
	})

	t.Run("ReversedOrientation", func(t *testing.T) {
		t.Parallel()
		got := ComputeHighlights("tests.json", []Seed{{File: "reqs.json", CardIDs: []string{"B"}}}, source, false)
		assert.Equal(t, map[string]bool{"Y": true}, got)
	})

	t.Run("UnionAcrossSeeds", func(t *testing.T) {
		t.Parallel()
		seeds := []Seed{
			{File: "tests.json", CardIDs: []string{"X"}},
			{File: "design.json", CardIDs: []string{"D1"}},
			{File: "reqs.json", CardIDs: []string{"E"}},
		}
		got := ComputeHighlights("reqs.json", seeds, source, false)
		assert.Equal(t, map[string]bool{"A": true, "C": true, "E": true}, got)
	})

	t.Run("ExcludeSelfDropsUnlinkedOwnIDs", func(t *testing.T) {
		t.Parallel()
		seeds := []Seed{
			{File: "tests.json", CardIDs: []string{"X"}},
			{File: "reqs.json", CardIDs: []string{"B", "E"}},
		}
		got := ComputeHighlights("reqs.json", seeds, source, true)
		// B is linked to tests.json and stays; E has no cross-file relation.
		assert.Equal(t, map[string]bool{"A": true, "B": true}, got)
	})

	t.Run("NilSource", func(t *testing.T) {
		t.Parallel()
		got := ComputeHighlights("reqs.json", []Seed{{File: "tests.json", CardIDs: []string{"X"}}}, nil, false)
		assert.Empty(t, got)
	})
}

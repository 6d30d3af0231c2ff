package view

import (
	"github.com/Benny93/tracematrix/internal/trace"
)

// Seed is the current selection in one file.
type Seed struct {
	File    string   `json:"file"`
	CardIDs []string `json:"card_ids"`
}

// RelationSource returns the relations of a pair oriented as requested, or
// nil when the pair has none.
type RelationSource func(pair trace.Pair) []trace.Relation

// ComputeHighlights returns the ids in file to emphasize for the given
// selection seeds.
//
// The result is the union of the ids selected in file itself and every id in
// file linked through at least one relation to a card selected in another
// file. With excludeSelf, ids selected in file are kept only when they take
// part in a relation with some other seeded file.
func ComputeHighlights(file string, seeds []Seed, source RelationSource, excludeSelf bool) map[string]bool {
	out := make(map[string]bool)
	var own []string
	crossLinked := make(map[string]bool)

	for _, seed := range seeds {
		if seed.File == file {
			own = append(own, seed.CardIDs...)
			continue
		}
		if len(seed.CardIDs) == 0 || source == nil {
			continue
		}

		// Orient with file on the left.
		relations := source(trace.Pair{Left: file, Right: seed.File})
		selected := make(map[string]bool, len(seed.CardIDs))
		for _, id := range seed.CardIDs {
			selected[id] = true
		}
		for _, r := range relations {
			for _, id := range r.LeftIDs {
				crossLinked[id] = true
			}
			if !anySelected(r.RightIDs, selected) {
				continue
			}
			for _, id := range r.LeftIDs {
				out[id] = true
			}
		}
	}

	for _, id := range own {
		if excludeSelf && !crossLinked[id] {
			continue
		}
		out[id] = true
	}
	return out
}

func anySelected(ids []string, selected map[string]bool) bool {
	for _, id := range ids {
		if selected[id] {
			return true
		}
	}
	return false
}

package trace

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh relation id.
func NewID() string {
	return "rel_" + uuid.NewString()
}

// ToggleResult is the outcome of Toggle.
type ToggleResult struct {
	// Next is the new collection. It shares every untouched relation with
	// the input.
	Next []Relation

	// IsActive reports whether the cell is linked after the toggle.
	IsActive bool
}

// Toggle turns the link for a single (leftID, rightID) cell on or off.
//
// When no relation covers the cell a new 1x1 relation is appended using the
// given defaults. When a relation covers it, leftID is removed from its left
// side and rightID from its right side; the relation is dropped if either
// side becomes empty. Only the owning relation is touched.
func Toggle(relations []Relation, leftID, rightID string, defaults Defaults) ToggleResult {
	owner := ownerIndex(relations, leftID, rightID)
	if owner < 0 {
		next := make([]Relation, len(relations), len(relations)+1)
		copy(next, relations)
		next = append(next, Relation{
			ID:       newIDFor(defaults),
			LeftIDs:  []string{leftID},
			RightIDs: []string{rightID},
			Type:     defaults.Kind,
			Directed: defaults.Direction,
		})
		return ToggleResult{Next: next, IsActive: true}
	}

	rel := relations[owner]
	rel.LeftIDs = without(rel.LeftIDs, leftID)
	rel.RightIDs = without(rel.RightIDs, rightID)

	next := make([]Relation, 0, len(relations))
	next = append(next, relations[:owner]...)
	if len(rel.LeftIDs) > 0 && len(rel.RightIDs) > 0 {
		next = append(next, rel)
	}
	next = append(next, relations[owner+1:]...)
	return ToggleResult{Next: next, IsActive: false}
}

// ChangeKind sets the type of the relation covering the cell. The input is
// returned unchanged when no relation covers the cell or the kind is equal.
func ChangeKind(relations []Relation, leftID, rightID string, kind Kind) []Relation {
	owner := ownerIndex(relations, leftID, rightID)
	if owner < 0 || relations[owner].Type == kind {
		return relations
	}
	return replaceAt(relations, owner, func(r *Relation) { r.Type = kind })
}

// ChangeDirection sets the direction of the relation with the given id.
// Unknown ids and unchanged directions return the input slice itself.
func ChangeDirection(relations []Relation, relationID string, direction Direction) []Relation {
	i := indexByID(relations, relationID)
	if i < 0 || relations[i].Directed == direction {
		return relations
	}
	return replaceAt(relations, i, func(r *Relation) { r.Directed = direction })
}

// ChangeMemo sets the memo of the relation with the given id. The memo is
// trimmed and an empty result clears it.
func ChangeMemo(relations []Relation, relationID, memo string) []Relation {
	memo = strings.TrimSpace(memo)
	i := indexByID(relations, relationID)
	if i < 0 || relations[i].Memo == memo {
		return relations
	}
	return replaceAt(relations, i, func(r *Relation) { r.Memo = memo })
}

// Transpose swaps the sides of every relation and mirrors its direction, so a
// collection stored for (A, B) can be shown to a view opened as (B, A).
func Transpose(relations []Relation) []Relation {
	if relations == nil {
		return nil
	}
	out := make([]Relation, len(relations))
	for i, r := range relations {
		out[i] = Relation{
			ID:       r.ID,
			LeftIDs:  r.RightIDs,
			RightIDs: r.LeftIDs,
			Type:     r.Type,
			Directed: r.Directed.Mirror(),
			Memo:     r.Memo,
		}
	}
	return out
}

// SameCollection reports whether a and b are the same slice, which is how
// the mutation functions signal a no-op.
func SameCollection(a, b []Relation) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return (a == nil) == (b == nil)
	}
	return &a[0] == &b[0]
}

// Find returns the relation with the given id.
func Find(relations []Relation, relationID string) (Relation, bool) {
	i := indexByID(relations, relationID)
	if i < 0 {
		return Relation{}, false
	}
	return relations[i], true
}

// CloneAll deep-copies a collection.
func CloneAll(relations []Relation) []Relation {
	if relations == nil {
		return nil
	}
	out := make([]Relation, len(relations))
	for i, r := range relations {
		out[i] = r.Clone()
	}
	return out
}

func newIDFor(defaults Defaults) string {
	if defaults.NewID != nil {
		return defaults.NewID()
	}
	return NewID()
}

func ownerIndex(relations []Relation, leftID, rightID string) int {
	for i, r := range relations {
		if r.Covers(leftID, rightID) {
			return i
		}
	}
	return -1
}

func indexByID(relations []Relation, relationID string) int {
	for i, r := range relations {
		if r.ID == relationID {
			return i
		}
	}
	return -1
}

func replaceAt(relations []Relation, i int, mutate func(*Relation)) []Relation {
	next := slices.Clone(relations)
	mutate(&next[i])
	return next
}

// without returns ids minus id, always as a new slice.
func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

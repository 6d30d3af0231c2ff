package trace

import "slices"

// ReassignResult is the outcome of Reassign or RemoveCards.
type ReassignResult struct {
	// Next is the rewritten collection, or the input itself when nothing
	// changed.
	Next []Relation

	// Rewritten lists the ids of relations whose endpoints changed.
	Rewritten []string

	// Dropped lists the ids of relations removed because they collapsed
	// into an existing relation or lost their last endpoint on a side.
	Dropped []string

	// Faults lists invariant violations the rewrite would introduce. A
	// non-empty list means Next must not be persisted.
	Faults []IntegrityFault
}

// Changed reports whether the collection differs from the input.
func (r ReassignResult) Changed() bool {
	return len(r.Rewritten) > 0 || len(r.Dropped) > 0
}

// Reassign rewrites endpoints after the cards in sources were merged into
// target on the given side.
//
// Every source id is replaced by target and the side is deduplicated in
// first-seen order, so a relation keeps its id, type, direction and memo.
// Relations that do not reference a source are left untouched. A rewritten
// relation whose every cell is already owned by another relation collapses
// into it; a partial overlap is reported as a collision fault.
func Reassign(relations []Relation, side Side, sources []string, target string) ReassignResult {
	sourceSet := make(map[string]bool, len(sources))
	for _, s := range sources {
		sourceSet[s] = true
	}

	rewritten := make([]bool, len(relations))
	next := make([]Relation, len(relations))
	copy(next, relations)

	var res ReassignResult
	for i, rel := range relations {
		ids := rel.IDs(side)
		if !slices.ContainsFunc(ids, func(id string) bool { return sourceSet[id] }) {
			continue
		}
		replaced := make([]string, 0, len(ids))
		for _, id := range ids {
			if sourceSet[id] {
				id = target
			}
			replaced = append(replaced, id)
		}
		replaced = dedupe(replaced)
		if slices.Equal(replaced, ids) {
			continue
		}
		next[i] = rel.withIDs(side, replaced)
		rewritten[i] = true
		res.Rewritten = append(res.Rewritten, rel.ID)
	}

	if len(res.Rewritten) == 0 {
		res.Next = relations
		return res
	}

	// Untouched relations keep their cells; rewritten ones claim what is left.
	owner := make(map[string]string)
	claim := func(rel Relation) {
		for _, l := range rel.LeftIDs {
			for _, r := range rel.RightIDs {
				if _, ok := owner[cellKey(l, r)]; !ok {
					owner[cellKey(l, r)] = rel.ID
				}
			}
		}
	}
	for i, rel := range next {
		if !rewritten[i] {
			claim(rel)
		}
	}

	dropped := make([]bool, len(next))
	for i, rel := range next {
		if !rewritten[i] {
			continue
		}
		total, taken := 0, 0
		var takenBy []string
		var firstL, firstR string
		for _, l := range rel.LeftIDs {
			for _, r := range rel.RightIDs {
				total++
				if other, ok := owner[cellKey(l, r)]; ok {
					taken++
					if !slices.Contains(takenBy, other) {
						takenBy = append(takenBy, other)
					}
					if firstL == "" {
						firstL, firstR = l, r
					}
				}
			}
		}
		switch {
		case taken == 0:
			claim(rel)
		case taken == total:
			dropped[i] = true
			res.Dropped = append(res.Dropped, rel.ID)
		default:
			res.Faults = append(res.Faults, IntegrityFault{
				Kind:        FaultCollision,
				RelationIDs: append(takenBy, rel.ID),
				LeftID:      firstL,
				RightID:     firstR,
			})
			claim(rel)
		}
	}

	out := make([]Relation, 0, len(next))
	for i, rel := range next {
		if !dropped[i] {
			out = append(out, rel)
		}
	}
	res.Next = out
	res.Faults = append(res.Faults, emptySideFaults(out)...)
	return res
}

// RemoveCards removes deleted card ids from the given side. A relation that
// loses its last endpoint on that side is dropped rather than left empty.
func RemoveCards(relations []Relation, side Side, ids []string) ReassignResult {
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}

	var res ReassignResult
	out := make([]Relation, 0, len(relations))
	for _, rel := range relations {
		current := rel.IDs(side)
		if !slices.ContainsFunc(current, func(id string) bool { return removeSet[id] }) {
			out = append(out, rel)
			continue
		}
		kept := make([]string, 0, len(current))
		for _, id := range current {
			if !removeSet[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			res.Dropped = append(res.Dropped, rel.ID)
			continue
		}
		res.Rewritten = append(res.Rewritten, rel.ID)
		out = append(out, rel.withIDs(side, kept))
	}

	if !res.Changed() {
		res.Next = relations
		return res
	}
	res.Next = out
	return res
}

func emptySideFaults(relations []Relation) []IntegrityFault {
	var faults []IntegrityFault
	for _, rel := range relations {
		for _, side := range []Side{Left, Right} {
			if len(rel.IDs(side)) == 0 {
				faults = append(faults, IntegrityFault{Kind: FaultEmptySide, RelationIDs: []string{rel.ID}, Side: side})
			}
		}
	}
	return faults
}

// dedupe removes repeated ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

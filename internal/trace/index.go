package trace

// Index maps every occupied (leftID, rightID) cell to the relation covering it.
//
// An Index is a snapshot: it must be rebuilt whenever the relation
// collection changes. Building is O(sum of |left|*|right|), which stays small
// because relations are usually 1x1 or small groups.
type Index struct {
	cells  map[string]*Relation
	faults []IntegrityFault
}

// BuildIndex builds the cell lookup for a collection.
//
// Two relations claiming the same cell violate the one-relation-per-cell
// invariant. The collision is recorded as a fault and the first claimant
// keeps the cell; it is never resolved by last-write-wins.
func BuildIndex(relations []Relation) *Index {
	idx := &Index{
		cells: make(map[string]*Relation),
	}
	for i := range relations {
		rel := &relations[i]
		for _, l := range rel.LeftIDs {
			for _, r := range rel.RightIDs {
				key := cellKey(l, r)
				if prev, ok := idx.cells[key]; ok {
					if prev != rel {
						idx.faults = append(idx.faults, IntegrityFault{
							Kind:        FaultCollision,
							RelationIDs: []string{prev.ID, rel.ID},
							LeftID:      l,
							RightID:     r,
						})
					}
					continue
				}
				idx.cells[key] = rel
			}
		}
	}
	return idx
}

// Lookup returns the relation covering the cell, or nil.
func (x *Index) Lookup(leftID, rightID string) *Relation {
	if x == nil {
		return nil
	}
	return x.cells[cellKey(leftID, rightID)]
}

// Linked reports whether the cell is covered.
func (x *Index) Linked(leftID, rightID string) bool {
	return x.Lookup(leftID, rightID) != nil
}

// Len returns the number of occupied cells.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.cells)
}

// Faults returns the collisions found while building the index.
func (x *Index) Faults() []IntegrityFault {
	if x == nil {
		return nil
	}
	return x.faults
}

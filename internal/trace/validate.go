package trace

import (
	"fmt"
	"strings"
)

// FaultKind classifies a data-integrity fault.
type FaultKind string

const (
	// FaultCollision means two relations claim the same cell.
	FaultCollision FaultKind = "collision"
	// FaultEmptySide means a relation has no endpoint on one side.
	FaultEmptySide FaultKind = "empty_side"
	// FaultDuplicateEndpoint means an id appears twice on one side.
	FaultDuplicateEndpoint FaultKind = "duplicate_endpoint"
	// FaultDuplicateID means two relations share an id.
	FaultDuplicateID FaultKind = "duplicate_id"
)

// IntegrityFault describes a broken relation invariant. Faults point at a
// modeling bug elsewhere and are reported, not repaired.
type IntegrityFault struct {
	Kind        FaultKind
	RelationIDs []string
	LeftID      string
	RightID     string
	Side        Side
}

func (f IntegrityFault) String() string {
	var sb strings.Builder
	sb.WriteString(string(f.Kind))
	sb.WriteString(" relations=")
	sb.WriteString(strings.Join(f.RelationIDs, ","))
	if f.LeftID != "" || f.RightID != "" {
		fmt.Fprintf(&sb, " cell=%s::%s", f.LeftID, f.RightID)
	}
	if f.Side != "" {
		fmt.Fprintf(&sb, " side=%s", f.Side)
	}
	return sb.String()
}

// Hint suggests the edit that clears the fault. For a collision the last
// relation in RelationIDs is the one to split; the others keep the cell.
func (f IntegrityFault) Hint() string {
	n := len(f.RelationIDs)
	switch f.Kind {
	case FaultCollision:
		if n < 2 {
			return ""
		}
		return fmt.Sprintf("split relation %s so that cell %s::%s is left to %s",
			f.RelationIDs[n-1], f.LeftID, f.RightID, strings.Join(f.RelationIDs[:n-1], ","))
	case FaultEmptySide:
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("delete relation %s or give it a %s endpoint", f.RelationIDs[0], f.Side)
	case FaultDuplicateEndpoint:
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("remove the repeated %s id from relation %s", f.Side, f.RelationIDs[0])
	}
	return ""
}

// IntegrityError aborts an operation whose result would break an invariant.
type IntegrityError struct {
	Faults []IntegrityFault
}

func (e *IntegrityError) Error() string {
	parts := make([]string, len(e.Faults))
	for i, f := range e.Faults {
		parts[i] = f.String()
		if hint := f.Hint(); hint != "" {
			parts[i] += " (" + hint + ")"
		}
	}
	return "relation integrity: " + strings.Join(parts, "; ")
}

// Validate checks a collection against the relation invariants: non-empty
// sides, unique ids per side, unique relation ids and one relation per cell.
func Validate(relations []Relation) []IntegrityFault {
	var faults []IntegrityFault
	seenIDs := make(map[string]bool, len(relations))
	for _, rel := range relations {
		if seenIDs[rel.ID] {
			faults = append(faults, IntegrityFault{Kind: FaultDuplicateID, RelationIDs: []string{rel.ID}})
		}
		seenIDs[rel.ID] = true

		for _, side := range []Side{Left, Right} {
			ids := rel.IDs(side)
			if len(ids) == 0 {
				faults = append(faults, IntegrityFault{Kind: FaultEmptySide, RelationIDs: []string{rel.ID}, Side: side})
				continue
			}
			seen := make(map[string]bool, len(ids))
			for _, id := range ids {
				if seen[id] {
					faults = append(faults, IntegrityFault{Kind: FaultDuplicateEndpoint, RelationIDs: []string{rel.ID}, Side: side})
					break
				}
				seen[id] = true
			}
		}
	}
	return append(faults, BuildIndex(relations).Faults()...)
}

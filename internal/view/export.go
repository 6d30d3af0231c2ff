package view

import (
	"github.com/Benny93/tracematrix/internal/trace"
)

// ExportRow is one line of a row-list export. A zero Left or Right card
// marks a visible card without any visible link.
type ExportRow struct {
	Left     trace.Card
	Right    trace.Card
	Relation *trace.Relation
}

// Matrix is the tabular export: one row per visible left card, one column
// per visible right card.
type Matrix struct {
	Columns []trace.Card
	Rows    []MatrixRow
}

// MatrixRow holds the cells of one left card. A nil cell is unlinked.
type MatrixRow struct {
	Card  trace.Card
	Cells []*trace.Relation
}

// ExportRows returns one row per linked cell among the visible cards. With
// includeUnlinked, visible cards on either side that have no visible link
// are added with the other card left empty.
func (s *State) ExportRows(includeUnlinked bool) []ExportRow {
	lefts := s.VisibleCards(trace.Left)
	rights := s.VisibleCards(trace.Right)
	rightLinked := make(map[string]bool)

	var rows []ExportRow
	for _, l := range lefts {
		linked := false
		for _, r := range rights {
			rel := s.index.Lookup(l.ID, r.ID)
			if rel == nil {
				continue
			}
			linked = true
			rightLinked[r.ID] = true
			rows = append(rows, ExportRow{Left: l, Right: r, Relation: rel})
		}
		if !linked && includeUnlinked {
			rows = append(rows, ExportRow{Left: l})
		}
	}

	if includeUnlinked {
		for _, r := range rights {
			if !rightLinked[r.ID] {
				rows = append(rows, ExportRow{Right: r})
			}
		}
	}
	return rows
}

// ExportMatrix returns the visible cards as a matrix of relations.
func (s *State) ExportMatrix() Matrix {
	lefts := s.VisibleCards(trace.Left)
	rights := s.VisibleCards(trace.Right)

	m := Matrix{Columns: rights, Rows: make([]MatrixRow, 0, len(lefts))}
	for _, l := range lefts {
		row := MatrixRow{Card: l, Cells: make([]*trace.Relation, len(rights))}
		for i, r := range rights {
			row.Cells[i] = s.index.Lookup(l.ID, r.ID)
		}
		m.Rows = append(m.Rows, row)
	}
	return m
}

package view

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/tracematrix/internal/trace"
)

func TestState_ExportRows(t *testing.T) {
	t.Parallel()

	t.Run("LinkedOnly", func(t *testing.T) {
		t.Parallel()
		s := loadedState()
		rows := s.ExportRows(false)

		require.Len(t, rows, 3)
		assert.Equal(t, "A", rows[0].Left.ID)
		assert.Equal(t, "X", rows[0].Right.ID)
		assert.Equal(t, "r1", rows[0].Relation.ID)
		assert.Equal(t, "r2", rows[1].Relation.ID)
		assert.Equal(t, "Y", rows[2].Right.ID)
	})

	t.Run("IncludeUnlinked", func(t *testing.T) {
		t.Parallel()
		s := loadedState()
		rows := s.ExportRows(true)

		require.Len(t, rows, 6)
		// C and D have no links; Z has none on the right.
		assert.Equal(t, "C", rows[3].Left.ID)
		assert.Nil(t, rows[3].Relation)
		assert.Equal(t, "", rows[3].Right.ID)
		assert.Equal(t, "D", rows[4].Left.ID)
		assert.Equal(t, "Z", rows[5].Right.ID)
		assert.Equal(t, "", rows[5].Left.ID)
	})

	t.Run("RespectsFilters", func(t *testing.T) {
		t.Parallel()
		s := loadedState()
		s.SetFilter(trace.Right, Filter{Query: "logout"})
		rows := s.ExportRows(false)

		require.Len(t, rows, 1)
		assert.Equal(t, "B", rows[0].Left.ID)
		assert.Equal(t, "Y", rows[0].Right.ID)
	})
}

func TestState_ExportMatrix(t *testing.T) {
	t.Parallel()

	s := loadedState()
	s.SetFilter(trace.Left, Filter{Statuses: []trace.CardStatus{trace.StatusApproved, trace.StatusDraft}})
	m := s.ExportMatrix()

	require.Len(t, m.Columns, 3)
	require.Len(t, m.Rows, 2)
	assert.Equal(t, "A", m.Rows[0].Card.ID)
	assert.Equal(t, "r1", m.Rows[0].Cells[0].ID)
	assert.Nil(t, m.Rows[0].Cells[1])
	assert.Equal(t, "r2", m.Rows[1].Cells[0].ID)
	assert.Equal(t, "r2", m.Rows[1].Cells[1].ID)
	assert.Nil(t, m.Rows[1].Cells[2])
}

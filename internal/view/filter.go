package view

import (
	"slices"
	"strings"

	"github.com/Benny93/tracematrix/internal/trace"
)

// Filter narrows the cards shown on one side.
type Filter struct {
	// Query matches case-insensitively against card label, title and id.
	Query string `json:"query,omitempty"`

	// Statuses keeps only cards with one of these statuses. Empty keeps all.
	Statuses []trace.CardStatus `json:"statuses,omitempty"`

	// TracingTo keeps only cards linked to one of these ids on the other side.
	TracingTo []string `json:"tracing_to,omitempty"`
}

// Empty reports whether the filter keeps every card.
func (f Filter) Empty() bool {
	return strings.TrimSpace(f.Query) == "" && len(f.Statuses) == 0 && len(f.TracingTo) == 0
}

// SetFilter replaces the filter of a side.
func (s *State) SetFilter(side trace.Side, f Filter) {
	s.filters[side] = f
}

// Filter returns the filter of a side.
func (s *State) Filter(side trace.Side) Filter {
	return s.filters[side]
}

// VisibleCards returns the cards of a side that pass its filter, in
// snapshot order.
func (s *State) VisibleCards(side trace.Side) []trace.Card {
	cards := s.cards[side]
	f := s.filters[side]
	if f.Empty() {
		return cards
	}

	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]trace.Card, 0, len(cards))
	for _, c := range cards {
		if query != "" && !matchesQuery(c, query) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		if len(f.TracingTo) > 0 && !s.tracesTo(side, c.ID, f.TracingTo) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesQuery(c trace.Card, query string) bool {
	return strings.Contains(strings.ToLower(c.CardID), query) ||
		strings.Contains(strings.ToLower(c.Title), query) ||
		strings.Contains(strings.ToLower(c.ID), query)
}

func (s *State) tracesTo(side trace.Side, id string, targets []string) bool {
	for _, target := range targets {
		l, r := id, target
		if side == trace.Right {
			l, r = target, id
		}
		if s.index.Linked(l, r) {
			return true
		}
	}
	return false
}

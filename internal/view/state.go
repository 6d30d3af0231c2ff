// Package view holds the per-view state of an open file pair.
//
// A State is the card snapshots of both files, the relation collection with
// its lookup index, derived statistics, filters and highlight sets. Filters
// and highlights are display state and never touch relation data. State is
// not safe for concurrent use; the engine serializes access per view.
package view

import (
	"slices"

	"github.com/Benny93/tracematrix/internal/bus"
	"github.com/Benny93/tracematrix/internal/trace"
)

// Stats are the counters derived from cards and relations.
type Stats struct {
	Relations     int `json:"relations"`
	UntracedLeft  int `json:"untraced_left"`
	UntracedRight int `json:"untraced_right"`
	Faults        int `json:"faults"`
}

// State is the state of one open view.
type State struct {
	pair       trace.Pair
	cards      map[trace.Side][]trace.Card
	relations  []trace.Relation
	index      *trace.Index
	stats      Stats
	filters    map[trace.Side]Filter
	highlights map[trace.Side]map[string]bool
}

// New creates an empty state for pair.
func New(pair trace.Pair) *State {
	s := &State{
		pair:       pair,
		cards:      make(map[trace.Side][]trace.Card),
		filters:    make(map[trace.Side]Filter),
		highlights: make(map[trace.Side]map[string]bool),
	}
	s.SetRelations(nil)
	return s
}

// Pair returns the file pair in the orientation the view was opened with.
func (s *State) Pair() trace.Pair {
	return s.pair
}

// Cards returns the card snapshot of a side.
func (s *State) Cards(side trace.Side) []trace.Card {
	return s.cards[side]
}

// Relations returns the current collection. Callers must not mutate it.
func (s *State) Relations() []trace.Relation {
	return s.relations
}

// Index returns the lookup index of the current collection.
func (s *State) Index() *trace.Index {
	return s.index
}

// Stats returns the derived counters.
func (s *State) Stats() Stats {
	return s.stats
}

// Faults returns the integrity faults found in the current collection.
func (s *State) Faults() []trace.IntegrityFault {
	return s.index.Faults()
}

// SetCards replaces the snapshot of one side.
func (s *State) SetCards(side trace.Side, cards []trace.Card) {
	s.cards[side] = cards
	s.recompute()
}

// SetRelations replaces the collection. Every edit path ends here.
func (s *State) SetRelations(relations []trace.Relation) {
	s.relations = relations
	s.index = trace.BuildIndex(relations)
	s.recompute()
}

// ApplyRemoteChange replaces the collection with the one carried by change
// when it was published for this view's pair, in either orientation. It
// reports whether the change was applied.
func (s *State) ApplyRemoteChange(change bus.RelationChange) bool {
	from := change.Pair()
	if from.Key() != s.pair.Key() {
		return false
	}
	relations := trace.CloneAll(change.Relations)
	if from != s.pair {
		relations = trace.Transpose(relations)
	}
	s.SetRelations(relations)
	return true
}

func (s *State) recompute() {
	linkedLeft := make(map[string]bool)
	linkedRight := make(map[string]bool)
	for _, r := range s.relations {
		for _, id := range r.LeftIDs {
			linkedLeft[id] = true
		}
		for _, id := range r.RightIDs {
			linkedRight[id] = true
		}
	}

	s.stats = Stats{
		Relations:     len(s.relations),
		UntracedLeft:  countUntraced(s.cards[trace.Left], linkedLeft),
		UntracedRight: countUntraced(s.cards[trace.Right], linkedRight),
		Faults:        len(s.index.Faults()),
	}
}

func countUntraced(cards []trace.Card, linked map[string]bool) int {
	n := 0
	for _, c := range cards {
		if c.Status == trace.StatusDeprecated {
			continue
		}
		if !linked[c.ID] {
			n++
		}
	}
	return n
}

// SetHighlights replaces the highlight set of a side.
func (s *State) SetHighlights(side trace.Side, ids map[string]bool) {
	s.highlights[side] = ids
}

// Highlighted reports whether a card is emphasized on a side.
func (s *State) Highlighted(side trace.Side, id string) bool {
	return s.highlights[side][id]
}

// Highlights returns the highlighted ids of a side in snapshot order.
func (s *State) Highlights(side trace.Side) []string {
	set := s.highlights[side]
	if len(set) == 0 {
		return nil
	}
	var out []string
	for _, c := range s.cards[side] {
		if set[c.ID] {
			out = append(out, c.ID)
		}
	}
	// Highlighted ids that are not in the snapshot go last, sorted.
	var rest []string
	for id := range set {
		if !slices.ContainsFunc(s.cards[side], func(c trace.Card) bool { return c.ID == id }) {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

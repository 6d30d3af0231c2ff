// Package trace provides the traceability relation model for tracematrix.
//
// It defines the card and relation types that link two independently edited
// card collections (the left and right file of a pair), and the pure
// functions that create and mutate relation collections. Nothing in this
// package performs I/O; persistence and broadcasting live in the storage,
// bus and engine packages.
package trace

import (
	"slices"
	"strings"
)

// CardStatus represents the lifecycle status of a card.
type CardStatus string

const (
	StatusDraft      CardStatus = "draft"
	StatusReview     CardStatus = "review"
	StatusApproved   CardStatus = "approved"
	StatusDeprecated CardStatus = "deprecated"
)

// Kind is the relation type. The vocabulary is configuration, not structure;
// the constants below are the defaults shipped with the tool.
type Kind string

const (
	KindTrace     Kind = "trace"
	KindTests     Kind = "tests"
	KindDerives   Kind = "derives"
	KindConflicts Kind = "conflicts"
)

// DefaultKinds is the kind vocabulary used when no configuration overrides it.
var DefaultKinds = []Kind{KindTrace, KindTests, KindDerives, KindConflicts}

// Direction describes which way a relation points between the two sides.
type Direction string

const (
	LeftToRight   Direction = "left_to_right"
	RightToLeft   Direction = "right_to_left"
	Bidirectional Direction = "bidirectional"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case LeftToRight, RightToLeft, Bidirectional:
		return true
	}
	return false
}

// Mirror returns the direction seen from the opposite orientation.
func (d Direction) Mirror() Direction {
	switch d {
	case LeftToRight:
		return RightToLeft
	case RightToLeft:
		return LeftToRight
	}
	return d
}

// Side selects one of the two card collections of a pair.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Left {
		return Right
	}
	return Left
}

// Card is a node in one of the two card trees. The engine only reads ID,
// CardID, Title and Status; the remaining fields are carried through for
// export and display.
type Card struct {
	// ID is stable and process-wide unique.
	ID string `json:"id" yaml:"id"`

	// CardID is the optional human label (e.g. "REQ-12").
	CardID string `json:"cardId,omitempty" yaml:"cardId,omitempty"`

	Title  string     `json:"title" yaml:"title"`
	Body   string     `json:"body,omitempty" yaml:"body,omitempty"`
	Status CardStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Kind   string     `json:"kind,omitempty" yaml:"kind,omitempty"`

	// Level is the tree depth, zero for roots.
	Level int `json:"level" yaml:"level"`

	ParentID string   `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty" yaml:"child_ids,omitempty"`
	PrevID   string   `json:"prev_id,omitempty" yaml:"prev_id,omitempty"`
	NextID   string   `json:"next_id,omitempty" yaml:"next_id,omitempty"`
}

// DisplayKey returns the label shown for a card in matrix headers and exports.
func (c Card) DisplayKey() string {
	if c.CardID != "" {
		return c.CardID
	}
	return c.ID
}

// Relation is a traceability link between a group of left-side card ids and
// a group of right-side card ids.
type Relation struct {
	// ID is generated on creation and never reused after deletion.
	ID string `json:"id"`

	// LeftIDs holds card ids from the left file. Never empty, no duplicates.
	LeftIDs []string `json:"left_ids"`

	// RightIDs holds card ids from the right file. Never empty, no duplicates.
	RightIDs []string `json:"right_ids"`

	Type     Kind      `json:"type"`
	Directed Direction `json:"directed"`

	// Memo is an optional annotation; the empty string means no memo.
	Memo string `json:"memo,omitempty"`
}

// IDs returns the endpoint ids on the given side.
func (r Relation) IDs(side Side) []string {
	if side == Left {
		return r.LeftIDs
	}
	return r.RightIDs
}

// withIDs returns a copy of r with the ids on side replaced.
func (r Relation) withIDs(side Side, ids []string) Relation {
	if side == Left {
		r.LeftIDs = ids
	} else {
		r.RightIDs = ids
	}
	return r
}

// Covers reports whether the relation links the given cell.
func (r Relation) Covers(leftID, rightID string) bool {
	return slices.Contains(r.LeftIDs, leftID) && slices.Contains(r.RightIDs, rightID)
}

// Clone returns a deep copy so callers can mutate the id slices safely.
func (r Relation) Clone() Relation {
	r.LeftIDs = slices.Clone(r.LeftIDs)
	r.RightIDs = slices.Clone(r.RightIDs)
	return r
}

// Defaults holds the kind and direction given to relations created by Toggle.
type Defaults struct {
	Kind      Kind
	Direction Direction

	// NewID overrides the id generator; nil uses NewID.
	NewID func() string
}

// DefaultDefaults returns the built-in toggle defaults.
func DefaultDefaults() Defaults {
	return Defaults{Kind: KindTrace, Direction: LeftToRight}
}

// PairKey is the order-independent identity of a file pair.
// Format: {first}::{second} with the two names sorted lexicographically.
type PairKey string

// Pair is an oriented (left, right) file pair as opened by a view.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Key returns the canonical key shared by both orientations of the pair.
func (p Pair) Key() PairKey {
	a, b := p.Left, p.Right
	if b < a {
		a, b = b, a
	}
	return PairKey(a + "::" + b)
}

// Canonical reports whether the pair is already in canonical orientation.
func (p Pair) Canonical() bool {
	return p.Left <= p.Right
}

// Reversed returns the pair with left and right swapped.
func (p Pair) Reversed() Pair {
	return Pair{Left: p.Right, Right: p.Left}
}

// Involves reports whether fileName is one of the two files.
func (p Pair) Involves(fileName string) bool {
	return p.Left == fileName || p.Right == fileName
}

// SideOf returns the side a file occupies in the pair.
func (p Pair) SideOf(fileName string) (Side, bool) {
	switch fileName {
	case p.Left:
		return Left, true
	case p.Right:
		return Right, true
	}
	return "", false
}

func (p Pair) String() string {
	return p.Left + " <-> " + p.Right
}

// Files splits a canonical key back into its two file names.
func (k PairKey) Files() (string, string) {
	a, b, _ := strings.Cut(string(k), "::")
	return a, b
}

// Pair returns the key as a pair in canonical orientation.
func (k PairKey) Pair() Pair {
	a, b := k.Files()
	return Pair{Left: a, Right: b}
}

// cellKey formats the lookup key of a (leftID, rightID) cell.
func cellKey(leftID, rightID string) string {
	return leftID + "::" + rightID
}

// Package storage provides the persistence backends for tracematrix.
//
// It defines the Backend contract the engine depends on to load and save
// relation collections per file pair and card snapshots per file, along with
// the shared types and typed errors used across backends. Relation
// collections are stored once per canonical pair key, in canonical
// orientation; backends transpose on the way in and out so callers always
// see the orientation they asked for.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Benny93/tracematrix/internal/trace"
)

// ErrNotInitialized is returned when a backend is used before Initialize.
var ErrNotInitialized = errors.New("storage backend not initialized")

// ErrReadOnly is returned when a read-only backend is asked to write.
var ErrReadOnly = errors.New("storage backend is read-only")

// Header is the metadata stored alongside a relation collection.
type Header struct {
	// Left and Right are the file names in the orientation of the caller.
	Left  string `json:"left"`
	Right string `json:"right"`

	// Revision is incremented on every successful save.
	Revision int64 `json:"revision"`

	UpdatedAt time.Time `json:"updated_at"`

	// Description is a free-form note carried across saves.
	Description string `json:"description,omitempty"`
}

// TraceFile is a loaded relation collection with its metadata.
type TraceFile struct {
	FileName  string
	Header    Header
	Relations []trace.Relation
}

// SaveResult is returned by a successful SaveRelations.
type SaveResult struct {
	FileName string
	Header   Header
}

// Backend defines the interface for persistence implementations.
//
// Implementations must be thread-safe and support concurrent access. Saves
// are atomic from the caller's point of view: either the whole collection is
// written or a *SaveError is returned.
type Backend interface {
	// Lifecycle methods

	// Initialize opens or creates the backend at the given location.
	// If readOnly is true, the backend is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// Relation operations

	// LoadRelations returns the collection for a pair, oriented as
	// requested, or nil when no trace file exists yet.
	LoadRelations(ctx context.Context, pair trace.Pair) (*TraceFile, error)

	// SaveRelations replaces the collection for a pair. The header is
	// optional and only contributes its description.
	SaveRelations(ctx context.Context, pair trace.Pair, header *Header, relations []trace.Relation) (SaveResult, error)

	// ListPairs returns every stored pair involving the file, in canonical
	// orientation.
	ListPairs(ctx context.Context, fileName string) ([]trace.Pair, error)

	// Card snapshot operations

	// LoadCards returns the card snapshot of a file, or nil if unknown.
	LoadCards(ctx context.Context, fileName string) ([]trace.Card, error)

	// SaveCards replaces the card snapshot of a file.
	SaveCards(ctx context.Context, fileName string, cards []trace.Card) error

	// ListCardFiles returns the names of every stored card snapshot.
	ListCardFiles(ctx context.Context) ([]string, error)
}

// SaveError reports a failed save. The engine catches it to roll back.
type SaveError struct {
	Pair trace.Pair
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("saving relations for %s: %v", e.Pair, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// LoadError reports a failed load of relations or cards.
type LoadError struct {
	What string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.What, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// FileNameFor returns the trace file name used for a pair key.
// Format: {first}__{second}.trace.json
func FileNameFor(key trace.PairKey) string {
	a, b := key.Files()
	return sanitize(a) + "__" + sanitize(b) + ".trace.json"
}

func sanitize(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
}

// toCanonical orients a caller's collection for storage.
func toCanonical(pair trace.Pair, relations []trace.Relation) []trace.Relation {
	if pair.Canonical() {
		return relations
	}
	return trace.Transpose(relations)
}

// fromCanonical orients a stored collection for the caller.
func fromCanonical(pair trace.Pair, relations []trace.Relation) []trace.Relation {
	if pair.Canonical() {
		return relations
	}
	return trace.Transpose(relations)
}

// storedTrace is the persisted form of a trace file.
type storedTrace struct {
	Header    Header           `json:"header"`
	Relations []trace.Relation `json:"relations"`
}

// nextHeader builds the header written by a save.
func nextHeader(key trace.PairKey, previous *Header, header *Header, now time.Time) Header {
	canonical := key.Pair()
	next := Header{Left: canonical.Left, Right: canonical.Right, UpdatedAt: now.UTC()}
	if previous != nil {
		next.Revision = previous.Revision
		next.Description = previous.Description
	}
	next.Revision++
	if header != nil && header.Description != "" {
		next.Description = header.Description
	}
	return next
}

// orientHeader rewrites a canonical header for the caller's orientation.
func orientHeader(pair trace.Pair, h Header) Header {
	h.Left, h.Right = pair.Left, pair.Right
	return h
}

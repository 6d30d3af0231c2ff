package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Benny93/tracematrix/internal/bus"
	"github.com/Benny93/tracematrix/internal/storage"
	"github.com/Benny93/tracematrix/internal/trace"
	"github.com/Benny93/tracematrix/internal/view"
)

// ErrViewClosed is returned by edits on a closed view.
var ErrViewClosed = errors.New("view is closed")

// View is one open file pair. All state transitions are serialized by the
// view's mutex, which is never held across a save or a publish.
type View struct {
	id     string
	engine *Engine

	mu           sync.Mutex
	state        *view.State
	header       storage.Header
	closed       bool
	applied      uint64
	unsubscribes []func()

	// seeds is the latest selection per file, own and remote.
	seeds       map[string]view.Seed
	excludeSelf bool
}

func newView(e *Engine, pair trace.Pair, header storage.Header) *View {
	return &View{
		id:     "view_" + uuid.NewString(),
		engine: e,
		state:  view.New(pair),
		header: header,
		seeds:  make(map[string]view.Seed),
	}
}

func (v *View) subscribe() {
	v.unsubscribes = append(v.unsubscribes,
		v.engine.bus.Subscribe(bus.TopicRelationChange, v.onRelationChange),
		v.engine.bus.Subscribe(bus.TopicCardSelection, v.onSelection),
	)
}

// ID returns the view identity used as broadcast origin.
func (v *View) ID() string {
	return v.id
}

// Pair returns the pair in the orientation the view was opened with.
func (v *View) Pair() trace.Pair {
	return v.state.Pair()
}

// Header returns the header of the last load or successful save.
func (v *View) Header() storage.Header {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header
}

// Relations returns a copy of the current collection.
func (v *View) Relations() []trace.Relation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return trace.CloneAll(v.state.Relations())
}

// Stats returns the derived counters.
func (v *View) Stats() view.Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Stats()
}

// Read runs fn with the view state under the view lock. fn must not retain
// the state or call back into the view.
func (v *View) Read(fn func(s *view.State)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(v.state)
}

// SetFilter sets the display filter of one side.
func (v *View) SetFilter(side trace.Side, f view.Filter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.SetFilter(side, f)
}

// Closed reports whether Close has been called.
func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// Pending is the token returned by Apply. It holds the collection in place
// before the optimistic update.
type Pending struct {
	view     *View
	previous []trace.Relation
	next     []trace.Relation
	noop     bool

	// seq is the view's apply counter right after this edit.
	seq uint64
}

// NoOp reports whether the edit left the collection unchanged.
func (p *Pending) NoOp() bool {
	return p.noop
}

// Next returns the collection applied by the edit.
func (p *Pending) Next() []trace.Relation {
	return p.next
}

// Apply optimistically replaces the collection with next and returns a token
// for Commit or Rollback. Passing the current collection itself yields a
// no-op token.
func (v *View) Apply(next []trace.Relation) (*Pending, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.applyLocked(next)
}

func (v *View) applyLocked(next []trace.Relation) (*Pending, error) {
	if v.closed {
		return nil, ErrViewClosed
	}
	previous := v.state.Relations()
	if trace.SameCollection(previous, next) {
		return &Pending{view: v, previous: previous, next: next, noop: true}, nil
	}
	v.state.SetRelations(next)
	v.recomputeHighlightsLocked()
	v.applied++
	return &Pending{view: v, previous: previous, next: next, seq: v.applied}, nil
}

// Commit saves the applied collection, then updates the header and cache and
// broadcasts it. A failed save rolls the view back and returns the error.
//
// A remote change applied while the save was in flight carries an older
// revision than the save, so the saved collection is shown again. A newer
// remote revision, or a later local edit, keeps the view as it is.
func (v *View) Commit(ctx context.Context, p *Pending) error {
	if p == nil || p.noop {
		return nil
	}
	if p.view != v {
		return fmt.Errorf("commit: pending edit belongs to view %s", p.view.id)
	}

	pair := v.Pair()
	v.mu.Lock()
	header := v.header
	v.mu.Unlock()

	res, err := v.engine.persist(ctx, pair, &header, p.next)
	if err != nil {
		v.Rollback(p)
		return err
	}

	v.mu.Lock()
	if !v.closed && res.Header.Revision >= v.header.Revision {
		v.header = res.Header
		if v.applied == p.seq && !trace.SameCollection(v.state.Relations(), p.next) {
			v.state.SetRelations(p.next)
			v.recomputeHighlightsLocked()
		}
	}
	v.mu.Unlock()

	// A closed view still announces what it saved.
	v.engine.broadcast(ctx, v.id, pair, p.next, res.Header.Revision)
	return nil
}

// Rollback restores the collection held by p. It is a no-op on a closed
// view and when a remote change or a later edit replaced the collection
// since p was applied.
func (v *View) Rollback(p *Pending) {
	if p == nil || p.noop {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || !trace.SameCollection(v.state.Relations(), p.next) {
		return
	}
	v.state.SetRelations(p.previous)
	v.recomputeHighlightsLocked()
	v.engine.metrics.Rollbacks.Inc()
	v.engine.logger.Info("relations rolled back",
		slog.String("view", v.id),
		slog.String("pair", string(v.state.Pair().Key())))
}

// edit applies the collection computed by fn from the current one and
// commits it.
func (v *View) edit(ctx context.Context, op string, fn func(current []trace.Relation) []trace.Relation) (*Pending, error) {
	v.mu.Lock()
	p, err := v.applyLocked(fn(v.state.Relations()))
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if p.noop {
		v.engine.logger.Debug("edit left relations unchanged",
			slog.String("view", v.id),
			slog.String("op", op))
		return p, nil
	}
	return p, v.Commit(ctx, p)
}

// Toggle links or unlinks a single cell and reports whether it is linked
// afterwards.
func (v *View) Toggle(ctx context.Context, leftID, rightID string) (bool, error) {
	var active bool
	_, err := v.edit(ctx, "toggle", func(current []trace.Relation) []trace.Relation {
		res := trace.Toggle(current, leftID, rightID, v.engine.opts.Defaults)
		active = res.IsActive
		return res.Next
	})
	if err != nil {
		return false, err
	}
	return active, nil
}

// ChangeKind sets the kind of the relation covering a cell.
func (v *View) ChangeKind(ctx context.Context, leftID, rightID string, kind trace.Kind) error {
	if !v.engine.validKind(kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	_, err := v.edit(ctx, "kind", func(current []trace.Relation) []trace.Relation {
		return trace.ChangeKind(current, leftID, rightID, kind)
	})
	return err
}

// ChangeDirection sets the direction of a relation.
func (v *View) ChangeDirection(ctx context.Context, relationID string, direction trace.Direction) error {
	if !direction.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	_, err := v.edit(ctx, "direction", func(current []trace.Relation) []trace.Relation {
		return trace.ChangeDirection(current, relationID, direction)
	})
	return err
}

// ChangeMemo sets or clears the memo of a relation.
func (v *View) ChangeMemo(ctx context.Context, relationID, memo string) error {
	_, err := v.edit(ctx, "memo", func(current []trace.Relation) []trace.Relation {
		return trace.ChangeMemo(current, relationID, memo)
	})
	return err
}

// RefreshCards reloads both card snapshots from the backend.
func (v *View) RefreshCards(ctx context.Context) error {
	pair := v.Pair()
	left, err := v.engine.backend.LoadCards(ctx, pair.Left)
	if err != nil {
		return fmt.Errorf("refreshing cards: %w", err)
	}
	right, err := v.engine.backend.LoadCards(ctx, pair.Right)
	if err != nil {
		return fmt.Errorf("refreshing cards: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.state.SetCards(trace.Left, left)
	v.state.SetCards(trace.Right, right)
	v.recomputeHighlightsLocked()
	return nil
}

func (v *View) onRelationChange(ev bus.Event) {
	change := ev.Change
	if change == nil || change.Origin == v.id {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	// Delivery is at-least-once and unordered; revision 0 means unknown.
	if change.Pair().Key() == v.state.Pair().Key() &&
		change.Revision != 0 && change.Revision <= v.header.Revision {
		revision := v.header.Revision
		v.mu.Unlock()
		v.engine.logger.Debug("ignoring stale relation change",
			slog.String("view", v.id),
			slog.Int64("revision", change.Revision),
			slog.Int64("current", revision))
		return
	}
	applied := v.state.ApplyRemoteChange(*change)
	if applied && change.Revision > v.header.Revision {
		v.header.Revision = change.Revision
	}
	if applied {
		v.recomputeHighlightsLocked()
	}
	v.mu.Unlock()

	if !applied {
		return
	}
	v.engine.faults.Report(v.Pair(), trace.Validate(change.Relations))
	if v.engine.opts.RefreshCardsOnChange {
		if err := v.RefreshCards(context.Background()); err != nil {
			v.engine.logger.Warn("card refresh after remote change failed",
				slog.String("view", v.id),
				slog.String("error", err.Error()))
		}
	}
}

// Select records the cards selected on one side of this view, recomputes
// highlights and broadcasts the selection.
func (v *View) Select(ctx context.Context, side trace.Side, cardIDs []string) error {
	pair := v.Pair()
	file := pair.Left
	if side == trace.Right {
		file = pair.Right
	}
	ids := slices.Clone(cardIDs)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.setSeedLocked(view.Seed{File: file, CardIDs: ids})
	v.recomputeHighlightsLocked()
	v.mu.Unlock()

	err := v.engine.bus.Publish(ctx, bus.TopicCardSelection, bus.Selection{
		Origin:  v.id,
		File:    file,
		CardIDs: ids,
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	v.engine.metrics.Broadcasts.WithLabelValues(string(bus.TopicCardSelection), result).Inc()
	if err != nil {
		return fmt.Errorf("broadcasting selection: %w", err)
	}
	return nil
}

// SetExcludeSelf toggles the mode in which own selections are highlighted
// only when they take part in a cross-file relation.
func (v *View) SetExcludeSelf(exclude bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.excludeSelf = exclude
	v.recomputeHighlightsLocked()
}

// Seeds returns the current selection seeds sorted by file.
func (v *View) Seeds() []view.Seed {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seedListLocked()
}

// Highlights returns the highlighted ids of one side.
func (v *View) Highlights(side trace.Side) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Highlights(side)
}

func (v *View) onSelection(ev bus.Event) {
	sel := ev.Selection
	if sel == nil || sel.Origin == v.id {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.setSeedLocked(view.Seed{File: sel.File, CardIDs: slices.Clone(sel.CardIDs)})
	v.recomputeHighlightsLocked()
}

func (v *View) setSeedLocked(seed view.Seed) {
	if len(seed.CardIDs) == 0 {
		delete(v.seeds, seed.File)
		return
	}
	v.seeds[seed.File] = seed
}

func (v *View) seedListLocked() []view.Seed {
	out := make([]view.Seed, 0, len(v.seeds))
	for _, s := range v.seeds {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

func (v *View) recomputeHighlightsLocked() {
	pair := v.state.Pair()
	own := v.state.Relations()
	source := func(p trace.Pair) []trace.Relation {
		switch p {
		case pair:
			return own
		case pair.Reversed():
			return trace.Transpose(own)
		}
		if entry, ok := v.engine.cache.Get(p); ok {
			return entry.Relations
		}
		return nil
	}

	seeds := v.seedListLocked()
	v.state.SetHighlights(trace.Left, view.ComputeHighlights(pair.Left, seeds, source, v.excludeSelf))
	v.state.SetHighlights(trace.Right, view.ComputeHighlights(pair.Right, seeds, source, v.excludeSelf))
}

// Close unsubscribes the view. Saves already in flight complete and
// broadcast, but their rollback or result is not applied here.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	unsubscribes := v.unsubscribes
	v.unsubscribes = nil
	v.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	v.engine.forget(v)
	v.engine.logger.Debug("view closed", slog.String("view", v.id))
}

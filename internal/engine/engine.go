// Package engine ties the relation model to persistence and broadcasting.
//
// An Engine owns the backend, the relation cache and the bus. Views opened
// through it apply edits optimistically, persist them, and broadcast the
// saved collection to every other view of the same pair; a failed save
// rolls the view back to the collection it had before the edit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Benny93/tracematrix/internal/bus"
	"github.com/Benny93/tracematrix/internal/cache"
	"github.com/Benny93/tracematrix/internal/logging"
	"github.com/Benny93/tracematrix/internal/metrics"
	"github.com/Benny93/tracematrix/internal/storage"
	"github.com/Benny93/tracematrix/internal/trace"
)

// ErrUnknownKind is returned when a kind outside the vocabulary is requested.
var ErrUnknownKind = errors.New("unknown relation kind")

// ErrInvalidDirection is returned for a direction that is not one of the
// three known values.
var ErrInvalidDirection = errors.New("invalid relation direction")

// ErrSameFile is returned when a view is opened with the same file on both
// sides.
var ErrSameFile = errors.New("left and right file must differ")

// engineOrigin is the broadcast origin of changes made outside any view.
const engineOrigin = "engine"

// Options configures an Engine.
type Options struct {
	// Defaults are applied to relations created by toggling a cell on.
	Defaults trace.Defaults

	// Kinds is the kind vocabulary. Empty means trace.DefaultKinds.
	Kinds []trace.Kind

	// RefreshCardsOnChange reloads card snapshots from the backend after a
	// remote relation change has been applied to a view.
	RefreshCardsOnChange bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine is the entry point for opening views and restructuring cards.
type Engine struct {
	backend storage.Backend
	cache   *cache.Relations
	bus     bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics
	faults  *FaultReporter
	opts    Options

	mu    sync.Mutex
	views map[string]*View

	// pairLocks serializes engine-initiated rewrites per pair.
	pairLocks sync.Map

	unsubscribe func()
}

// New creates an engine. The cache is owned by the caller so it can be
// shared and reset independently.
func New(backend storage.Backend, relations *cache.Relations, b bus.Bus, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = trace.DefaultKinds
	}
	if opts.Defaults.Kind == "" {
		opts.Defaults.Kind = opts.Kinds[0]
	}
	if !opts.Defaults.Direction.Valid() {
		opts.Defaults.Direction = trace.LeftToRight
	}

	e := &Engine{
		backend: backend,
		cache:   relations,
		bus:     b,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		faults:  NewFaultReporter(opts.Logger, opts.Metrics),
		opts:    opts,
		views:   make(map[string]*View),
	}

	// Changes published by other processes keep the shared cache current.
	e.unsubscribe = b.Subscribe(bus.TopicRelationChange, e.onRelationChange)
	return e
}

// Faults returns the engine's integrity fault reporter.
func (e *Engine) Faults() *FaultReporter {
	return e.faults
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Kinds returns the configured kind vocabulary.
func (e *Engine) Kinds() []trace.Kind {
	return slices.Clone(e.opts.Kinds)
}

// Backend returns the persistence backend.
func (e *Engine) Backend() storage.Backend {
	return e.backend
}

func (e *Engine) validKind(kind trace.Kind) bool {
	return slices.Contains(e.opts.Kinds, kind)
}

// Relations returns the collection for pair, from the cache when present and
// from the backend otherwise.
func (e *Engine) Relations(ctx context.Context, pair trace.Pair) ([]trace.Relation, storage.Header, error) {
	if entry, ok := e.cache.Get(pair); ok {
		return entry.Relations, entry.Header, nil
	}

	tf, err := e.backend.LoadRelations(ctx, pair)
	if err != nil {
		return nil, storage.Header{}, err
	}

	header := storage.Header{Left: pair.Left, Right: pair.Right}
	var relations []trace.Relation
	if tf != nil {
		header = tf.Header
		relations = tf.Relations
		e.faults.Report(pair, trace.Validate(relations))
	}
	e.cache.Put(pair, relations, header)
	return relations, header, nil
}

// onRelationChange mirrors a broadcast collection into the cache.
func (e *Engine) onRelationChange(ev bus.Event) {
	if ev.Change == nil {
		return
	}
	change := ev.Change
	pair := change.Pair()
	e.cache.Update(pair, func(current cache.Entry, ok bool) cache.Entry {
		if ok && change.Revision != 0 && change.Revision < current.Header.Revision {
			return current
		}
		current.Relations = change.Relations
		current.Header.Left, current.Header.Right = pair.Left, pair.Right
		if change.Revision != 0 {
			current.Header.Revision = change.Revision
		}
		return current
	})
}

// Open loads a pair and returns a view subscribed to its broadcasts.
func (e *Engine) Open(ctx context.Context, pair trace.Pair) (*View, error) {
	if pair.Left == pair.Right {
		return nil, fmt.Errorf("opening %s: %w", pair, ErrSameFile)
	}

	relations, header, err := e.Relations(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pair, err)
	}
	leftCards, err := e.backend.LoadCards(ctx, pair.Left)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pair, err)
	}
	rightCards, err := e.backend.LoadCards(ctx, pair.Right)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pair, err)
	}

	v := newView(e, pair, header)
	v.state.SetCards(trace.Left, leftCards)
	v.state.SetCards(trace.Right, rightCards)
	v.state.SetRelations(relations)
	v.subscribe()

	e.mu.Lock()
	e.views[v.id] = v
	e.mu.Unlock()
	e.metrics.OpenViews.Inc()

	e.logger.Debug("view opened",
		slog.String("view", v.id),
		slog.String("pair", string(pair.Key())),
		slog.Int("relations", len(relations)))
	return v, nil
}

func (e *Engine) forget(v *View) {
	e.mu.Lock()
	_, ok := e.views[v.id]
	delete(e.views, v.id)
	e.mu.Unlock()
	if ok {
		e.metrics.OpenViews.Dec()
	}
}

// Views returns the open views.
func (e *Engine) Views() []*View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*View, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *View) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// RefreshFile reloads the card snapshots of every open view showing file.
// It returns the number of views refreshed.
func (e *Engine) RefreshFile(ctx context.Context, file string) (int, error) {
	var errs []error
	n := 0
	for _, v := range e.Views() {
		if !v.Pair().Involves(file) {
			continue
		}
		if err := v.RefreshCards(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Reset drops every cached collection. Open views keep their state.
func (e *Engine) Reset() {
	e.cache.Reset()
}

// Close closes every open view and stops listening for broadcasts. The
// backend and bus are left open for their owner to close.
func (e *Engine) Close() error {
	for _, v := range e.Views() {
		v.Close()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	return nil
}

// persist saves a collection and updates the cache with the result.
func (e *Engine) persist(ctx context.Context, pair trace.Pair, header *storage.Header, relations []trace.Relation) (storage.SaveResult, error) {
	res, err := e.backend.SaveRelations(ctx, pair, header, relations)
	if err != nil {
		e.metrics.SaveFailures.Inc()
		e.logger.Error("saving relations failed",
			slog.String("pair", string(pair.Key())),
			slog.String("error", err.Error()))
		return storage.SaveResult{}, err
	}
	e.metrics.Saves.Inc()
	e.cache.Put(pair, relations, res.Header)
	return res, nil
}

// broadcast publishes a saved collection. Failures are logged; a save that
// succeeded is never rolled back because its broadcast failed.
func (e *Engine) broadcast(ctx context.Context, origin string, pair trace.Pair, relations []trace.Relation, revision int64) {
	change := bus.RelationChange{
		Origin:    origin,
		Left:      pair.Left,
		Right:     pair.Right,
		Relations: relations,
		Revision:  revision,
	}
	if err := e.bus.Publish(ctx, bus.TopicRelationChange, change); err != nil {
		e.metrics.Broadcasts.WithLabelValues(string(bus.TopicRelationChange), "error").Inc()
		e.logger.Warn("broadcasting relation change failed",
			slog.String("pair", string(pair.Key())),
			slog.String("error", err.Error()))
		return
	}
	e.metrics.Broadcasts.WithLabelValues(string(bus.TopicRelationChange), "ok").Inc()
}

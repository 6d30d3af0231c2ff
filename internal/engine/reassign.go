package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Benny93/tracematrix/internal/storage"
	"github.com/Benny93/tracematrix/internal/trace"
)

// PairOutcome is the result of a card merge or delete for one stored pair.
// Pairs are independent: one failing never undoes another.
type PairOutcome struct {
	Pair      trace.Pair             `json:"pair"`
	FileName  string                 `json:"file_name,omitempty"`
	Changed   bool                   `json:"changed"`
	Rewritten []string               `json:"rewritten,omitempty"`
	Dropped   []string               `json:"dropped,omitempty"`
	Revision  int64                  `json:"revision,omitempty"`
	Faults    []trace.IntegrityFault `json:"faults,omitempty"`
	Err       error                  `json:"-"`
}

// Failed reports whether the pair could not be rewritten.
func (o PairOutcome) Failed() bool {
	return o.Err != nil
}

// MergeCards rewrites every relation of every stored pair involving file so
// that the sources now point at target.
func (e *Engine) MergeCards(ctx context.Context, file string, sources []string, target string) ([]PairOutcome, error) {
	if target == "" {
		return nil, fmt.Errorf("merging cards in %s: empty target", file)
	}
	return e.reassign(ctx, "merge", file, func(relations []trace.Relation, side trace.Side) trace.ReassignResult {
		return trace.Reassign(relations, side, sources, target)
	})
}

// DeleteCards removes the ids from every relation of every stored pair
// involving file.
func (e *Engine) DeleteCards(ctx context.Context, file string, ids []string) ([]PairOutcome, error) {
	return e.reassign(ctx, "delete", file, func(relations []trace.Relation, side trace.Side) trace.ReassignResult {
		return trace.RemoveCards(relations, side, ids)
	})
}

type rewriteFunc func(relations []trace.Relation, side trace.Side) trace.ReassignResult

func (e *Engine) reassign(ctx context.Context, op, file string, rewrite rewriteFunc) ([]PairOutcome, error) {
	pairs, err := e.backend.ListPairs(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("listing pairs for %s: %w", file, err)
	}

	outcomes := make([]PairOutcome, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			outcomes[i] = e.reassignPair(gctx, op, file, pair, rewrite)
			// Failures are per pair and reported in the outcome.
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("cards reassigned",
		slog.String("operation", op),
		slog.String("file", file),
		slog.Int("pairs", len(pairs)))
	return outcomes, nil
}

func (e *Engine) pairLock(key trace.PairKey) *sync.Mutex {
	l, _ := e.pairLocks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (e *Engine) reassignPair(ctx context.Context, op, file string, pair trace.Pair, rewrite rewriteFunc) PairOutcome {
	out := PairOutcome{Pair: pair}
	side, ok := pair.SideOf(file)
	if !ok {
		out.Err = fmt.Errorf("pair %s does not involve %s", pair, file)
		return out
	}

	lock := e.pairLock(pair.Key())
	lock.Lock()
	defer lock.Unlock()

	relations, header, err := e.Relations(ctx, pair)
	if err != nil {
		out.Err = err
		e.metrics.Reassigned.WithLabelValues(op, "error").Inc()
		return out
	}

	res := rewrite(relations, side)
	if !res.Changed() {
		return out
	}
	out.Rewritten, out.Dropped = res.Rewritten, res.Dropped

	faults := res.Faults
	if len(faults) == 0 {
		faults = trace.Validate(res.Next)
	}
	if len(faults) > 0 {
		e.faults.Report(pair, faults)
		e.metrics.Reassigned.WithLabelValues(op, "fault").Add(float64(len(res.Rewritten) + len(res.Dropped)))
		out.Faults = faults
		out.Err = &trace.IntegrityError{Faults: faults}
		return out
	}

	saved, err := e.persist(ctx, pair, &storage.Header{Description: header.Description}, res.Next)
	if err != nil {
		e.metrics.Reassigned.WithLabelValues(op, "error").Add(float64(len(res.Rewritten) + len(res.Dropped)))
		out.Err = err
		return out
	}
	e.metrics.Reassigned.WithLabelValues(op, "ok").Add(float64(len(res.Rewritten) + len(res.Dropped)))

	out.Changed = true
	out.FileName = saved.FileName
	out.Revision = saved.Header.Revision
	e.broadcast(ctx, engineOrigin, pair, res.Next, saved.Header.Revision)

	e.logger.Debug("pair reassigned",
		slog.String("operation", op),
		slog.String("pair", string(pair.Key())),
		slog.Int("rewritten", len(res.Rewritten)),
		slog.Int("dropped", len(res.Dropped)))
	return out
}

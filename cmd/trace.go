package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/Benny93/tracematrix/internal/engine"
	"github.com/Benny93/tracematrix/internal/trace"
	"github.com/Benny93/tracematrix/internal/view"
)

// PairArgs names the two card files of a view.
type PairArgs struct {
	Left  string `arg:"" help:"Left card file, relative to the project root"`
	Right string `arg:"" help:"Right card file, relative to the project root"`
}

func (p PairArgs) pair() trace.Pair {
	return trace.Pair{Left: p.Left, Right: p.Right}
}

// withView opens the pair on a fresh runtime and runs fn with the view.
func withView(g *Globals, pair trace.Pair, readOnly bool, fn func(ctx context.Context, rt *runtime, v *engine.View) error) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, g, readOnly)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	v, err := rt.engine.Open(ctx, pair)
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(ctx, rt, v)
}

// MatrixCmd prints the relation matrix of a pair.
type MatrixCmd struct {
	PairArgs

	Query string `short:"f" help:"Only show cards whose label, title or id contains this text"`
	Rows  bool   `help:"Print one line per linked cell instead of a grid"`
}

// Run executes the matrix command.
func (c *MatrixCmd) Run(g *Globals) error {
	return withView(g, c.pair(), true, func(_ context.Context, _ *runtime, v *engine.View) error {
		if c.Query != "" {
			v.SetFilter(trace.Left, view.Filter{Query: c.Query})
			v.SetFilter(trace.Right, view.Filter{Query: c.Query})
		}
		w := g.stdout()
		v.Read(func(st *view.State) {
			if c.Rows {
				printRows(w, st.ExportRows(false))
			} else {
				printGrid(w, st.ExportMatrix())
			}
			printStats(w, st.Stats())
		})
		return nil
	})
}

func printGrid(w io.Writer, m view.Matrix) {
	if len(m.Rows) == 0 || len(m.Columns) == 0 {
		fmt.Fprintln(w, "No cards to show")
		return
	}

	labelWidth := 0
	for _, row := range m.Rows {
		labelWidth = max(labelWidth, len(row.Card.DisplayKey()))
	}
	widths := make([]int, len(m.Columns))
	for i, col := range m.Columns {
		widths[i] = max(len(col.DisplayKey()), 3)
	}

	header := color.New(color.Bold)
	fmt.Fprintf(w, "%-*s", labelWidth, "")
	for i, col := range m.Columns {
		header.Fprintf(w, " %-*s", widths[i], col.DisplayKey())
	}
	fmt.Fprintln(w)

	linked := color.New(color.FgGreen)
	for _, row := range m.Rows {
		header.Fprintf(w, "%-*s", labelWidth, row.Card.DisplayKey())
		for i, cell := range row.Cells {
			if cell == nil {
				fmt.Fprintf(w, " %-*s", widths[i], ".")
				continue
			}
			linked.Fprintf(w, " %-*s", widths[i], arrow(cell.Directed))
		}
		fmt.Fprintln(w)
	}
}

func printRows(w io.Writer, rows []view.ExportRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No linked cards")
		return
	}
	for _, row := range rows {
		rel := row.Relation
		fmt.Fprintf(w, "%s %s %s  %s %s", row.Left.DisplayKey(), arrow(rel.Directed), row.Right.DisplayKey(), rel.Type, rel.ID)
		if rel.Memo != "" {
			fmt.Fprintf(w, "  %q", rel.Memo)
		}
		fmt.Fprintln(w)
	}
}

func printStats(w io.Writer, stats view.Stats) {
	fmt.Fprintf(w, "\n%d relations, %d untraced left, %d untraced right\n",
		stats.Relations, stats.UntracedLeft, stats.UntracedRight)
	if stats.Faults > 0 {
		color.New(color.FgRed).Fprintf(w, "%d integrity faults\n", stats.Faults)
	}
}

func arrow(d trace.Direction) string {
	switch d {
	case trace.RightToLeft:
		return "<-"
	case trace.Bidirectional:
		return "<->"
	}
	return "->"
}

// ToggleCmd links or unlinks two cards.
type ToggleCmd struct {
	PairArgs

	LeftID  string `arg:"" help:"Card id on the left side"`
	RightID string `arg:"" help:"Card id on the right side"`
}

// Run executes the toggle command.
func (c *ToggleCmd) Run(g *Globals) error {
	return withView(g, c.pair(), false, func(ctx context.Context, _ *runtime, v *engine.View) error {
		linked, err := v.Toggle(ctx, c.LeftID, c.RightID)
		if err != nil {
			return err
		}
		if linked {
			color.New(color.FgGreen).Fprintf(g.stdout(), "Linked %s and %s\n", c.LeftID, c.RightID)
		} else {
			color.New(color.FgYellow).Fprintf(g.stdout(), "Unlinked %s and %s\n", c.LeftID, c.RightID)
		}
		return nil
	})
}

// KindCmd changes the kind of the relation covering a cell.
type KindCmd struct {
	PairArgs

	LeftID  string `arg:"" help:"Card id on the left side"`
	RightID string `arg:"" help:"Card id on the right side"`
	Kind    string `arg:"" help:"New relation kind"`
}

// Run executes the kind command.
func (c *KindCmd) Run(g *Globals) error {
	return withView(g, c.pair(), false, func(ctx context.Context, _ *runtime, v *engine.View) error {
		var linked bool
		v.Read(func(st *view.State) { linked = st.Index().Linked(c.LeftID, c.RightID) })
		if !linked {
			return fmt.Errorf("%s and %s are not linked", c.LeftID, c.RightID)
		}
		if err := v.ChangeKind(ctx, c.LeftID, c.RightID, trace.Kind(c.Kind)); err != nil {
			return err
		}
		fmt.Fprintf(g.stdout(), "Relation between %s and %s is now %s\n", c.LeftID, c.RightID, c.Kind)
		return nil
	})
}

// DirectionCmd changes the direction of a relation.
type DirectionCmd struct {
	PairArgs

	RelationID string `arg:"" help:"Relation id"`
	Direction  string `arg:"" enum:"left_to_right,right_to_left,bidirectional" help:"New direction (left_to_right|right_to_left|bidirectional)"`
}

// Run executes the direction command.
func (c *DirectionCmd) Run(g *Globals) error {
	return withView(g, c.pair(), false, func(ctx context.Context, _ *runtime, v *engine.View) error {
		if _, ok := trace.Find(v.Relations(), c.RelationID); !ok {
			return fmt.Errorf("relation %s not found in %s", c.RelationID, v.Pair())
		}
		if err := v.ChangeDirection(ctx, c.RelationID, trace.Direction(c.Direction)); err != nil {
			return err
		}
		fmt.Fprintf(g.stdout(), "Relation %s is now %s\n", c.RelationID, c.Direction)
		return nil
	})
}

// MemoCmd sets or clears the memo of a relation.
type MemoCmd struct {
	PairArgs

	RelationID string `arg:"" help:"Relation id"`
	Memo       string `arg:"" optional:"" help:"Memo text; omit to clear"`
}

// Run executes the memo command.
func (c *MemoCmd) Run(g *Globals) error {
	return withView(g, c.pair(), false, func(ctx context.Context, _ *runtime, v *engine.View) error {
		if _, ok := trace.Find(v.Relations(), c.RelationID); !ok {
			return fmt.Errorf("relation %s not found in %s", c.RelationID, v.Pair())
		}
		return v.ChangeMemo(ctx, c.RelationID, c.Memo)
	})
}

// MergeCmd merges cards into a target card across every trace file.
type MergeCmd struct {
	File    string   `arg:"" help:"Card file containing the cards"`
	Target  string   `arg:"" help:"Card id that survives the merge"`
	Sources []string `arg:"" help:"Card ids merged into the target"`
}

// Run executes the merge command.
func (c *MergeCmd) Run(g *Globals) error {
	return reassign(g, func(ctx context.Context, e *engine.Engine) ([]engine.PairOutcome, error) {
		return e.MergeCards(ctx, c.File, c.Sources, c.Target)
	})
}

// DeleteCmd removes cards from every trace file.
type DeleteCmd struct {
	File string   `arg:"" help:"Card file containing the cards"`
	IDs  []string `arg:"" name:"ids" help:"Card ids to remove"`
}

// Run executes the delete command.
func (c *DeleteCmd) Run(g *Globals) error {
	return reassign(g, func(ctx context.Context, e *engine.Engine) ([]engine.PairOutcome, error) {
		return e.DeleteCards(ctx, c.File, c.IDs)
	})
}

func reassign(g *Globals, run func(ctx context.Context, e *engine.Engine) ([]engine.PairOutcome, error)) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, g, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	outcomes, err := run(ctx, rt.engine)
	if err != nil {
		return err
	}

	w := g.stdout()
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "No trace files reference this card file")
		return nil
	}
	failed := 0
	for _, o := range outcomes {
		switch {
		case o.Failed():
			failed++
			color.New(color.FgRed).Fprintf(w, "  ✗ %s: %v\n", o.Pair, o.Err)
		case o.Changed:
			color.New(color.FgGreen).Fprintf(w, "  ✓ %s: %d rewritten, %d dropped\n", o.Pair, len(o.Rewritten), len(o.Dropped))
		default:
			fmt.Fprintf(w, "    %s: unchanged\n", o.Pair)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d trace files could not be updated", failed, len(outcomes))
	}
	return nil
}

// ExportCmd writes the visible links of a pair as CSV.
type ExportCmd struct {
	PairArgs

	Output   string `short:"o" help:"Output file (default stdout)"`
	Query    string `short:"f" help:"Only export cards whose label, title or id contains this text"`
	Unlinked bool   `help:"Include cards without any link"`
}

var exportHeader = []string{
	"left_id", "left_key", "left_title",
	"right_id", "right_key", "right_title",
	"relation_id", "kind", "direction", "memo",
}

// Run executes the export command.
func (c *ExportCmd) Run(g *Globals) error {
	return withView(g, c.pair(), true, func(_ context.Context, _ *runtime, v *engine.View) error {
		if c.Query != "" {
			v.SetFilter(trace.Left, view.Filter{Query: c.Query})
			v.SetFilter(trace.Right, view.Filter{Query: c.Query})
		}
		var rows []view.ExportRow
		v.Read(func(st *view.State) { rows = st.ExportRows(c.Unlinked) })

		w := g.stdout()
		if c.Output != "" {
			f, err := os.Create(c.Output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", c.Output, err)
			}
			defer f.Close()
			w = f
		}
		return writeCSV(w, rows)
	})
}

func writeCSV(w io.Writer, rows []view.ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Left.ID, keyOf(row.Left), row.Left.Title,
			row.Right.ID, keyOf(row.Right), row.Right.Title,
			"", "", "", "",
		}
		if rel := row.Relation; rel != nil {
			record[6], record[7], record[8], record[9] = rel.ID, string(rel.Type), string(rel.Directed), rel.Memo
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func keyOf(c trace.Card) string {
	if c.ID == "" {
		return ""
	}
	return c.DisplayKey()
}

// StatsCmd prints the counters of a pair.
type StatsCmd struct {
	PairArgs

	JSON bool `help:"Print as JSON"`
}

// Run executes the stats command.
func (c *StatsCmd) Run(g *Globals) error {
	return withView(g, c.pair(), true, func(_ context.Context, rt *runtime, v *engine.View) error {
		stats := v.Stats()
		header := v.Header()
		w := g.stdout()

		if c.JSON {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"left":     v.Pair().Left,
				"right":    v.Pair().Right,
				"revision": header.Revision,
				"stats":    stats,
			})
		}

		fmt.Fprintf(w, "%s\n", v.Pair())
		fmt.Fprintf(w, "  Revision:        %d\n", header.Revision)
		if !header.UpdatedAt.IsZero() {
			fmt.Fprintf(w, "  Updated:         %s\n", header.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(w, "  Relations:       %d\n", stats.Relations)
		fmt.Fprintf(w, "  Untraced left:   %d\n", stats.UntracedLeft)
		fmt.Fprintf(w, "  Untraced right:  %d\n", stats.UntracedRight)
		if stats.Faults > 0 {
			color.New(color.FgRed).Fprintf(w, "  Faults:          %d\n", stats.Faults)
			for _, f := range rt.engine.Faults().Recent() {
				fmt.Fprintf(w, "    %s\n", f.Fault)
			}
		}
		kinds := make([]string, 0, len(rt.engine.Kinds()))
		for _, k := range rt.engine.Kinds() {
			kinds = append(kinds, string(k))
		}
		fmt.Fprintf(w, "  Kinds:           %s\n", strings.Join(kinds, ", "))
		return nil
	})
}

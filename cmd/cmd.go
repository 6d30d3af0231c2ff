// Package cmd provides CLI command implementations for tracematrix.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Benny93/tracematrix/internal/bus"
	"github.com/Benny93/tracematrix/internal/cache"
	"github.com/Benny93/tracematrix/internal/config"
	"github.com/Benny93/tracematrix/internal/engine"
	"github.com/Benny93/tracematrix/internal/ingestion"
	"github.com/Benny93/tracematrix/internal/logging"
	"github.com/Benny93/tracematrix/internal/metrics"
	"github.com/Benny93/tracematrix/internal/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Dir     string `short:"C" default:"." help:"Project root containing the card files"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`

	out io.Writer
}

func (g *Globals) stdout() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

func (g *Globals) root() (string, error) {
	dir := g.Dir
	if dir == "" {
		dir = "."
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}
	return root, nil
}

// loadConfig returns the project root and its settings.
func (g *Globals) loadConfig() (string, config.Config, error) {
	root, err := g.root()
	if err != nil {
		return "", config.Config{}, err
	}
	cfg, err := config.Load(filepath.Join(root, config.DataDirName))
	if err != nil {
		return "", config.Config{}, err
	}
	switch {
	case g.Verbose:
		cfg.Log.Level = "debug"
	case g.Quiet:
		cfg.Log.Level = "error"
	}
	return root, cfg, nil
}

func (g *Globals) newLogger(cfg config.Config) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:   cfg.Log.Level,
		JSON:    cfg.Log.Format == "json",
		File:    cfg.Log.File,
		Service: "tracematrix",
	})
}

// runtime is the engine with everything it runs on.
type runtime struct {
	root    string
	cfg     config.Config
	logger  *logging.Logger
	backend storage.Backend
	bus     bus.Bus
	engine  *engine.Engine
}

// openRuntime wires storage, bus and engine for the project. A read-only
// runtime requires an existing database.
func openRuntime(ctx context.Context, g *Globals, readOnly bool) (*runtime, error) {
	root, cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := g.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{root: root, cfg: cfg, logger: logger}

	rt.backend, err = openBackend(cfg, readOnly)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		rt.bus, err = bus.NewRedisBus(ctx, cfg.RedisURL, logger.Logger)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connecting bus: %w", err)
		}
	} else {
		rt.bus = bus.NewLocalBus(logger.Logger)
	}

	rt.engine = engine.New(rt.backend, cache.New(), rt.bus, engine.Options{
		Defaults:             cfg.Defaults(),
		Kinds:                cfg.TraceKinds(),
		RefreshCardsOnChange: cfg.RefreshCardsOnChange,
		Logger:               logger.Logger,
		Metrics:              metrics.New(),
	})
	return rt, nil
}

func openBackend(cfg config.Config, readOnly bool) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverBadger:
		if readOnly {
			if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
				return nil, fmt.Errorf("no database found at %s. Run 'tracematrix import' first", cfg.Storage.Path)
			}
		}
		store := storage.NewBadgerBackend()
		if err := store.Initialize(cfg.Storage.Path, readOnly); err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		store := storage.NewPostgresBackend()
		if err := store.Initialize(cfg.Storage.DatabaseURL, readOnly); err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		return store, nil
	case config.DriverMemory:
		return storage.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// Close releases everything openRuntime acquired.
func (r *runtime) Close() error {
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	if r.bus != nil {
		errs = append(errs, r.bus.Close())
	}
	if r.backend != nil {
		errs = append(errs, r.backend.Close())
	}
	if r.logger != nil {
		errs = append(errs, r.logger.Close())
	}
	return errors.Join(errs...)
}

// ImportCmd stores snapshots of every card file in the project.
type ImportCmd struct{}

// Run executes the import command.
func (c *ImportCmd) Run(g *Globals) error {
	ctx := context.Background()
	root, cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	w := g.stdout()

	if err := os.MkdirAll(filepath.Join(root, config.DataDirName), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", config.DataDirName, err)
	}
	if !g.Quiet {
		color.New(color.FgGreen).Fprintf(w, "Importing card files from %s\n", root)
	}

	rt, err := openRuntime(ctx, g, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	var progress ingestion.ProgressCallback
	if !g.Quiet {
		progress = func(phase string, pct float64) {
			fmt.Fprintf(w, "\r\033[K%s (%.0f%%)", phase, pct*100)
		}
	}
	result, err := ingestion.ImportCards(ctx, root, rt.backend, progress)
	if err != nil {
		return fmt.Errorf("importing cards: %w", err)
	}
	if !g.Quiet {
		fmt.Fprintln(w)
	}

	color.New(color.FgGreen).Fprintln(w, "\n✓ Import complete")
	fmt.Fprintf(w, "  Files:     %d\n", len(result.Imported))
	fmt.Fprintf(w, "  Cards:     %d\n", result.Cards)
	fmt.Fprintf(w, "  Storage:   %s\n", cfg.Storage.Driver)
	fmt.Fprintf(w, "  Duration:  %.2fs\n", result.DurationSecs)
	printFailed(w, result.Failed)
	return nil
}

func printFailed(w io.Writer, failed map[string]error) {
	if len(failed) == 0 {
		return
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)

	warn := color.New(color.FgYellow)
	warn.Fprintf(w, "\n%d files not imported:\n", len(failed))
	for _, name := range names {
		warn.Fprintf(w, "  %s: %v\n", name, failed[name])
	}
}

// StatusCmd shows the stored card files and their relation collections.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, g, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	w := g.stdout()

	fmt.Fprintf(w, "Status for %s\n", rt.root)
	fmt.Fprintf(w, "  Storage:  %s\n", rt.cfg.Storage.Driver)
	if rt.cfg.RedisURL != "" {
		fmt.Fprintln(w, "  Bus:      redis")
	} else {
		fmt.Fprintln(w, "  Bus:      local")
	}
	fmt.Fprintf(w, "  Kinds:    %v\n", rt.cfg.Kinds)

	files, err := rt.backend.ListCardFiles(ctx)
	if err != nil {
		return fmt.Errorf("listing card files: %w", err)
	}
	if len(files) == 0 {
		fmt.Fprintln(w, "\nNo card files imported")
		return nil
	}

	fmt.Fprintf(w, "\nCard files (%d):\n", len(files))
	for _, file := range files {
		cards, err := rt.backend.LoadCards(ctx, file)
		if err != nil {
			return err
		}
		pairs, err := rt.backend.ListPairs(ctx, file)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s  %d cards, %d trace files\n", file, len(cards), len(pairs))
	}
	return nil
}

// WatchCmd re-imports card files as they change.
type WatchCmd struct{}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	rt, err := openRuntime(context.Background(), g, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()
	w := g.stdout()

	fmt.Fprintln(w, "## Watch Mode")
	fmt.Fprintf(w, "Watching %s for card file changes (Ctrl+C to stop)\n\n", rt.root)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	err = ingestion.WatchCards(ctx, rt.root, rt.backend, ingestion.WatchOptions{
		Logger:   rt.logger.Logger,
		OnImport: refreshViews(rt, w),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Fprintln(w, "Watch mode stopped.")
	return nil
}

// refreshViews reloads the cards of open views after an import.
func refreshViews(rt *runtime, w io.Writer) func(ctx context.Context, result *ingestion.ImportResult) {
	return func(ctx context.Context, result *ingestion.ImportResult) {
		refreshed := 0
		for _, file := range result.Imported {
			n, err := rt.engine.RefreshFile(ctx, file)
			if err != nil {
				rt.logger.Warn("refreshing views failed", "file", file, "error", err)
			}
			refreshed += n
		}
		if w != nil {
			fmt.Fprintf(w, "Re-imported %d files (%d cards), refreshed %d views\n",
				len(result.Imported), result.Cards, refreshed)
		}
	}
}

// CleanCmd deletes the local relation database.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`

	in io.Reader
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	root, cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != config.DriverBadger {
		return fmt.Errorf("clean only removes local databases; storage driver is %s", cfg.Storage.Driver)
	}
	dbPath := cfg.Storage.Path
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no database found at %s. Nothing to clean", root)
	}
	w := g.stdout()

	if !c.Force {
		fmt.Fprintf(w, "Delete database at %s? [y/N] ", dbPath)
		in := c.in
		if in == nil {
			in = os.Stdin
		}
		var response string
		_, _ = fmt.Fscanln(in, &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(w, "Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(dbPath); err != nil {
		return fmt.Errorf("deleting database: %w", err)
	}
	color.New(color.FgGreen).Fprintf(w, "Deleted %s\n", dbPath)
	return nil
}

// Helper functions

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() (<-chan os.Signal, func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan, func() { signal.Stop(sigChan) }
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan, stop := osSignalChannel()
	go func() {
		defer stop()
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Import    ImportCmd    `cmd:"" help:"Import card files into snapshots"`
	Matrix    MatrixCmd    `cmd:"" help:"Show the relation matrix of a file pair"`
	Toggle    ToggleCmd    `cmd:"" help:"Link or unlink two cards"`
	Kind      KindCmd      `cmd:"" help:"Change the kind of a linked cell"`
	Direction DirectionCmd `cmd:"" help:"Change the direction of a relation"`
	Memo      MemoCmd      `cmd:"" help:"Set or clear the memo of a relation"`
	Merge     MergeCmd     `cmd:"" help:"Merge cards and rewrite every relation referencing them"`
	Delete    DeleteCmd    `cmd:"" help:"Remove cards from every relation referencing them"`
	Export    ExportCmd    `cmd:"" help:"Export a file pair as CSV"`
	Stats     StatsCmd     `cmd:"" help:"Show relation statistics of a file pair"`
	Status    StatusCmd    `cmd:"" help:"Show imported card files"`
	Watch     WatchCmd     `cmd:"" help:"Watch mode with live re-import"`
	Listen    ListenCmd    `cmd:"" help:"Print relation changes and selections broadcast over Redis"`
	MCP       MCPCmd       `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve     ServeCmd     `cmd:"" help:"Start MCP and metrics over HTTP with optional watch mode"`
	Setup     SetupCmd     `cmd:"" help:"Configure MCP for Claude Code / Cursor"`
	Clean     CleanCmd     `cmd:"" help:"Delete the local relation database"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("tracematrix"),
		kong.Description("Traceability relations between independently edited card files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run(&c.Globals)
}

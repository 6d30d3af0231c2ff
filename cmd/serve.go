package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/tracematrix/internal/bus"
	"github.com/Benny93/tracematrix/internal/ingestion"
	"github.com/Benny93/tracematrix/mcp"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx, g, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	server := mcp.NewServer(rt.engine, Version)
	defer server.Close()

	// stdout carries JSON-RPC only; metrics go to their own listener.
	if rt.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              rt.cfg.MetricsAddr,
			Handler:           rt.engine.Metrics().Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	return server.RunStdio(ctx)
}

// ServeCmd serves MCP and metrics over HTTP with optional watch mode.
type ServeCmd struct {
	Addr  string `default:"127.0.0.1:8765" help:"Listen address"`
	Watch bool   `short:"w" help:"Re-import card files as they change"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx, g, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	server := mcp.NewServer(rt.engine, Version)
	defer server.Close()

	listener, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", c.Addr, err)
	}
	var errOut io.Writer = os.Stderr
	if g.out != nil {
		errOut = g.out
	}
	fmt.Fprintf(errOut, "Serving MCP on http://%s/mcp and metrics on http://%s/metrics\n", listener.Addr(), listener.Addr())
	return c.serve(ctx, rt, server, listener)
}

func (c *ServeCmd) serve(ctx context.Context, rt *runtime, server *mcp.Server, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", server.HTTPHandler())
	mux.Handle("/metrics", rt.engine.Metrics().Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if c.Watch {
		g.Go(func() error {
			err := ingestion.WatchCards(gctx, rt.root, rt.backend, ingestion.WatchOptions{
				Logger:   rt.logger.Logger,
				OnImport: refreshViews(rt, nil),
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ListenCmd prints the events other processes broadcast over Redis.
type ListenCmd struct {
	JSON bool `help:"Print raw events as JSON lines"`
}

// Run executes the listen command.
func (c *ListenCmd) Run(g *Globals) error {
	_, cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return errors.New("listen requires redis_url (or TRACEMATRIX_REDIS_URL) to be set")
	}
	logger, err := g.newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	b, err := bus.NewRedisBus(ctx, cfg.RedisURL, logger.Logger)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer func() { _ = b.Close() }()

	return c.listen(ctx, b, g.stdout())
}

func (c *ListenCmd) listen(ctx context.Context, b bus.Bus, w io.Writer) error {
	events := make(chan bus.Event, 64)
	forward := func(ev bus.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	defer b.Subscribe(bus.TopicRelationChange, forward)()
	defer b.Subscribe(bus.TopicCardSelection, forward)()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := c.print(w, ev); err != nil {
				return err
			}
		}
	}
}

func (c *ListenCmd) print(w io.Writer, ev bus.Event) error {
	if c.JSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	stamp := time.Now().Format("15:04:05")
	switch {
	case ev.Change != nil:
		ch := ev.Change
		color.New(color.FgCyan).Fprintf(w, "%s change    ", stamp)
		fmt.Fprintf(w, "%s <-> %s: %d relations (revision %d) from %s\n",
			ch.Left, ch.Right, len(ch.Relations), ch.Revision, ch.Origin)
	case ev.Selection != nil:
		sel := ev.Selection
		color.New(color.FgMagenta).Fprintf(w, "%s selection ", stamp)
		fmt.Fprintf(w, "%s: %v from %s\n", sel.File, sel.CardIDs, sel.Origin)
	}
	return nil
}

// SetupCmd configures MCP for various AI clients.
type SetupCmd struct {
	Claude bool `help:"Configure for Claude Code"`
	Cursor bool `help:"Configure for Cursor"`
	Global bool `help:"Write the client's global configuration instead of the project one"`
}

// mcpClients maps a client to its project and home config file.
var mcpClients = map[string]struct{ local, global string }{
	"claude": {local: ".mcp.json", global: filepath.Join(".claude", "mcp.json")},
	"cursor": {local: filepath.Join(".cursor", "mcp.json"), global: filepath.Join(".cursor", "mcp.json")},
}

// Run executes the setup command.
func (c *SetupCmd) Run(g *Globals) error {
	root, err := g.root()
	if err != nil {
		return err
	}
	entry := serverEntry(root)
	w := g.stdout()

	if !c.Claude && !c.Cursor {
		data, err := json.MarshalIndent(map[string]any{"mcpServers": map[string]any{"tracematrix": entry}}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	for _, client := range []string{"claude", "cursor"} {
		if (client == "claude" && !c.Claude) || (client == "cursor" && !c.Cursor) {
			continue
		}
		path, err := c.configPath(root, client)
		if err != nil {
			return err
		}
		if err := writeServerEntry(path, entry); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(w, "✓ Configured %s MCP at %s\n", client, path)
	}
	return nil
}

func (c *SetupCmd) configPath(root, client string) (string, error) {
	paths := mcpClients[client]
	if !c.Global {
		return filepath.Join(root, paths.local), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, paths.global), nil
}

func serverEntry(root string) map[string]any {
	return map[string]any{
		"command": "tracematrix",
		"args":    []string{"mcp", "-C", root},
	}
}

// writeServerEntry adds the tracematrix server to an MCP config file,
// keeping every other entry.
func writeServerEntry(path string, entry map[string]any) error {
	doc := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading %s: %w", path, err)
	}

	servers, _ := doc["mcpServers"].(map[string]any)
	if servers == nil {
		servers = map[string]any{}
	}
	servers["tracematrix"] = entry
	doc["mcpServers"] = servers

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

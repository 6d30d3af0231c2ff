// Package mcp provides the MCP (Model Context Protocol) server for tracematrix.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/tracematrix/internal/engine"
	"github.com/Benny93/tracematrix/internal/trace"
	"github.com/Benny93/tracematrix/internal/view"
)

// ServerName is reported to clients during initialization.
const ServerName = "tracematrix"

// Server exposes the relation engine as MCP tools and resources.
type Server struct {
	engine *engine.Engine
	server *mcp.Server

	mu    sync.Mutex
	views map[trace.PairKey]*engine.View
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server for the engine.
func NewServer(e *engine.Engine, version string) *Server {
	s := &Server{
		engine: e,
		views:  make(map[trace.PairKey]*engine.View),
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: version,
	}, nil)

	s.registerTools()
	s.registerResources()

	return s
}

func pairSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	all := map[string]*jsonschema.Schema{
		"left":  {Type: "string", Description: "Left card file name"},
		"right": {Type: "string", Description: "Right card file name"},
	}
	for k, v := range props {
		all[k] = v
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: all,
		Required:   append([]string{"left", "right"}, required...),
	}
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "trace_matrix",
			Description: "Show the traceability matrix between two card files: every linked cell with its kind and direction.",
			InputSchema: pairSchema(map[string]*jsonschema.Schema{
				"query":            {Type: "string", Description: "Only show cards whose label, title or id contains this text"},
				"include_unlinked": {Type: "boolean", Description: "Also list cards without any link"},
			}),
		},
		{
			Name:        "trace_toggle",
			Description: "Link or unlink a left card and a right card. Returns whether the cell is linked afterwards.",
			InputSchema: pairSchema(map[string]*jsonschema.Schema{
				"left_id":  {Type: "string", Description: "Card id on the left side"},
				"right_id": {Type: "string", Description: "Card id on the right side"},
			}, "left_id", "right_id"),
		},
		{
			Name:        "trace_kind",
			Description: "Change the kind of the relation covering a linked cell.",
			InputSchema: pairSchema(map[string]*jsonschema.Schema{
				"left_id":  {Type: "string", Description: "Card id on the left side"},
				"right_id": {Type: "string", Description: "Card id on the right side"},
				"kind":     {Type: "string", Description: "Relation kind"},
			}, "left_id", "right_id", "kind"),
		},
		{
			Name:        "trace_direction",
			Description: "Change the direction of a relation.",
			InputSchema: pairSchema(map[string]*jsonschema.Schema{
				"relation_id": {Type: "string", Description: "Relation id"},
				"direction": {
					Type:        "string",
					Description: "New direction",
					Enum:        []any{string(trace.LeftToRight), string(trace.RightToLeft), string(trace.Bidirectional)},
				},
			}, "relation_id", "direction"),
		},
		{
			Name:        "trace_memo",
			Description: "Set or clear the memo of a relation.",
			InputSchema: pairSchema(map[string]*jsonschema.Schema{
				"relation_id": {Type: "string", Description: "Relation id"},
				"memo":        {Type: "string", Description: "Memo text; empty clears it"},
			}, "relation_id"),
		},
		{
			Name:        "trace_merge",
			Description: "Merge cards of a file into a target card and rewrite every relation collection that references them.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"file": {Type: "string", Description: "Card file containing the cards"},
					"sources": {
						Type:        "array",
						Items:       &jsonschema.Schema{Type: "string"},
						Description: "Card ids merged away",
					},
					"target": {Type: "string", Description: "Card id that survives the merge"},
				},
				Required: []string{"file", "sources", "target"},
			},
		},
		{
			Name:        "trace_stats",
			Description: "Relation count, untraced cards per side and integrity faults for a file pair.",
			InputSchema: pairSchema(nil),
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "tracematrix://overview",
			Name:        "Overview",
			Description: "Imported card files and open views",
			MimeType:    "text/plain",
		},
		{
			URI:         "tracematrix://faults",
			Name:        "Integrity Faults",
			Description: "Recently reported relation integrity faults",
			MimeType:    "text/plain",
		},
		{
			URI:         "tracematrix://kinds",
			Name:        "Relation Kinds",
			Description: "Configured relation kinds and directions",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "trace_matrix":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		query, _ := args["query"].(string)
		unlinked, _ := args["include_unlinked"].(bool)
		return handleMatrix(v, query, unlinked), nil
	case "trace_toggle":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		return handleToggle(ctx, v, stringArg(args, "left_id"), stringArg(args, "right_id"))
	case "trace_kind":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		return handleKind(ctx, v, stringArg(args, "left_id"), stringArg(args, "right_id"), stringArg(args, "kind"))
	case "trace_direction":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		return handleDirection(ctx, v, stringArg(args, "relation_id"), stringArg(args, "direction"))
	case "trace_memo":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		return handleMemo(ctx, v, stringArg(args, "relation_id"), stringArg(args, "memo"))
	case "trace_merge":
		return handleMerge(ctx, s.engine, stringArg(args, "file"), stringsArg(args, "sources"), stringArg(args, "target"))
	case "trace_stats":
		v, err := s.view(ctx, args)
		if err != nil {
			return "", err
		}
		return handleStats(v)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "tracematrix://overview":
		return getOverview(ctx, s.engine)
	case "tracematrix://faults":
		return getFaults(s.engine), nil
	case "tracematrix://kinds":
		return getKinds(s.engine), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves MCP over the given transport until the client disconnects or
// ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// RunStdio serves MCP over stdin and stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect starts a session on transport without blocking.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

// HTTPHandler serves MCP over streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

// Close closes the views opened by tool calls.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, v := range s.views {
		v.Close()
		delete(s.views, key)
	}
}

// view returns the open view for the pair named in args, opening it on
// first use. Views stay open so later calls see broadcasts from other
// processes.
func (s *Server) view(ctx context.Context, args map[string]any) (*engine.View, error) {
	pair := trace.Pair{Left: stringArg(args, "left"), Right: stringArg(args, "right")}
	if pair.Left == "" || pair.Right == "" {
		return nil, errors.New("left and right file are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair.Key()
	if v, ok := s.views[key]; ok && !v.Closed() && v.Pair() == pair {
		return v, nil
	}
	if v, ok := s.views[key]; ok {
		v.Close()
	}
	v, err := s.engine.Open(ctx, pair)
	if err != nil {
		return nil, err
	}
	s.views[key] = v
	return v, nil
}

// Tool Handlers

func handleMatrix(v *engine.View, query string, includeUnlinked bool) string {
	if query != "" {
		v.SetFilter(trace.Left, view.Filter{Query: query})
		v.SetFilter(trace.Right, view.Filter{Query: query})
	} else {
		v.SetFilter(trace.Left, view.Filter{})
		v.SetFilter(trace.Right, view.Filter{})
	}

	var sb strings.Builder
	pair := v.Pair()
	fmt.Fprintf(&sb, "## Matrix: %s x %s\n\n", pair.Left, pair.Right)

	var rows []view.ExportRow
	var stats view.Stats
	v.Read(func(st *view.State) {
		rows = st.ExportRows(includeUnlinked)
		stats = st.Stats()
	})

	if len(rows) == 0 {
		sb.WriteString("No linked cards.\n")
	}
	for _, row := range rows {
		switch {
		case row.Relation == nil && row.Left.ID != "":
			fmt.Fprintf(&sb, "- %s (%s): untraced\n", row.Left.DisplayKey(), row.Left.Title)
		case row.Relation == nil:
			fmt.Fprintf(&sb, "- untraced: %s (%s)\n", row.Right.DisplayKey(), row.Right.Title)
		default:
			fmt.Fprintf(&sb, "- %s %s %s [%s, %s]", row.Left.DisplayKey(), arrow(row.Relation.Directed),
				row.Right.DisplayKey(), row.Relation.Type, row.Relation.ID)
			if row.Relation.Memo != "" {
				fmt.Fprintf(&sb, " %q", row.Relation.Memo)
			}
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "\n%d relations, %d untraced left, %d untraced right\n",
		stats.Relations, stats.UntracedLeft, stats.UntracedRight)
	if stats.Faults > 0 {
		fmt.Fprintf(&sb, "Warning: %d integrity faults\n", stats.Faults)
	}
	return sb.String()
}

func handleToggle(ctx context.Context, v *engine.View, leftID, rightID string) (string, error) {
	if leftID == "" || rightID == "" {
		return "", errors.New("left_id and right_id are required")
	}
	linked, err := v.Toggle(ctx, leftID, rightID)
	if err != nil {
		return "", err
	}
	if linked {
		return fmt.Sprintf("Linked %s and %s.", leftID, rightID), nil
	}
	return fmt.Sprintf("Unlinked %s and %s.", leftID, rightID), nil
}

func handleKind(ctx context.Context, v *engine.View, leftID, rightID, kind string) (string, error) {
	if leftID == "" || rightID == "" {
		return "", errors.New("left_id and right_id are required")
	}
	var linked bool
	v.Read(func(st *view.State) { linked = st.Index().Linked(leftID, rightID) })
	if !linked {
		return "", fmt.Errorf("%s and %s are not linked", leftID, rightID)
	}
	if err := v.ChangeKind(ctx, leftID, rightID, trace.Kind(kind)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Relation between %s and %s is now %s.", leftID, rightID, kind), nil
}

func handleDirection(ctx context.Context, v *engine.View, relationID, direction string) (string, error) {
	if err := requireRelation(v, relationID); err != nil {
		return "", err
	}
	if err := v.ChangeDirection(ctx, relationID, trace.Direction(direction)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Relation %s is now %s.", relationID, direction), nil
}

func handleMemo(ctx context.Context, v *engine.View, relationID, memo string) (string, error) {
	if err := requireRelation(v, relationID); err != nil {
		return "", err
	}
	if err := v.ChangeMemo(ctx, relationID, memo); err != nil {
		return "", err
	}
	if memo == "" {
		return fmt.Sprintf("Cleared memo of %s.", relationID), nil
	}
	return fmt.Sprintf("Updated memo of %s.", relationID), nil
}

func handleMerge(ctx context.Context, e *engine.Engine, file string, sources []string, target string) (string, error) {
	if file == "" {
		return "", errors.New("file is required")
	}
	outcomes, err := e.MergeCards(ctx, file, sources, target)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Merge into %s (%s)\n\n", target, file)
	if len(outcomes) == 0 {
		sb.WriteString("No relation collections reference this file.\n")
		return sb.String(), nil
	}
	failed := 0
	for _, o := range outcomes {
		switch {
		case o.Failed():
			failed++
			fmt.Fprintf(&sb, "- %s: failed: %v\n", o.Pair, o.Err)
		case o.Changed:
			fmt.Fprintf(&sb, "- %s: %d rewritten, %d dropped (revision %d)\n", o.Pair, len(o.Rewritten), len(o.Dropped), o.Revision)
		default:
			fmt.Fprintf(&sb, "- %s: unchanged\n", o.Pair)
		}
	}
	if failed > 0 {
		fmt.Fprintf(&sb, "\n%d of %d pairs failed and were left untouched.\n", failed, len(outcomes))
	}
	return sb.String(), nil
}

func handleStats(v *engine.View) (string, error) {
	pair := v.Pair()
	result := map[string]any{
		"left":     pair.Left,
		"right":    pair.Right,
		"revision": v.Header().Revision,
		"stats":    v.Stats(),
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resources

func getOverview(ctx context.Context, e *engine.Engine) (string, error) {
	files, err := e.Backend().ListCardFiles(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# tracematrix\n\n")
	fmt.Fprintf(&sb, "Card files: %d\n", len(files))
	for _, f := range files {
		fmt.Fprintf(&sb, "  - %s\n", f)
	}

	views := e.Views()
	fmt.Fprintf(&sb, "\nOpen views: %d\n", len(views))
	for _, v := range views {
		stats := v.Stats()
		fmt.Fprintf(&sb, "  - %s: %d relations\n", v.Pair(), stats.Relations)
	}
	fmt.Fprintf(&sb, "\nIntegrity faults reported: %d\n", e.Faults().Total())
	return sb.String(), nil
}

func getFaults(e *engine.Engine) string {
	recent := e.Faults().Recent()
	if len(recent) == 0 {
		return "No integrity faults reported.\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Integrity faults (%d total)\n\n", e.Faults().Total())
	for _, f := range recent {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Pair.Key(), f.Fault)
	}
	return sb.String()
}

func getKinds(e *engine.Engine) string {
	var sb strings.Builder
	sb.WriteString("Kinds:\n")
	for _, k := range e.Kinds() {
		fmt.Fprintf(&sb, "  - %s\n", k)
	}
	sb.WriteString("\nDirections:\n")
	for _, d := range []trace.Direction{trace.LeftToRight, trace.RightToLeft, trace.Bidirectional} {
		fmt.Fprintf(&sb, "  - %s (%s)\n", d, arrow(d))
	}
	return sb.String()
}

// Helper functions

func arrow(d trace.Direction) string {
	switch d {
	case trace.RightToLeft:
		return "<-"
	case trace.Bidirectional:
		return "<->"
	}
	return "->"
}

func requireRelation(v *engine.View, relationID string) error {
	if relationID == "" {
		return errors.New("relation_id is required")
	}
	if _, ok := trace.Find(v.Relations(), relationID); !ok {
		return fmt.Errorf("relation %s not found in %s", relationID, v.Pair())
	}
	return nil
}

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func stringsArg(args map[string]any, name string) []string {
	switch raw := args[name].(type) {
	case []string:
		return slices.Clone(raw)
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// registerTools registers every tool from ListTools with the MCP server.
func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args map[string]any
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return textResult("invalid arguments: "+err.Error(), true), nil
				}
			}
			result, err := s.CallTool(ctx, name, args)
			if err != nil {
				return textResult(err.Error(), true), nil
			}
			return textResult(result, false), nil
		})
	}
}

// registerResources registers every resource from ListResources with the
// MCP server.
func (s *Server) registerResources() {
	for _, res := range s.ListResources() {
		uri := res.URI
		mimeType := res.MimeType
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, uri)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{
					{URI: uri, MIMEType: mimeType, Text: text},
				},
			}, nil
		})
	}
}

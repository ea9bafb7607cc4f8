// Package mcp implements the Model Context Protocol server for ehri.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dumbbond/ehri-rest/internal/acl"
	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/graph"
	"github.com/dumbbond/ehri-rest/internal/registry"
	"github.com/dumbbond/ehri-rest/internal/views"
)

const (
	// defaultLimit is the default number of events returned by listing tools.
	defaultLimit = 20

	// maxLimit caps the limit argument.
	maxLimit = 500
)

// Options tunes the server's defaults.
type Options struct {
	AdminGroup     string
	Aggregation    views.Aggregation
	MaxAggregation int
}

// Server wraps an MCPServer with ehri dependencies.
type Server struct {
	mcp    *mcpserver.MCPServer
	st     graph.Store
	opts   Options
	logger *slog.Logger
}

// NewServer creates a new MCP server. If st is nil, every tool call returns
// an error response instead of panicking.
func NewServer(st graph.Store, logger *slog.Logger, opts Options) *Server {
	if opts.AdminGroup == "" {
		opts.AdminGroup = acl.DefaultAdminGroup
	}
	if opts.MaxAggregation <= 0 {
		opts.MaxAggregation = views.DefaultMaxAggregation
	}
	s := &Server{
		st:     st,
		opts:   opts,
		logger: logger,
	}

	mcpSrv := mcpserver.NewMCPServer(
		"ehri",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)

	mcpSrv.AddTool(buildListEventsTool(), s.handleListEvents)
	mcpSrv.AddTool(buildItemHistoryTool(), s.handleItemHistory)
	mcpSrv.AddTool(buildUserActionsTool(), s.handleUserActions)
	mcpSrv.AddTool(buildCheckPermissionTool(), s.handleCheckPermission)
	mcpSrv.AddTool(buildVersionsTool(), s.handleVersions)

	s.mcp = mcpSrv
	return s
}

// MCPServer returns the underlying mcp-go MCPServer for use with ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// HandleListEvents is the exported handler for the "list_events" tool.
// It is exposed for direct testing without the mcp-go transport layer.
func (s *Server) HandleListEvents(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleListEvents(ctx, req)
}

// HandleItemHistory is the exported handler for the "item_history" tool.
func (s *Server) HandleItemHistory(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleItemHistory(ctx, req)
}

// HandleUserActions is the exported handler for the "user_actions" tool.
func (s *Server) HandleUserActions(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleUserActions(ctx, req)
}

// HandleCheckPermission is the exported handler for the "check_permission" tool.
func (s *Server) HandleCheckPermission(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleCheckPermission(ctx, req)
}

// HandleVersions is the exported handler for the "versions" tool.
func (s *Server) HandleVersions(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.handleVersions(ctx, req)
}

// --- helpers ---

// toolResultJSON marshals v to JSON and returns it as a tool text result.
func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

// query builds a views.Query from the common listing arguments.
func (s *Server) query(req mcpgo.CallToolRequest) (views.Query, bool, error) {
	limit := req.GetInt("limit", defaultLimit)
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	q := views.NewQuery(s.logger).
		WithRange(req.GetInt("offset", 0), limit).
		WithAggregation(s.opts.Aggregation).
		WithMaxAggregation(s.opts.MaxAggregation).
		WithEventTypeNames(splitList(req.GetString("types", ""))...).
		WithEntityClassNames(splitList(req.GetString("classes", ""))...).
		WithFrom(req.GetString("from", "")).
		WithTo(req.GetString("to", ""))

	a := req.GetString("aggregation", "")
	if a == "" {
		return q, false, nil
	}
	mode, err := views.ParseAggregation(a)
	if err != nil {
		return q, false, err
	}
	return q.WithAggregation(mode), true, nil
}

// splitList parses a comma separated argument.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// visible resolves id, reporting items the accessor may not read as missing.
func (s *Server) visible(ctx context.Context, tx graph.Tx, id string, a acl.Accessor) (*graph.Vertex, error) {
	v, err := registry.Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	ok, err := acl.NewManager(tx, s.opts.AdminGroup).CanRead(ctx, v, a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &registry.ItemNotFoundError{ID: id}
	}
	return v, nil
}

// eventsResult holds the output of the listing tools.
type eventsResult struct {
	Events []*actions.SystemEvent   `json:"events,omitempty"`
	Groups [][]*actions.SystemEvent `json:"groups,omitempty"`
	Count  int                      `json:"count"`
}

type lister func(ctx context.Context, tx graph.Tx, e *views.Engine, q views.Query, a acl.Accessor, aggregate bool) (eventsResult, error)

// listing runs fn in a read transaction as the accessor named by the "as"
// argument.
func (s *Server) listing(ctx context.Context, req mcpgo.CallToolRequest, fn lister) (*mcpgo.CallToolResult, error) {
	if s.st == nil {
		return mcpgo.NewToolResultError("graph store is unavailable"), nil
	}
	q, aggregate, err := s.query(req)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	var res eventsResult
	err = s.st.View(ctx, func(tx graph.Tx) error {
		a, err := acl.ResolveAccessor(ctx, tx, req.GetString("as", ""))
		if err != nil {
			return err
		}
		res, err = fn(ctx, tx, views.NewEngine(tx, s.opts.AdminGroup, s.logger), q, a, aggregate)
		return err
	})
	if err != nil {
		return mcpgo.NewToolResultErrorf("listing events failed: %s", err.Error()), nil
	}
	res.Count = len(res.Events) + len(res.Groups)
	return toolResultJSON(res)
}

// --- tool definitions ---

func withListingArgs(opts ...mcpgo.ToolOption) []mcpgo.ToolOption {
	return append(opts,
		mcpgo.WithString("as",
			mcpgo.Description("Id of the user or group to view events as (default: anonymous)"),
		),
		mcpgo.WithString("types",
			mcpgo.Description("Comma separated event types to include, e.g. creation,modification"),
		),
		mcpgo.WithString("classes",
			mcpgo.Description("Comma separated entity classes of the first subject, e.g. DocumentaryUnit"),
		),
		mcpgo.WithString("from",
			mcpgo.Description("Earliest timestamp, inclusive (ISO-8601, UTC)"),
		),
		mcpgo.WithString("to",
			mcpgo.Description("Latest timestamp, inclusive (ISO-8601, UTC)"),
		),
		mcpgo.WithNumber("offset",
			mcpgo.Description("Number of events or groups to skip (default: 0)"),
		),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum number of events or groups (default: 20)"),
		),
		mcpgo.WithString("aggregation",
			mcpgo.Description("Group repeated events: off, strict, or user. Omit for a flat list."),
		),
	)
}

func buildListEventsTool() mcpgo.Tool {
	return mcpgo.NewTool("list_events", withListingArgs(
		mcpgo.WithDescription("List recent events from the global event log, newest first."),
	)...)
}

func buildItemHistoryTool() mcpgo.Tool {
	return mcpgo.NewTool("item_history", withListingArgs(
		mcpgo.WithDescription("List the events recorded against one item, newest first."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("Id of the item"),
		),
	)...)
}

func buildUserActionsTool() mcpgo.Tool {
	return mcpgo.NewTool("user_actions", withListingArgs(
		mcpgo.WithDescription("List the actions performed by one user, newest first."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("Id of the user"),
		),
	)...)
}

func buildCheckPermissionTool() mcpgo.Tool {
	return mcpgo.NewTool("check_permission",
		mcpgo.WithDescription("Check whether an accessor holds a permission on an item or on a content type."),
		mcpgo.WithString("accessor",
			mcpgo.Required(),
			mcpgo.Description("Id of the user or group"),
		),
		mcpgo.WithString("permission",
			mcpgo.Required(),
			mcpgo.Description("Permission: create, update, delete, annotate, owner, grant, or promote"),
		),
		mcpgo.WithString("entity",
			mcpgo.Description("Id of the item to check (exclusive with class)"),
		),
		mcpgo.WithString("class",
			mcpgo.Description("Content type to check, e.g. DocumentaryUnit (exclusive with entity)"),
		),
		mcpgo.WithString("scope",
			mcpgo.Description("Id of the scope item to check in"),
		),
	)
}

func buildVersionsTool() mcpgo.Tool {
	return mcpgo.NewTool("versions",
		mcpgo.WithDescription("List the prior versions of an item, newest first."),
		mcpgo.WithString("id",
			mcpgo.Required(),
			mcpgo.Description("Id of the item"),
		),
		mcpgo.WithString("as",
			mcpgo.Description("Id of the user or group to view versions as (default: anonymous)"),
		),
	)
}

// --- tool handlers ---

// handleListEvents lists the global stream.
func (s *Server) handleListEvents(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	return s.listing(ctx, req, func(ctx context.Context, _ graph.Tx, e *views.Engine, q views.Query, a acl.Accessor, aggregate bool) (eventsResult, error) {
		var res eventsResult
		var err error
		if aggregate {
			res.Groups, err = e.Aggregate(ctx, q, a)
		} else {
			res.Events, err = e.List(ctx, q, a)
		}
		return res, err
	})
}

// handleItemHistory lists one item's events.
func (s *Server) handleItemHistory(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}
	return s.listing(ctx, req, func(ctx context.Context, tx graph.Tx, e *views.Engine, q views.Query, a acl.Accessor, aggregate bool) (eventsResult, error) {
		var res eventsResult
		item, err := s.visible(ctx, tx, id, a)
		if err != nil {
			return res, err
		}
		if aggregate {
			res.Groups, err = e.AggregateForItem(ctx, q, item, a)
		} else {
			res.Events, err = e.ListForItem(ctx, q, item, a)
		}
		return res, err
	})
}

// handleUserActions lists one user's actions.
func (s *Server) handleUserActions(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}
	return s.listing(ctx, req, func(ctx context.Context, tx graph.Tx, e *views.Engine, q views.Query, a acl.Accessor, aggregate bool) (eventsResult, error) {
		var res eventsResult
		user, err := s.visible(ctx, tx, id, a)
		if err != nil {
			return res, err
		}
		if !registry.ClassOf(user).IsAccessor() {
			return res, fmt.Errorf("%s is not a user or group", id)
		}
		if aggregate {
			res.Groups, err = e.AggregateByUser(ctx, q, user, a)
		} else {
			res.Events, err = e.ListByUser(ctx, q, user, a)
		}
		return res, err
	})
}

// handleCheckPermission runs a permission check.
func (s *Server) handleCheckPermission(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.st == nil {
		return mcpgo.NewToolResultError("graph store is unavailable"), nil
	}
	check := acl.CheckRequest{
		Accessor:   req.GetString("accessor", ""),
		Permission: req.GetString("permission", ""),
		Entity:     req.GetString("entity", ""),
		Class:      req.GetString("class", ""),
		Scope:      req.GetString("scope", ""),
	}
	if strings.TrimSpace(check.Accessor) == "" {
		return mcpgo.NewToolResultError("accessor is required and must not be empty"), nil
	}

	var decision acl.Decision
	err := s.st.View(ctx, func(tx graph.Tx) error {
		var err error
		decision, err = acl.Check(ctx, tx, s.opts.AdminGroup, check)
		return err
	})
	if err != nil {
		return mcpgo.NewToolResultErrorf("permission check failed: %s", err.Error()), nil
	}
	s.logger.Debug("mcp: permission checked", "accessor", check.Accessor, "permission", check.Permission, "allowed", decision.Allowed)
	return toolResultJSON(decision)
}

// handleVersions lists an item's prior versions.
func (s *Server) handleVersions(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.st == nil {
		return mcpgo.NewToolResultError("graph store is unavailable"), nil
	}
	id := req.GetString("id", "")
	if strings.TrimSpace(id) == "" {
		return mcpgo.NewToolResultError("id is required and must not be empty"), nil
	}

	versions := []*actions.Version{}
	err := s.st.View(ctx, func(tx graph.Tx) error {
		a, err := acl.ResolveAccessor(ctx, tx, req.GetString("as", ""))
		if err != nil {
			return err
		}
		item, err := s.visible(ctx, tx, id, a)
		if err != nil {
			return err
		}
		for v, err := range actions.NewManager(tx).Versions(ctx, item) {
			if err != nil {
				return err
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return mcpgo.NewToolResultErrorf("listing versions failed: %s", err.Error()), nil
	}
	return toolResultJSON(map[string]any{"versions": versions, "count": len(versions)})
}

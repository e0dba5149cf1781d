// CLAUDE:SUMMARY Registers the domspy MCP tools: pages, active element and its content, watch/unwatch, option updates and offline replay.
package domspy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/scrollspy/htmldoc"
	"github.com/hazyhaar/scrollspy/spy"
)

// RegisterMCP registers domspy tools on an MCP server.
func (s *Spier) RegisterMCP(srv *mcp.Server) {
	s.registerPagesTool(srv)
	s.registerActiveTool(srv)
	s.registerSectionTool(srv)
	s.registerWatchTool(srv)
	s.registerUnwatchTool(srv)
	s.registerUpdateTool(srv)
	registerReplayTool(srv, s.logger)
}

// endpoint handles a decoded tool request.
type endpoint func(ctx context.Context, req any) (any, error)

// registerTool wires a typed endpoint as an MCP tool. Decoding and
// endpoint errors become tool errors; results are returned as JSON text.
func registerTool(srv *mcp.Server, tool *mcp.Tool, ep endpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		out, err := ep(ctx, in)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(out)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// decodeInto returns a decode function for request type T.
func decodeInto[T any]() func(*mcp.CallToolRequest) (any, error) {
	return func(req *mcp.CallToolRequest) (any, error) {
		var r T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &r, nil
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	pageIDProp     = map[string]any{"type": "string", "description": "Page id"}
	selectorProp   = map[string]any{"type": "string", "description": "CSS selector of the candidate elements (default section[id])"}
	rootMarginProp = map[string]any{"type": "string", "description": "CSS margin applied to the viewport, px or % (default 0px 0px 0px 0px)"}
	thresholdsProp = map[string]any{"type": "array", "items": map[string]any{"type": "number"}, "description": "Visibility ratios that trigger a report (default 0.00 to 1.00 by 0.01)"}
)

// --- pages ---

type pagesRequest struct {
	PageID string `json:"page_id,omitempty"`
}

func (s *Spier) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_pages",
		Description: "List spied pages with their active element and visibility ranking, or one page when page_id is set.",
		InputSchema: inputSchema(map[string]any{"page_id": pageIDProp}, nil),
	}
	registerTool(srv, tool, func(_ context.Context, req any) (any, error) {
		r := req.(*pagesRequest)
		if r.PageID != "" {
			return s.Page(r.PageID)
		}
		return s.Pages(), nil
	}, decodeInto[pagesRequest]())
}

// --- active ---

type activeRequest struct {
	PageID string `json:"page_id"`
}

type activeResponse struct {
	PageID   string `json:"page_id"`
	ActiveID string `json:"active_id"`
	Known    bool   `json:"known"`
}

func (s *Spier) registerActiveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_active",
		Description: "Return the id of the element currently considered active on a page.",
		InputSchema: inputSchema(map[string]any{"page_id": pageIDProp}, []string{"page_id"}),
	}
	registerTool(srv, tool, func(_ context.Context, req any) (any, error) {
		r := req.(*activeRequest)
		id, ok, err := s.Active(r.PageID)
		if err != nil {
			return nil, err
		}
		return activeResponse{PageID: r.PageID, ActiveID: id, Known: ok}, nil
	}, decodeInto[activeRequest]())
}

// --- section ---

func (s *Spier) registerSectionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_section",
		Description: "Return the content of the element currently being read on a page, as Markdown.",
		InputSchema: inputSchema(map[string]any{"page_id": pageIDProp}, []string{"page_id"}),
	}
	registerTool(srv, tool, func(_ context.Context, req any) (any, error) {
		return s.Section(req.(*activeRequest).PageID)
	}, decodeInto[activeRequest]())
}

// --- watch ---

func (s *Spier) registerWatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_watch",
		Description: "Open a page and start tracking its active element.",
		InputSchema: inputSchema(map[string]any{
			"id":          pageIDProp,
			"url":         map[string]any{"type": "string", "description": "Page URL"},
			"container":   map[string]any{"type": "string", "description": "CSS selector of the container (default body)"},
			"selector":    selectorProp,
			"root_margin": rootMarginProp,
			"thresholds":  thresholdsProp,
		}, []string{"url"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req any) (any, error) {
		page := *req.(*PageConfig)
		page.ApplyDefaults()
		if err := s.Watch(ctx, page); err != nil {
			return nil, err
		}
		return s.Page(page.ID)
	}, decodeInto[PageConfig]())
}

// --- unwatch ---

func (s *Spier) registerUnwatchTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_unwatch",
		Description: "Stop tracking a page and close it.",
		InputSchema: inputSchema(map[string]any{"page_id": pageIDProp}, []string{"page_id"}),
	}
	registerTool(srv, tool, func(_ context.Context, req any) (any, error) {
		r := req.(*activeRequest)
		if err := s.Unwatch(r.PageID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "unwatched", "page_id": r.PageID}, nil
	}, decodeInto[activeRequest]())
}

// --- update ---

type updateRequest struct {
	PageID string `json:"page_id"`
	spy.Options
}

func (s *Spier) registerUpdateTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domspy_update",
		Description: "Replace the spy options of a page. The candidates are rediscovered even when nothing changed.",
		InputSchema: inputSchema(map[string]any{
			"page_id":     pageIDProp,
			"selector":    selectorProp,
			"root_margin": rootMarginProp,
			"thresholds":  thresholdsProp,
		}, []string{"page_id"}),
	}
	registerTool(srv, tool, func(_ context.Context, req any) (any, error) {
		r := req.(*updateRequest)
		if err := s.Update(r.PageID, r.Options); err != nil {
			return nil, err
		}
		return s.Page(r.PageID)
	}, decodeInto[updateRequest]())
}

// --- replay ---

type replayRequest struct {
	HTML     string `json:"html"`
	Script   string `json:"script"`
	Sanitize bool   `json:"sanitize,omitempty"`
}

func registerReplayTool(srv *mcp.Server, logger *slog.Logger) {
	tool := &mcp.Tool{
		Name:        "domspy_replay",
		Description: "Run a scroll spy over static HTML driven by a YAML script of visibility ratios, DOM edits and option updates. Returns the active-element changes.",
		InputSchema: inputSchema(map[string]any{
			"html":     map[string]any{"type": "string", "description": "HTML document"},
			"script":   map[string]any{"type": "string", "description": "YAML script: page (container, selector, root_margin) and steps (ratio, append, remove, options)"},
			"sanitize": map[string]any{"type": "boolean", "description": "Strip scripts and active attributes before parsing"},
		}, []string{"html"}),
	}
	registerTool(srv, tool, func(ctx context.Context, req any) (any, error) {
		r := req.(*replayRequest)
		if r.HTML == "" {
			return nil, errors.New("html is required")
		}
		var opts []htmldoc.ParseOption
		if r.Sanitize {
			opts = append(opts, htmldoc.WithSanitize())
		}
		doc, err := htmldoc.ParseString(r.HTML, opts...)
		if err != nil {
			return nil, err
		}
		sc, err := ParseScript([]byte(r.Script))
		if err != nil {
			return nil, err
		}
		return Replay(ctx, doc, sc, logger)
	}, decodeInto[replayRequest]())
}

package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/zot/ui-compose/internal/component"
	"github.com/zot/ui-compose/internal/host"
	"github.com/zot/ui-compose/internal/session"
)

// registerTools adds the composition tools.
func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_modules",
		mcp.WithDescription("List registered remote modules with their locator, export and cache state"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListModules)

	s.mcp.AddTool(mcp.NewTool("render_module",
		mcp.WithDescription("Load a module and render its entry component standalone, returning HTML"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Registered module name")),
		mcp.WithObject("props", mcp.Description("Props passed to the entry component")),
	), s.handleRenderModule)

	s.mcp.AddTool(mcp.NewTool("reload_module",
		mcp.WithDescription("Drop a module from the cache and reload every slot showing it"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Registered module name")),
	), s.handleReloadModule)

	s.mcp.AddTool(mcp.NewTool("module_history",
		mcp.WithDescription("Recent fetches of a module, newest first, with duration and failure reason"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Registered module name")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return"), mcp.DefaultNumber(20), mcp.Min(0)),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleModuleHistory)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List live browser sessions and the state of their slots"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("slot_status",
		mcp.WithDescription("Report the slots of one session"),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleSlotStatus)

	s.mcp.AddTool(mcp.NewTool("retry_slot",
		mcp.WithDescription("Reload a mounted or errored slot of one session"),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("slot", mcp.Required(), mcp.Description("Slot name")),
	), s.handleRetrySlot)
}

func (s *Server) handleListModules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(map[string]any{"modules": s.host.Modules()})
}

func (s *Server) handleRenderModule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	props := component.Props{}
	if raw, ok := req.GetArguments()["props"].(map[string]any); ok {
		for k, v := range raw {
			props[k] = v
		}
	}

	html, err := host.Standalone(ctx, s.host.Loader(), name, props, s.config)
	if err != nil {
		return mcp.NewToolResultErrorFromErr(fmt.Sprintf("render %s", name), err), nil
	}
	return mcp.NewToolResultText(string(html)), nil
}

func (s *Server) handleReloadModule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.host.Loader().Registry().Has(name) {
		return mcp.NewToolResultErrorf("unknown module %q", name), nil
	}
	n := s.host.ReloadModule(name)
	return mcp.NewToolResultJSON(map[string]any{"module": name, "slots": n})
}

func (s *Server) handleModuleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !s.host.Loader().Registry().Has(name) {
		return mcp.NewToolResultErrorf("unknown module %q", name), nil
	}
	records, err := s.host.History(ctx, name, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("history unavailable", err), nil
	}
	return mcp.NewToolResultJSON(map[string]any{"module": name, "records": records})
}

func (s *Server) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(map[string]any{"sessions": s.host.SessionInfos()})
}

// composer finds the live composer of the session named in req.
func (s *Server) composer(req mcp.CallToolRequest) (*host.Composer, *mcp.CallToolResult) {
	id, err := req.RequireString("session")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	var sess *session.Session
	if sess = s.host.Sessions().Get(id); sess == nil || sess.Composer() == nil {
		return nil, mcp.NewToolResultErrorf("session %q not found", id)
	}
	return sess.Composer(), nil
}

func (s *Server) handleSlotStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, failure := s.composer(req)
	if failure != nil {
		return failure, nil
	}
	return mcp.NewToolResultJSON(map[string]any{"slots": c.Slots()})
}

func (s *Server) handleRetrySlot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, failure := s.composer(req)
	if failure != nil {
		return failure, nil
	}
	slot, err := req.RequireString("slot")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := c.Retry(slot); err != nil {
		return mcp.NewToolResultErrorFromErr("retry failed", err), nil
	}
	st, err := c.Slot(slot)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("retry failed", err), nil
	}
	return mcp.NewToolResultJSON(st)
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fogsched/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const maxListedHistory = 100

// MCPServer exposes the controller's status and config operations as MCP tools.
type MCPServer struct {
	controller    *core.Controller
	logger        *slog.Logger
	location      *time.Location
	statusHistory int

	server      *server.MCPServer
	httpHandler http.Handler
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(controller *core.Controller, logger *slog.Logger, location *time.Location, statusHistory int) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		controller:    controller,
		logger:        logger,
		location:      location,
		statusHistory: statusHistory,
	}
	s.server = server.NewMCPServer(
		"fogsched",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.server)
	s.httpHandler = server.NewStreamableHTTPServer(s.server)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves MCP over the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("fog_get_status",
		mcp.WithDescription("Show whether the fog task is enabled, its run state, the schedule windows and recent runs"),
	), s.handleGetStatus)

	mcpServer.AddTool(mcp.NewTool("fog_set_config",
		mcp.WithDescription("Enable or disable the fog task and/or replace its schedule. Omitted fields are left unchanged. An empty schedule means always run while enabled"),
		mcp.WithBoolean("enabled",
			mcp.Description("Turn scheduling on or off"),
		),
		mcp.WithString("schedule",
			mcp.Description("Comma separated windows, e.g. '22:00-06:00,12:00-13:00'. Pass an empty string to clear"),
		),
	), s.handleSetConfig)

	mcpServer.AddTool(mcp.NewTool("fog_list_history",
		mcp.WithDescription("List recent fog task runs, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 10"),
			mcp.Min(1),
			mcp.Max(maxListedHistory),
		),
		mcp.WithString("status",
			mcp.Description("Only return runs with this outcome"),
			mcp.Enum(string(core.OutcomeRunning), string(core.OutcomeCompleted), string(core.OutcomeFailed), string(core.OutcomeCancelled)),
		),
	), s.handleListHistory)

	mcpServer.AddTool(mcp.NewTool("fog_clear_history",
		mcp.WithDescription("Delete finished fog task runs from history"),
	), s.handleClearHistory)

	s.logger.Info("MCP tools registered", "count", 4)
}

func (s *MCPServer) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := s.controller.Status(s.statusHistory)

	var b strings.Builder
	fmt.Fprintf(&b, "Enabled: %t\n", st.Enabled)
	fmt.Fprintf(&b, "State: %s\n", st.State)
	fmt.Fprintf(&b, "Schedule: %s\n", formatSchedule(st.Schedule))
	if st.Connected != nil {
		fmt.Fprintf(&b, "Task center connected: %t\n", *st.Connected)
	}
	if st.CurrentTask != nil {
		fmt.Fprintf(&b, "Current task: %s\n", s.formatRecord(*st.CurrentTask))
	}
	if st.NextTick != nil {
		fmt.Fprintf(&b, "Next evaluation: %s\n", st.NextTick.In(s.location).Format(time.DateTime))
	}
	if len(st.History) > 0 {
		b.WriteString("\nRecent runs:\n")
		for _, rec := range st.History {
			fmt.Fprintf(&b, "- %s\n", s.formatRecord(rec))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleSetConfig(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	var patch core.ConfigPatch

	if raw, ok := args["enabled"]; ok {
		enabled, ok := raw.(bool)
		if !ok {
			return mcp.NewToolResultError("enabled must be a boolean"), nil
		}
		patch.Enabled = &enabled
	}
	if raw, ok := args["schedule"]; ok {
		list, ok := raw.(string)
		if !ok {
			return mcp.NewToolResultError("schedule must be a string"), nil
		}
		windows, err := core.ParseWindowList(list)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid schedule: %v", err)), nil
		}
		patch.Windows = &windows
	}
	if patch.Enabled == nil && patch.Windows == nil {
		return mcp.NewToolResultError("nothing to update: pass enabled and/or schedule"), nil
	}

	cfg, err := s.controller.SetConfig(ctx, patch)
	if err != nil {
		s.logger.Warn("set config via mcp", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("update failed (%s): %v", core.Kind(err), err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Config updated\nEnabled: %t\nSchedule: %s\n", cfg.Enabled, formatSchedule(cfg.Windows))
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 10))
	if limit < 1 {
		limit = 1
	}
	if limit > maxListedHistory {
		limit = maxListedHistory
	}

	var records []core.TaskRecord
	if status := mcp.ParseString(request, "status", ""); status != "" {
		outcome, err := core.ParseOutcome(status)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		records = s.controller.HistoryWithOutcome(limit, outcome)
	} else {
		records = s.controller.History(limit)
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("No runs recorded"), nil
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode history: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleClearHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.controller.ClearHistory(ctx); err != nil {
		s.logger.Error("clear history via mcp", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("clear history failed: %v", err)), nil
	}
	return mcp.NewToolResultText("History cleared"), nil
}

func (s *MCPServer) formatRecord(rec core.TaskRecord) string {
	line := fmt.Sprintf("%s %s started %s", statusToIcon(rec.Outcome), rec.ID, rec.StartedAt.In(s.location).Format(time.DateTime))
	if rec.EndedAt != nil {
		line += fmt.Sprintf(", took %s", rec.EndedAt.Sub(rec.StartedAt).Round(time.Second))
	}
	if rec.Error != "" {
		line += ": " + truncateString(rec.Error, 120)
	}
	return line
}

func formatSchedule(windows []core.TimeWindow) string {
	if len(windows) == 0 {
		return "(none, always run while enabled)"
	}
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ", ")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func statusToIcon(outcome core.Outcome) string {
	switch outcome {
	case core.OutcomeCompleted:
		return "[ok]"
	case core.OutcomeFailed:
		return "[failed]"
	case core.OutcomeCancelled:
		return "[cancelled]"
	case core.OutcomeRunning:
		return "[running]"
	default:
		return "[?]"
	}
}

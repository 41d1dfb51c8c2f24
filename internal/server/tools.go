package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/recall/internal/reminders"
)

const tracerName = "github.com/nextlevelbuilder/recall/internal/server"

// traced wraps a tool handler in a dispatch span. Tool-level failures mark
// the span as errored even though they are successful MCP responses.
func traced(name string, h func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "tool."+name)
		defer span.End()

		res, err := h(ctx, req)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil && res.IsError:
			span.SetStatus(codes.Error, "tool error")
		}
		return res, err
	}
}

// toolJSON serializes a result into the single text content block.
func toolJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError("Internal error", err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError embeds a failure in the tool result with isError set.
func toolError(message, details string) *mcp.CallToolResult {
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	data, _ := json.Marshal(body)
	return mcp.NewToolResultError(string(data))
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("read",
		mcp.WithDescription("Read a memory file"),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path, e.g. memory/go.md")),
	), traced("read", s.toolRead))

	s.mcp.AddTool(mcp.NewTool("write",
		mcp.WithDescription("Write a memory file and index it for search"),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("content", mcp.Required()),
	), traced("write", s.toolWrite))

	s.mcp.AddTool(mcp.NewTool("list",
		mcp.WithDescription("List memory files under a prefix"),
		mcp.WithString("path", mcp.Description("Directory prefix, empty for the root")),
		mcp.WithBoolean("recursive"),
	), traced("list", s.toolList))

	s.mcp.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Semantic search over memory files"),
		mcp.WithString("query", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 5")),
		mcp.WithBoolean("timeWeight", mcp.Description("Blend recency into the ranking")),
	), traced("search", s.toolSearch))

	s.mcp.AddTool(mcp.NewTool("history",
		mcp.WithDescription("List stored versions of a file, newest first"),
		mcp.WithString("path", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum versions, default 10")),
	), traced("history", s.toolHistory))

	s.mcp.AddTool(mcp.NewTool("rollback",
		mcp.WithDescription("Restore a file to a previous version"),
		mcp.WithString("path", mcp.Required()),
		mcp.WithString("versionId", mcp.Required()),
	), traced("rollback", s.toolRollback))

	s.mcp.AddTool(mcp.NewTool("execute",
		mcp.WithDescription("Run a JavaScript query over memory files in a sandbox"),
		mcp.WithString("script", mcp.Required()),
	), traced("execute", s.toolExecute))

	s.mcp.AddTool(mcp.NewTool("search_conversations",
		mcp.WithDescription("Semantic search over indexed conversation exchanges"),
		mcp.WithString("query", mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum results, default 5")),
	), traced("search_conversations", s.toolSearchConversations))

	s.mcp.AddTool(mcp.NewTool("index_conversations",
		mcp.WithDescription("Index conversation sessions, skipping unchanged ones"),
		mcp.WithArray("sessions", mcp.Required(), mcp.Description("Session payloads")),
	), traced("index_conversations", s.toolIndexConversations))

	s.mcp.AddTool(mcp.NewTool("expand_conversation",
		mcp.WithDescription("Fetch a session's exchanges, or the window around one exchange"),
		mcp.WithString("sessionId", mcp.Required()),
		mcp.WithString("exchangeId", mcp.Description("When set, only the surrounding window is returned")),
	), traced("expand_conversation", s.toolExpandConversation))

	s.mcp.AddTool(mcp.NewTool("conversation_stats",
		mcp.WithDescription("Totals for the conversation index"),
	), traced("conversation_stats", s.toolConversationStats))

	s.mcp.AddTool(mcp.NewTool("schedule_reminder",
		mcp.WithDescription("Create or update a reminder"),
		mcp.WithString("id", mcp.Description("Reminder id, generated when omitted")),
		mcp.WithString("type", mcp.Required(), mcp.Description("once or cron")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("RFC3339 timestamp or 5-field cron expression")),
		mcp.WithString("description", mcp.Required()),
		mcp.WithString("payload"),
	), traced("schedule_reminder", s.toolScheduleReminder))

	s.mcp.AddTool(mcp.NewTool("list_reminders",
		mcp.WithDescription("List all reminders"),
	), traced("list_reminders", s.toolListReminders))

	s.mcp.AddTool(mcp.NewTool("remove_reminder",
		mcp.WithDescription("Delete a reminder by id"),
		mcp.WithString("id", mcp.Required()),
	), traced("remove_reminder", s.toolRemoveReminder))

	s.mcp.AddTool(mcp.NewTool("check_reminders",
		mcp.WithDescription("Fire reminders that are due now"),
	), traced("check_reminders", s.toolCheckReminders))

	s.mcp.AddTool(mcp.NewTool("list_pending_reflections",
		mcp.WithDescription("List staged reflection documents awaiting review"),
	), traced("list_pending_reflections", s.toolListPendingReflections))

	s.mcp.AddTool(mcp.NewTool("apply_reflection_changes",
		mcp.WithDescription("Apply selected proposed edits from a staged reflection"),
		mcp.WithString("date", mcp.Required(), mcp.Description("Reflection date, YYYY-MM-DD")),
		mcp.WithArray("edits", mcp.Required(), mcp.Description("1-based edit numbers to apply")),
		mcp.WithBoolean("archive", mcp.Description("Archive the document on full success, default true")),
	), traced("apply_reflection_changes", s.toolApplyReflectionChanges))

	s.mcp.AddTool(mcp.NewTool("archive_reflection",
		mcp.WithDescription("Move a staged reflection to the archive without applying it"),
		mcp.WithString("date", mcp.Required()),
	), traced("archive_reflection", s.toolArchiveReflection))
}

func (s *Server) toolRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	obj, err := s.deps.Store.Read(ctx, path)
	if err != nil {
		return toolError("Read failed", err.Error()), nil
	}
	if obj == nil {
		return toolError("File not found", path), nil
	}
	return toolJSON(map[string]interface{}{
		"path":      obj.Path,
		"content":   obj.Content,
		"updatedAt": obj.UpdatedAt,
	})
}

func (s *Server) toolWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}

	versionID, err := s.deps.Store.Write(ctx, path, content)
	if err != nil {
		return toolError("Write failed", err.Error()), nil
	}
	if err := s.deps.Index.Update(ctx, path, content); err != nil {
		return toolError("Indexing failed", err.Error()), nil
	}
	return toolJSON(map[string]string{"path": path, "versionId": versionID})
}

func (s *Server) toolList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	recursive := req.GetBool("recursive", false)

	entries, err := s.deps.Store.List(ctx, path, recursive)
	if err != nil {
		return toolError("List failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"entries": entries})
}

func (s *Server) toolSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	limit := req.GetInt("limit", 5)
	timeWeight := req.GetBool("timeWeight", false)

	results, err := s.deps.Index.Search(ctx, query, limit, timeWeight)
	if err != nil {
		return toolError("Search failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"results": results})
}

func (s *Server) toolHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	limit := req.GetInt("limit", 10)

	versions, err := s.deps.Store.Versions(ctx, path, limit)
	if err != nil {
		return toolError("History failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"path": path, "versions": versions})
}

func (s *Server) toolRollback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	versionID, err := req.RequireString("versionId")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}

	obj, err := s.deps.Store.ReadVersion(ctx, path, versionID)
	if err != nil {
		return toolError("Rollback failed", err.Error()), nil
	}
	if obj == nil {
		return toolError("Version not found", versionID), nil
	}
	newID, err := s.deps.Store.Write(ctx, path, obj.Content)
	if err != nil {
		return toolError("Rollback failed", err.Error()), nil
	}
	if err := s.deps.Index.Update(ctx, path, obj.Content); err != nil {
		return toolError("Indexing failed", err.Error()), nil
	}
	return toolJSON(map[string]string{
		"path":         path,
		"versionId":    newID,
		"restoredFrom": versionID,
	})
}

func (s *Server) toolExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := req.RequireString("script")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}

	result, execErr := s.deps.Sandbox.Execute(ctx, script)
	if execErr != nil {
		return toolError(execErr.Error, execErr.Details), nil
	}
	return toolJSON(map[string]interface{}{"result": result})
}

func (s *Server) toolSearchConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	limit := req.GetInt("limit", 5)

	results, err := s.deps.Conversations.Search(ctx, query, limit)
	if err != nil {
		return toolError("Search failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"results": results})
}

func (s *Server) toolIndexConversations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["sessions"].([]interface{})
	if !ok {
		return toolError("Invalid arguments", "sessions must be an array"), nil
	}
	sessions := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		data, err := json.Marshal(item)
		if err != nil {
			return toolError("Invalid arguments", err.Error()), nil
		}
		sessions = append(sessions, data)
	}

	counts, err := s.deps.Conversations.IndexSessions(ctx, sessions)
	if err != nil {
		return toolError("Indexing failed", err.Error()), nil
	}
	return toolJSON(counts)
}

func (s *Server) toolExpandConversation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("sessionId")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	exchangeID := req.GetString("exchangeId", "")

	exchanges, err := s.deps.Conversations.Expand(ctx, sessionID, exchangeID)
	if err != nil {
		return toolError("Expand failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"exchanges": exchanges})
}

func (s *Server) toolConversationStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.deps.Conversations.Stats(ctx)
	if err != nil {
		return toolError("Stats failed", err.Error()), nil
	}
	return toolJSON(stats)
}

func (s *Server) toolScheduleReminder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("type")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	expression, err := req.RequireString("expression")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	description, err := req.RequireString("description")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}

	r := reminders.Reminder{
		ID:          req.GetString("id", ""),
		Type:        strings.ToLower(kind),
		Expression:  expression,
		Description: description,
		Payload:     req.GetString("payload", ""),
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := s.deps.Reminders.Schedule(ctx, r); err != nil {
		return toolError("Schedule failed", err.Error()), nil
	}
	return toolJSON(r)
}

func (s *Server) toolListReminders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.deps.Reminders.List(ctx)
	if err != nil {
		return toolError("List failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"reminders": list})
}

func (s *Server) toolRemoveReminder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	removed, err := s.deps.Reminders.Remove(ctx, id)
	if err != nil {
		return toolError("Remove failed", err.Error()), nil
	}
	if !removed {
		return toolError("Reminder not found", id), nil
	}
	return toolJSON(map[string]interface{}{"removed": id})
}

func (s *Server) toolCheckReminders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fired, err := s.deps.Reminders.Check(ctx)
	if err != nil {
		return toolError("Check failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"fired": fired})
}

func (s *Server) toolListPendingReflections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending, err := s.deps.Staging.ListPending(ctx)
	if err != nil {
		return toolError("List failed", err.Error()), nil
	}
	return toolJSON(map[string]interface{}{"pending": pending})
}

func (s *Server) toolApplyReflectionChanges(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	date, err := req.RequireString("date")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	raw, ok := req.GetArguments()["edits"].([]interface{})
	if !ok {
		return toolError("Invalid arguments", "edits must be an array of numbers"), nil
	}
	selections := make([]int, 0, len(raw))
	for _, item := range raw {
		n, ok := item.(float64)
		if !ok {
			return toolError("Invalid arguments", "edits must be an array of numbers"), nil
		}
		selections = append(selections, int(n))
	}
	archive := req.GetBool("archive", true)

	result, err := s.deps.Staging.Apply(ctx, date, selections, archive)
	if err != nil {
		return toolError("Apply failed", err.Error()), nil
	}
	return toolJSON(result)
}

func (s *Server) toolArchiveReflection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	date, err := req.RequireString("date")
	if err != nil {
		return toolError("Invalid arguments", err.Error()), nil
	}
	if err := s.deps.Staging.Archive(ctx, date); err != nil {
		return toolError("Archive failed", err.Error()), nil
	}
	return toolJSON(map[string]string{"archived": date})
}

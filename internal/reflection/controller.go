package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
	"github.com/nextlevelbuilder/recall/internal/providers"
)

const tracerName = "github.com/nextlevelbuilder/recall/internal/reflection"

const (
	maxQuickScan    = 5
	maxDeepAnalysis = 10
)

// Notifier delivers reflection outcome notifications. Implementations must
// tolerate being called with an empty configuration (no-op).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Result is the outcome of one reflection run.
type Result struct {
	Success                bool           `json:"success"`
	Error                  string         `json:"error,omitempty"`
	Summary                string         `json:"summary"`
	ProposedEdits          []ProposedEdit `json:"proposedEdits"`
	AutoAppliedFixes       []AutoFix      `json:"autoAppliedFixes"`
	FlaggedIssues          []FlaggedIssue `json:"flaggedIssues"`
	QuickScanIterations    int            `json:"quickScanIterations"`
	DeepAnalysisIterations int            `json:"deepAnalysisIterations"`
	StagedPath             string         `json:"stagedPath,omitempty"`
}

// Controller orchestrates the two-phase agentic reflection loop: a quick scan
// with the fast model, then deep analysis with the primary model.
type Controller struct {
	primary  providers.Provider
	fast     providers.Provider
	store    objstore.Store
	idx      *index.Service
	staging  *Staging
	notifier Notifier

	now func() time.Time
}

func NewController(primary, fast providers.Provider, store objstore.Store, idx *index.Service, staging *Staging, notifier Notifier) *Controller {
	return &Controller{
		primary:  primary,
		fast:     fast,
		store:    store,
		idx:      idx,
		staging:  staging,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// runState accumulates across both phases.
type runState struct {
	proposed  []ProposedEdit
	autoFixes []AutoFix
	flagged   []FlaggedIssue
	summary   string
	done      bool
}

// Run executes both phases and stages the outcome. A phase failure yields
// success=false with the partial state; staging and the marker still happen.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reflection.run")
	defer span.End()

	state := &runState{}
	result := &Result{Success: true}

	quickIters, err := c.quickScan(ctx, state)
	result.QuickScanIterations = quickIters
	if err != nil {
		slog.Error("reflect.phase_failed", "phase", "quick_scan", "error", err)
		result.Success = false
		result.Error = err.Error()
	} else {
		deepIters, err := c.deepAnalysis(ctx, state)
		result.DeepAnalysisIterations = deepIters
		if err != nil {
			slog.Error("reflect.phase_failed", "phase", "deep_analysis", "error", err)
			result.Success = false
			result.Error = err.Error()
		}
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}

	result.Summary = state.summary
	result.ProposedEdits = state.proposed
	result.AutoAppliedFixes = state.autoFixes
	result.FlaggedIssues = state.flagged

	now := c.now()
	if len(state.proposed) > 0 {
		staged := StagedReflection{
			Date:                   now.Format("2006-01-02"),
			Summary:                state.summary,
			ProposedEdits:          state.proposed,
			AutoAppliedFixes:       state.autoFixes,
			FlaggedIssues:          state.flagged,
			QuickScanIterations:    result.QuickScanIterations,
			DeepAnalysisIterations: result.DeepAnalysisIterations,
		}
		path, err := c.staging.WritePending(ctx, staged)
		if err != nil {
			return result, err
		}
		result.StagedPath = path
	}

	if err := c.staging.WriteMarker(ctx, now); err != nil {
		return result, err
	}

	if c.notifier != nil && (len(state.proposed) > 0 || len(state.autoFixes) > 0) {
		msg := fmt.Sprintf("Reflection %s: %d auto-applied, %d proposed. %s",
			now.Format("2006-01-02"), len(state.autoFixes), len(state.proposed), state.summary)
		if err := c.notifier.Notify(ctx, msg); err != nil {
			slog.Warn("reflect.notify_failed", "error", err)
		}
	}

	slog.Info("reflect.done", "success", result.Success,
		"auto_applied", len(state.autoFixes), "proposed", len(state.proposed))
	return result, nil
}

func (c *Controller) quickScan(ctx context.Context, state *runState) (iters int, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reflection.quick_scan")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	messages := []providers.Message{
		{Role: "system", Content: quickScanSystemPrompt},
		{Role: "user", Content: "Scan the memory files for mechanical problems. Apply safe fixes with auto_apply, flag anything deeper with flag_for_deep_analysis, then call finish_quick_scan."},
	}
	return c.runLoop(ctx, c.fast, messages, quickScanTools(), maxQuickScan, state, c.executeQuickTool)
}

func (c *Controller) deepAnalysis(ctx context.Context, state *runState) (iters int, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reflection.deep_analysis")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	state.done = false

	var b strings.Builder
	b.WriteString("Analyze the memory files and propose improvements.\n")
	if len(state.flagged) > 0 {
		b.WriteString("\nIssues flagged during the quick scan:\n")
		for _, f := range state.flagged {
			fmt.Fprintf(&b, "- %s: %s\n", f.Path, f.Issue)
		}
	}
	fmt.Fprintf(&b, "\n%d auto-fixes were already applied.\n", len(state.autoFixes))
	b.WriteString("Use propose_edit for substantive changes, then call finish_reflection.")

	messages := []providers.Message{
		{Role: "system", Content: deepAnalysisSystemPrompt},
		{Role: "user", Content: b.String()},
	}
	return c.runLoop(ctx, c.primary, messages, deepAnalysisTools(), maxDeepAnalysis, state, c.executeDeepTool)
}

type toolExecutor func(ctx context.Context, tc providers.ToolCall, state *runState) string

// runLoop is the shared per-turn driver: call the model, execute each tool
// call in order appending a tool-result message, stop on a finish tool, a
// turn with no tool calls, or the iteration cap.
func (c *Controller) runLoop(ctx context.Context, provider providers.Provider, messages []providers.Message, tools []providers.ToolDefinition, maxTurns int, state *runState, exec toolExecutor) (int, error) {
	iterations := 0
	for iterations < maxTurns {
		iterations++

		resp, err := provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return iterations, fmt.Errorf("reflection: model call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if state.summary == "" && resp.Content != "" {
				state.summary = truncateSummary(resp.Content)
			}
			return iterations, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			out := exec(ctx, tc, state)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
		if state.done {
			return iterations, nil
		}
	}

	if state.summary == "" {
		state.summary = fmt.Sprintf("Reflection stopped at the iteration limit with %d proposed edits and %d auto-fixes.",
			len(state.proposed), len(state.autoFixes))
	}
	return iterations, nil
}

func truncateSummary(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}

func toolOK(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return toolErr(fmt.Errorf("marshal result: %w", err))
	}
	return string(data)
}

func toolErr(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]interface{}, key string) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return false
}

func argInt(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func (c *Controller) executeQuickTool(ctx context.Context, tc providers.ToolCall, state *runState) string {
	args := tc.Arguments
	switch tc.Name {
	case "list_files":
		return c.toolListFiles(ctx, argString(args, "path"), argBool(args, "recursive"))
	case "read_file":
		return c.toolReadFile(ctx, argString(args, "path"))
	case "auto_apply":
		return c.toolAutoApply(ctx, args, state)
	case "flag_for_deep_analysis":
		path, issue := argString(args, "path"), argString(args, "issue")
		if path == "" || issue == "" {
			return toolErr(fmt.Errorf("path and issue are required"))
		}
		state.flagged = append(state.flagged, FlaggedIssue{Path: path, Issue: issue})
		return toolOK(map[string]bool{"flagged": true})
	case "finish_quick_scan":
		state.done = true
		return toolOK(map[string]bool{"finished": true})
	default:
		return toolErr(fmt.Errorf("unknown tool %q", tc.Name))
	}
}

func (c *Controller) executeDeepTool(ctx context.Context, tc providers.ToolCall, state *runState) string {
	args := tc.Arguments
	switch tc.Name {
	case "search_memory":
		query := argString(args, "query")
		if query == "" {
			return toolErr(fmt.Errorf("query is required"))
		}
		results, err := c.idx.Search(ctx, query, argInt(args, "limit", 5), false)
		if err != nil {
			return toolErr(fmt.Errorf("search failed: %w", err))
		}
		return toolOK(results)
	case "read_file":
		return c.toolReadFile(ctx, argString(args, "path"))
	case "list_files":
		return c.toolListFiles(ctx, argString(args, "path"), argBool(args, "recursive"))
	case "propose_edit":
		return c.toolProposeEdit(ctx, args, state)
	case "auto_apply":
		return c.toolAutoApply(ctx, args, state)
	case "finish_reflection":
		if summary := argString(args, "summary"); summary != "" {
			state.summary = summary
		}
		state.done = true
		return toolOK(map[string]bool{"finished": true})
	default:
		return toolErr(fmt.Errorf("unknown tool %q", tc.Name))
	}
}

func (c *Controller) toolListFiles(ctx context.Context, path string, recursive bool) string {
	if path == "" {
		path = "memory"
	}
	entries, err := c.store.List(ctx, path, recursive)
	if err != nil {
		return toolErr(fmt.Errorf("list failed: %w", err))
	}
	return toolOK(entries)
}

func (c *Controller) toolReadFile(ctx context.Context, path string) string {
	if path == "" {
		return toolErr(fmt.Errorf("path is required"))
	}
	obj, err := c.store.Read(ctx, path)
	if err != nil {
		return toolErr(fmt.Errorf("read failed: %w", err))
	}
	if obj == nil {
		return toolErr(fmt.Errorf("file %s does not exist", path))
	}
	return toolOK(map[string]string{"path": obj.Path, "content": obj.Content})
}

// toolAutoApply performs a mechanical fix directly. It succeeds only when the
// change is fully specified and applies cleanly.
func (c *Controller) toolAutoApply(ctx context.Context, args map[string]interface{}, state *runState) string {
	path := argString(args, "path")
	fixType := argString(args, "fixType")
	if fixType == "" {
		fixType = argString(args, "fix_type")
	}
	oldText := argString(args, "oldText")
	newText := argString(args, "newText")
	reason := argString(args, "reason")

	if path == "" {
		return toolErr(fmt.Errorf("path is required"))
	}
	obj, err := c.store.Read(ctx, path)
	if err != nil {
		return toolErr(fmt.Errorf("read failed: %w", err))
	}
	if obj == nil {
		return toolErr(fmt.Errorf("file %s does not exist", path))
	}
	orig := obj.Content

	var updated string
	switch fixType {
	case FixTypo, FixWhitespace, FixFormatting:
		if oldText == "" || newText == "" {
			return toolErr(fmt.Errorf("%s fix requires oldText and newText", fixType))
		}
		if !strings.Contains(orig, oldText) {
			return toolErr(fmt.Errorf("oldText not found in %s", path))
		}
		updated = strings.Replace(orig, oldText, newText, 1)
	case FixNewline:
		updated = strings.TrimRight(orig, " \t\r\n") + "\n"
	case FixDuplicate:
		if oldText == "" {
			return toolErr(fmt.Errorf("duplicate fix requires oldText"))
		}
		if !strings.Contains(orig, oldText) {
			return toolErr(fmt.Errorf("oldText not found in %s", path))
		}
		updated = strings.Replace(orig, oldText, newText, 1)
	default:
		return toolErr(fmt.Errorf("unknown fix type %q", fixType))
	}

	if updated != orig {
		if _, err := c.store.Write(ctx, path, updated); err != nil {
			return toolErr(fmt.Errorf("write failed: %w", err))
		}
		if err := c.idx.Update(ctx, path, updated); err != nil {
			return toolErr(fmt.Errorf("reindex failed: %w", err))
		}
	}

	state.autoFixes = append(state.autoFixes, AutoFix{Path: path, FixType: fixType, Reason: reason})
	return toolOK(map[string]interface{}{"applied": true, "changed": updated != orig})
}

// toolProposeEdit stages an edit without touching any file.
func (c *Controller) toolProposeEdit(ctx context.Context, args map[string]interface{}, state *runState) string {
	edit := ProposedEdit{
		Path:    argString(args, "path"),
		Action:  argString(args, "action"),
		Content: argString(args, "content"),
		Reason:  argString(args, "reason"),
	}
	if edit.Path == "" {
		return toolErr(fmt.Errorf("path is required"))
	}

	switch edit.Action {
	case ActionReplace, ActionAppend, ActionCreate:
		if edit.Content == "" {
			return toolErr(fmt.Errorf("%s requires content", edit.Action))
		}
	case ActionDelete:
	default:
		return toolErr(fmt.Errorf("unknown action %q", edit.Action))
	}

	if edit.Action != ActionCreate {
		obj, err := c.store.Read(ctx, edit.Path)
		if err != nil {
			return toolErr(fmt.Errorf("read failed: %w", err))
		}
		if obj == nil {
			return toolErr(fmt.Errorf("file %s does not exist", edit.Path))
		}
	}

	state.proposed = append(state.proposed, edit)
	return toolOK(map[string]interface{}{"staged": true, "number": len(state.proposed)})
}

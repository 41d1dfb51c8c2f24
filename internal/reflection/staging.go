// Package reflection implements the daily self-maintenance pass: an agentic
// controller that inspects memory files, applies mechanical fixes directly,
// and stages riskier edits as a pending document for human review.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
)

const (
	pendingPrefix = "memory/reflections/pending/"
	archivePrefix = "memory/reflections/archive/"
	metaPath      = "memory/meta/last-reflection.json"
)

// Edit actions.
const (
	ActionReplace = "replace"
	ActionAppend  = "append"
	ActionDelete  = "delete"
	ActionCreate  = "create"
)

// Auto-fix types.
const (
	FixTypo       = "typo"
	FixWhitespace = "whitespace"
	FixNewline    = "newline"
	FixDuplicate  = "duplicate"
	FixFormatting = "formatting"
)

// ProposedEdit is a staged change awaiting review.
type ProposedEdit struct {
	Path    string `json:"path"`
	Action  string `json:"action"` // replace, append, delete, create
	Content string `json:"content,omitempty"`
	Reason  string `json:"reason"`
}

// AutoFix records a mechanical fix that was applied directly.
type AutoFix struct {
	Path    string `json:"path"`
	FixType string `json:"fixType"`
	Reason  string `json:"reason"`
}

// FlaggedIssue is a quick-scan finding handed to deep analysis.
type FlaggedIssue struct {
	Path  string `json:"path"`
	Issue string `json:"issue"`
}

// StagedReflection is the full outcome of one reflection run.
type StagedReflection struct {
	Date                   string         `json:"date"` // YYYY-MM-DD
	Summary                string         `json:"summary"`
	ProposedEdits          []ProposedEdit `json:"proposedEdits"`
	AutoAppliedFixes       []AutoFix      `json:"autoAppliedFixes"`
	FlaggedIssues          []FlaggedIssue `json:"flaggedIssues"`
	QuickScanIterations    int            `json:"quickScanIterations"`
	DeepAnalysisIterations int            `json:"deepAnalysisIterations"`
}

// Staging persists reflection documents and applies reviewed edits.
type Staging struct {
	store objstore.Store
	idx   *index.Service
}

func NewStaging(store objstore.Store, idx *index.Service) *Staging {
	return &Staging{store: store, idx: idx}
}

func pendingPath(date string) string { return pendingPrefix + date + ".md" }
func archivePath(date string) string { return archivePrefix + date + ".md" }

// BuildDocument renders the staged reflection as deterministic markdown.
// ParseEdits round-trips the proposed edits back out of this format.
func BuildDocument(r StagedReflection) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Reflection — %s\n\n", r.Date)
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", r.Summary)

	b.WriteString("## Statistics\n\n")
	b.WriteString("| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Quick scan iterations | %d |\n", r.QuickScanIterations)
	fmt.Fprintf(&b, "| Deep analysis iterations | %d |\n", r.DeepAnalysisIterations)
	fmt.Fprintf(&b, "| Auto-applied fixes | %d |\n", len(r.AutoAppliedFixes))
	fmt.Fprintf(&b, "| Proposed changes | %d |\n", len(r.ProposedEdits))
	fmt.Fprintf(&b, "| Flagged issues | %d |\n\n", len(r.FlaggedIssues))

	b.WriteString("## Auto-Applied Fixes\n\n")
	if len(r.AutoAppliedFixes) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, f := range r.AutoAppliedFixes {
			fmt.Fprintf(&b, "- `%s` (%s): %s\n", f.Path, f.FixType, f.Reason)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Proposed Changes\n\n")
	if len(r.ProposedEdits) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for i, e := range r.ProposedEdits {
			fmt.Fprintf(&b, "### %d. %s `%s`\n\n", i+1, e.Action, e.Path)
			fmt.Fprintf(&b, "**Reason:** %s\n\n", e.Reason)
			if e.Action != ActionDelete {
				fmt.Fprintf(&b, "**Content:**\n\n```\n%s\n```\n\n", e.Content)
			}
		}
	}

	// Only issues no proposed edit addresses remain open.
	addressed := make(map[string]bool)
	for _, e := range r.ProposedEdits {
		addressed[e.Path] = true
	}
	var unresolved []FlaggedIssue
	for _, f := range r.FlaggedIssues {
		if !addressed[f.Path] {
			unresolved = append(unresolved, f)
		}
	}
	b.WriteString("## Unresolved Flagged Issues\n\n")
	if len(unresolved) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, f := range unresolved {
			fmt.Fprintf(&b, "- `%s`: %s\n", f.Path, f.Issue)
		}
		b.WriteString("\n")
	}

	b.WriteString("## After Review\n\n")
	b.WriteString("Use `apply_reflection_changes` with the change numbers to apply, ")
	b.WriteString("or `archive_reflection` to dismiss this document.\n")

	return b.String()
}

// WritePending renders and stores the staged document. Returns its path.
func (s *Staging) WritePending(ctx context.Context, r StagedReflection) (string, error) {
	path := pendingPath(r.Date)
	if _, err := s.store.Write(ctx, path, BuildDocument(r)); err != nil {
		return "", fmt.Errorf("reflection: write pending: %w", err)
	}
	return path, nil
}

// ListPending returns pending reflection documents, newest date first.
func (s *Staging) ListPending(ctx context.Context) ([]objstore.Entry, error) {
	entries, err := s.store.List(ctx, strings.TrimSuffix(pendingPrefix, "/"), true)
	if err != nil {
		return nil, fmt.Errorf("reflection: list pending: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path > entries[j].Path })
	return entries, nil
}

// Archive copies a pending document to the archive area, then deletes the
// source. Copy-then-delete keeps the document readable at every point.
func (s *Staging) Archive(ctx context.Context, date string) error {
	obj, err := s.store.Read(ctx, pendingPath(date))
	if err != nil {
		return fmt.Errorf("reflection: read pending %s: %w", date, err)
	}
	if obj == nil {
		return fmt.Errorf("reflection: no pending document for %s", date)
	}
	if _, err := s.store.Write(ctx, archivePath(date), obj.Content); err != nil {
		return fmt.Errorf("reflection: write archive %s: %w", date, err)
	}
	if err := s.store.Delete(ctx, pendingPath(date)); err != nil {
		return fmt.Errorf("reflection: delete pending %s: %w", date, err)
	}
	return nil
}

// ParseEdits extracts the proposed edits back out of a staged document.
func ParseEdits(doc string) []ProposedEdit {
	var edits []ProposedEdit
	lines := strings.Split(doc, "\n")

	i := 0
	inProposed := false
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "## ") {
			inProposed = strings.TrimPrefix(line, "## ") == "Proposed Changes"
			i++
			continue
		}
		if !inProposed || !strings.HasPrefix(line, "### ") {
			i++
			continue
		}

		// "### N. action `path`"
		header := strings.TrimPrefix(line, "### ")
		dot := strings.Index(header, ". ")
		if dot < 0 {
			i++
			continue
		}
		rest := header[dot+2:]
		sp := strings.Index(rest, " `")
		if sp < 0 || !strings.HasSuffix(rest, "`") {
			i++
			continue
		}
		edit := ProposedEdit{
			Action: rest[:sp],
			Path:   strings.TrimSuffix(rest[sp+2:], "`"),
		}
		i++

		for i < len(lines) && !strings.HasPrefix(lines[i], "### ") && !strings.HasPrefix(lines[i], "## ") {
			l := lines[i]
			if strings.HasPrefix(l, "**Reason:** ") {
				edit.Reason = strings.TrimPrefix(l, "**Reason:** ")
				i++
				continue
			}
			if l == "```" {
				i++
				var content []string
				for i < len(lines) && lines[i] != "```" {
					content = append(content, lines[i])
					i++
				}
				i++ // closing fence
				edit.Content = strings.Join(content, "\n")
				continue
			}
			i++
		}
		edits = append(edits, edit)
	}
	return edits
}

// ApplyResult reports what apply_reflection_changes did.
type ApplyResult struct {
	Applied  []ProposedEdit `json:"applied"`
	Errors   []string       `json:"errors,omitempty"`
	Archived bool           `json:"archived"`
}

// Apply executes the selected edits (1-indexed) from the pending document of
// the given date, re-indexing each changed file. With archive set, the
// document is archived only when every selected edit applied cleanly.
func (s *Staging) Apply(ctx context.Context, date string, selections []int, archive bool) (*ApplyResult, error) {
	obj, err := s.store.Read(ctx, pendingPath(date))
	if err != nil {
		return nil, fmt.Errorf("reflection: read pending %s: %w", date, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("reflection: no pending document for %s", date)
	}
	edits := ParseEdits(obj.Content)

	result := &ApplyResult{}
	for _, sel := range selections {
		if sel < 1 || sel > len(edits) {
			result.Errors = append(result.Errors, "change "+strconv.Itoa(sel)+" does not exist")
			continue
		}
		edit := edits[sel-1]
		if err := s.applyEdit(ctx, edit); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("change %d (%s %s): %v", sel, edit.Action, edit.Path, err))
			continue
		}
		result.Applied = append(result.Applied, edit)
	}

	if archive && len(result.Errors) == 0 && len(result.Applied) > 0 {
		if err := s.Archive(ctx, date); err != nil {
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Archived = true
		}
	}
	return result, nil
}

func (s *Staging) applyEdit(ctx context.Context, edit ProposedEdit) error {
	switch edit.Action {
	case ActionCreate, ActionReplace:
		if _, err := s.store.Write(ctx, edit.Path, edit.Content); err != nil {
			return err
		}
		return s.idx.Update(ctx, edit.Path, edit.Content)

	case ActionAppend:
		obj, err := s.store.Read(ctx, edit.Path)
		if err != nil {
			return err
		}
		if obj == nil {
			return fmt.Errorf("file does not exist")
		}
		content := obj.Content
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += edit.Content
		if _, err := s.store.Write(ctx, edit.Path, content); err != nil {
			return err
		}
		return s.idx.Update(ctx, edit.Path, content)

	case ActionDelete:
		if err := s.store.Delete(ctx, edit.Path); err != nil {
			return err
		}
		return s.idx.Delete(ctx, edit.Path)

	default:
		return fmt.Errorf("unknown action %q", edit.Action)
	}
}

type reflectionMarker struct {
	Timestamp string `json:"timestamp"`
	Date      string `json:"date"`
}

// WriteMarker persists the last-reflection marker.
func (s *Staging) WriteMarker(ctx context.Context, now time.Time) error {
	data, err := json.MarshalIndent(reflectionMarker{
		Timestamp: now.Format(time.RFC3339),
		Date:      now.Format("2006-01-02"),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("reflection: marshal marker: %w", err)
	}
	if _, err := s.store.Write(ctx, metaPath, string(data)); err != nil {
		return fmt.Errorf("reflection: write marker: %w", err)
	}
	return nil
}

// LastReflectionDate reads the marker's date, or "" when none exists.
func (s *Staging) LastReflectionDate(ctx context.Context) (string, error) {
	obj, err := s.store.Read(ctx, metaPath)
	if err != nil || obj == nil {
		return "", err
	}
	var marker reflectionMarker
	if err := json.Unmarshal([]byte(obj.Content), &marker); err != nil {
		return "", nil
	}
	return marker.Date, nil
}

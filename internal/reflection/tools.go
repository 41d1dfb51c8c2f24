package reflection

import "github.com/nextlevelbuilder/recall/internal/providers"

const quickScanSystemPrompt = `You are a maintenance assistant for a personal memory store of markdown files.
You fix only mechanical problems: typos, stray whitespace, missing trailing newlines, duplicated lines, broken formatting.
Anything requiring judgment gets flagged for deep analysis instead of fixed.
Work quickly and finish with finish_quick_scan.`

const deepAnalysisSystemPrompt = `You are a maintenance assistant for a personal memory store of markdown files.
You review flagged issues and the overall structure, then propose substantive edits for human review.
Never rewrite files directly except through auto_apply for mechanical fixes; use propose_edit for everything else.
Finish with finish_reflection and a short summary.`

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func tool(name, desc string, params map[string]interface{}) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        name,
			Description: desc,
			Parameters:  params,
		},
	}
}

func listFilesTool() providers.ToolDefinition {
	return tool("list_files", "List memory files under a path.",
		objectSchema(map[string]interface{}{
			"path":      strProp("Directory prefix, defaults to memory"),
			"recursive": map[string]interface{}{"type": "boolean", "description": "Include nested files"},
		}))
}

func readFileTool() providers.ToolDefinition {
	return tool("read_file", "Read one memory file.",
		objectSchema(map[string]interface{}{
			"path": strProp("File path"),
		}, "path"))
}

func autoApplyTool() providers.ToolDefinition {
	return tool("auto_apply", "Apply a mechanical fix directly to a file.",
		objectSchema(map[string]interface{}{
			"path": strProp("File path"),
			"fixType": map[string]interface{}{
				"type":        "string",
				"enum":        []string{FixTypo, FixWhitespace, FixNewline, FixDuplicate, FixFormatting},
				"description": "Kind of mechanical fix",
			},
			"oldText": strProp("Exact text to replace (required for typo, whitespace, formatting, duplicate)"),
			"newText": strProp("Replacement text"),
			"reason":  strProp("Why this fix is safe"),
		}, "path", "fixType", "reason"))
}

func quickScanTools() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		listFilesTool(),
		readFileTool(),
		autoApplyTool(),
		tool("flag_for_deep_analysis", "Flag an issue that needs judgment for the deep analysis phase.",
			objectSchema(map[string]interface{}{
				"path":  strProp("File path"),
				"issue": strProp("What looks wrong"),
			}, "path", "issue")),
		tool("finish_quick_scan", "Finish the quick scan phase.",
			objectSchema(map[string]interface{}{
				"autoApplied":            map[string]interface{}{"type": "number", "description": "Count of fixes applied"},
				"flaggedForDeepAnalysis": map[string]interface{}{"type": "number", "description": "Count of flagged issues"},
			})),
	}
}

func deepAnalysisTools() []providers.ToolDefinition {
	return []providers.ToolDefinition{
		tool("search_memory", "Semantic search over memory files.",
			objectSchema(map[string]interface{}{
				"query": strProp("Search query"),
				"limit": map[string]interface{}{"type": "number", "description": "Max results, default 5"},
			}, "query")),
		readFileTool(),
		listFilesTool(),
		tool("propose_edit", "Stage an edit for human review. Does not modify any file.",
			objectSchema(map[string]interface{}{
				"path": strProp("Target file path"),
				"action": map[string]interface{}{
					"type":        "string",
					"enum":        []string{ActionReplace, ActionAppend, ActionDelete, ActionCreate},
					"description": "Kind of change",
				},
				"content": strProp("New content (required for replace, append, create)"),
				"reason":  strProp("Why this change helps"),
			}, "path", "action", "reason")),
		autoApplyTool(),
		tool("finish_reflection", "Finish the deep analysis phase.",
			objectSchema(map[string]interface{}{
				"summary":         strProp("Short summary of the reflection"),
				"proposedChanges": map[string]interface{}{"type": "number", "description": "Count of proposed edits"},
				"autoApplied":     map[string]interface{}{"type": "number", "description": "Count of auto-fixes"},
			}, "summary")),
	}
}

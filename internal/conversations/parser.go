// Package conversations indexes past assistant sessions for semantic search.
package conversations

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const maxFieldChars = 2000

// userMessageMarker separates injected context from the actual user text in
// wrapped prompts; the suffix after the last marker is the real message.
const userMessageMarker = "\nUser message: "

// Session is an assistant conversation as submitted for indexing.
type Session struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	CreatedAt time.Time `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

// Message content may be a plain string or an array of typed blocks, so it is
// kept raw and interpreted during parsing.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// Exchange is one user prompt with its assistant response.
type Exchange struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	Project           string    `json:"project"`
	UserPrompt        string    `json:"userPrompt"`
	AssistantResponse string    `json:"assistantResponse"`
	Timestamp         time.Time `json:"timestamp"`
	MessageIndex      int       `json:"messageIndex"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// stringContent returns the content as a plain string, or ok=false when it is
// block-structured or absent.
func stringContent(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// isToolResult reports whether a user message carries tool output rather than
// a human prompt.
func isToolResult(content string) bool {
	return strings.Contains(content, "<tool_result>") ||
		strings.Contains(content, "tool_use_id") ||
		strings.HasPrefix(content, `{"type":"tool_result"`)
}

// isSystemContext reports whether a user message is injected context.
func isSystemContext(content string) bool {
	for _, prefix := range []string{"<current_time>", "<system-reminder>", "# Agent Context"} {
		if strings.HasPrefix(content, prefix) {
			return true
		}
	}
	return strings.Contains(content, "<state_files>") ||
		strings.Contains(content, "<context_status>") ||
		len(content) < 5
}

// assistantText extracts the response text: the string content directly, or
// the first text block when the content is block-structured.
func assistantText(raw json.RawMessage) string {
	if s, ok := stringContent(raw); ok {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	for _, b := range blocks {
		if b.Type == "text" {
			return b.Text
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) > maxFieldChars {
		return s[:maxFieldChars]
	}
	return s
}

// ParseExchanges walks the session and pairs each eligible user message with
// the next assistant message. now supplies the timestamp fallback when
// neither the message nor the session carries one.
func ParseExchanges(s Session, now time.Time) []Exchange {
	var exchanges []Exchange

	for i, msg := range s.Messages {
		if msg.Role != "user" {
			continue
		}
		content, ok := stringContent(msg.Content)
		if !ok || isToolResult(content) || isSystemContext(content) {
			continue
		}
		if idx := strings.LastIndex(content, userMessageMarker); idx >= 0 {
			content = content[idx+len(userMessageMarker):]
		}

		var response string
		for j := i + 1; j < len(s.Messages); j++ {
			if s.Messages[j].Role == "assistant" {
				response = assistantText(s.Messages[j].Content)
				break
			}
		}

		ts := now
		switch {
		case msg.Timestamp != nil:
			ts = *msg.Timestamp
		case !s.CreatedAt.IsZero():
			ts = s.CreatedAt
		}

		exchanges = append(exchanges, Exchange{
			ID:                s.ID + "-" + strconv.Itoa(i),
			SessionID:         s.ID,
			Project:           s.Project,
			UserPrompt:        truncate(content),
			AssistantResponse: truncate(response),
			Timestamp:         ts,
			MessageIndex:      i,
		})
	}
	return exchanges
}

// HashSession is the deterministic 32-bit rolling hash used for change
// detection. It must stay stable across releases or every session re-indexes.
func HashSession(data []byte) uint32 {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return h
}

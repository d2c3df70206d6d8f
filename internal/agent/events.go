// Package agent invokes the external coding-agent process: the black box
// that actually edits files. The runner execs the configured binary,
// decodes its JSONL event stream into a closed event sum, and reports a
// final Result. Unknown event types are surfaced as parse warnings and
// otherwise dropped; consumers pattern-match on the variants they know.
package agent

import (
	"encoding/json"

	"github.com/undercity-dev/undercity/internal/llm"
)

// Event is one message from the agent stream. The concrete types below
// are the only variants; consumers ignore what they don't handle.
type Event interface {
	isEvent()
}

// Started reports the agent process is up.
type Started struct {
	Model     string `json:"model,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ToolCall reports one tool invocation by the agent.
type ToolCall struct {
	Tool  string `json:"tool"`
	Input string `json:"input,omitempty"`
}

// FileChange reports a file the agent created, modified, or deleted.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action,omitempty"`
}

// Message is free-form agent narration.
type Message struct {
	Text string `json:"text"`
}

// Result is the terminal event: exactly one arrives per run, always last.
type Result struct {
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	FilesModified []string       `json:"filesModified,omitempty"`
	Usage         llm.TokenUsage `json:"usage"`
	// Err carries the run-level failure (timeout, crash, exec error).
	Err error `json:"-"`
}

// ParseWarning reports a stream line that could not be decoded or an
// event type this version does not know.
type ParseWarning struct {
	Line   string `json:"line,omitempty"`
	Reason string `json:"reason"`
}

func (Started) isEvent()      {}
func (ToolCall) isEvent()     {}
func (FileChange) isEvent()   {}
func (Message) isEvent()      {}
func (Result) isEvent()       {}
func (ParseWarning) isEvent() {}

// wireEvent is the JSONL envelope emitted by the agent binary.
type wireEvent struct {
	Type      string          `json:"type"`
	Model     string          `json:"model,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Path      string          `json:"path,omitempty"`
	Action    string          `json:"action,omitempty"`
	Text      string          `json:"text,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Files     []string        `json:"files,omitempty"`
	Usage     *wireUsage      `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// decodeLine turns one stream line into an event. The second return is
// false for blank lines. Unknown types and malformed JSON come back as
// ParseWarning.
func decodeLine(line string) (Event, bool) {
	if line == "" {
		return nil, false
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(line), &we); err != nil {
		return ParseWarning{Line: truncate(line, 200), Reason: "malformed JSON: " + err.Error()}, true
	}

	switch we.Type {
	case "started", "system":
		return Started{Model: we.Model, SessionID: we.SessionID}, true
	case "tool_call", "tool_use":
		return ToolCall{Tool: we.Tool, Input: string(we.Input)}, true
	case "file_change":
		return FileChange{Path: we.Path, Action: we.Action}, true
	case "message", "text", "assistant":
		return Message{Text: we.Text}, true
	case "result":
		res := Result{Message: we.Message, FilesModified: we.Files}
		if we.Success != nil {
			res.Success = *we.Success
		}
		if we.Usage != nil {
			res.Usage = llm.TokenUsage{
				InputTokens:  we.Usage.InputTokens,
				OutputTokens: we.Usage.OutputTokens,
			}
		}
		return res, true
	default:
		return ParseWarning{Line: truncate(line, 200), Reason: "unknown event type " + we.Type}, true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

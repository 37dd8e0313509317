// Package session holds the conversation data model and the append-only
// session log. A session is a strictly ordered sequence of turns; the log
// persists one JSON record per line so a crash never loses more than the
// turn that was in flight.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Roles a turn can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Usage tracks token consumption for a single turn or a whole session.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the sum of u and other. Session counters only ever grow.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ToolCall is a model-initiated tool invocation. A call stays unresolved
// until exactly one tool turn with the same ID is appended.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Turn is one exchange in a session: a user message, an assistant message
// (text and/or tool calls), or a tool result. Immutable once appended.
//
// Tool results are turns with RoleTool: ToolCallID names the call they
// resolve, IsError flags failure, Content carries the (possibly truncated)
// output.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewUserTurn creates a user turn stamped now.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantTurn creates an assistant turn with optional tool calls.
func NewAssistantTurn(content string, calls []ToolCall, usage Usage, duration time.Duration) Turn {
	return Turn{
		Role:       RoleAssistant,
		Content:    content,
		ToolCalls:  calls,
		Usage:      &usage,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
}

// NewToolTurn creates a tool-result turn resolving the given call.
func NewToolTurn(callID, output string, isError bool, duration time.Duration) Turn {
	return Turn{
		Role:       RoleTool,
		Content:    output,
		ToolCallID: callID,
		IsError:    isError,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
}

// Meta is the first record of every session file.
type Meta struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Mode      string    `json:"mode"`
	CWD       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the in-memory view of one conversation. Owned exclusively by a
// single orchestrator for the process lifetime; never mutated by more than
// one in-flight turn at a time.
type Session struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Mode       string `json:"mode"`
	Turns      []Turn `json:"turns"`
	TotalUsage Usage  `json:"total_usage"`
}

// New creates an empty session with a fresh ID.
func New(model, mode string) *Session {
	return &Session{
		ID:    uuid.New().String(),
		Model: model,
		Mode:  mode,
	}
}

// AddTurn appends a turn and folds its usage into the running counters.
func (s *Session) AddTurn(turn Turn) {
	s.Turns = append(s.Turns, turn)
	if turn.Usage != nil {
		s.TotalUsage = s.TotalUsage.Add(*turn.Usage)
	}
}

// UnresolvedCalls returns tool calls from the last assistant turn that have
// no matching tool turn yet.
func (s *Session) UnresolvedCalls() []ToolCall {
	resolved := make(map[string]bool)
	var calls []ToolCall
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Role == RoleTool {
			resolved[t.ToolCallID] = true
			continue
		}
		if t.Role == RoleAssistant {
			for _, c := range t.ToolCalls {
				if !resolved[c.ID] {
					calls = append(calls, c)
				}
			}
			return calls
		}
	}
	return nil
}

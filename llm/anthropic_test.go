package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/quillworks/quill/session"
)

// A transcript that already contains a tool call must round-trip through the
// message params with the call's arguments as a JSON object, or the next
// completion request in the turn loop is malformed.
func TestAnthropicToolCallHistoryEncodesArgsAsObject(t *testing.T) {
	turns := []session.Turn{
		session.NewUserTurn("read main.go"),
		session.NewAssistantTurn("", []session.ToolCall{
			{ID: "tc_1", Name: "read_file", Args: map[string]interface{}{"path": "main.go"}},
		}, session.Usage{}, 0),
		session.NewToolTurn("tc_1", "package main", false, 0),
	}

	messages, _ := convertTurnsToAnthropic(turns)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}

	data, err := json.Marshal(messages)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, `"input":{"path":"main.go"}`) {
		t.Errorf("tool call input not encoded as an object: %s", body)
	}
	if strings.Contains(body, `"input":"`) || strings.Contains(body, `"input":[`) {
		t.Errorf("tool call input degraded to a string or array: %s", body)
	}
	if !strings.Contains(body, `"tool_use_id":"tc_1"`) {
		t.Errorf("tool result not linked to its call: %s", body)
	}
}

func TestConvertTurnsToAnthropicSystemPrompt(t *testing.T) {
	turns := []session.Turn{
		{Role: session.RoleSystem, Content: "be helpful"},
		session.NewUserTurn("hi"),
	}
	messages, system := convertTurnsToAnthropic(turns)
	if system != "be helpful" {
		t.Errorf("system prompt = %q", system)
	}
	if len(messages) != 1 {
		t.Errorf("system turn leaked into messages: %d", len(messages))
	}
}

package llm

import (
	"testing"

	"github.com/quillworks/quill/session"
)

func TestConvertTurnsToBedrock(t *testing.T) {
	turns := []session.Turn{
		{Role: session.RoleSystem, Content: "be terse"},
		{Role: session.RoleUser, Content: "list files"},
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{
			{ID: "t1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		}},
		{Role: session.RoleTool, ToolCallID: "t1", Content: "main.go"},
		{Role: session.RoleAssistant, Content: "just main.go"},
	}

	messages, system := convertTurnsToBedrock(turns)
	if system != "be terse" {
		t.Errorf("system = %q", system)
	}
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0]["role"] != "user" {
		t.Errorf("message 0 role = %v", messages[0]["role"])
	}

	// The tool call travels as a tool_use block on an assistant message.
	blocks := messages[1]["content"].([]map[string]interface{})
	if blocks[0]["type"] != "tool_use" || blocks[0]["id"] != "t1" {
		t.Errorf("tool_use block = %v", blocks[0])
	}

	// The result travels back as a user message with a tool_result block.
	blocks = messages[2]["content"].([]map[string]interface{})
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "t1" {
		t.Errorf("tool_result block = %v", blocks[0])
	}
}

func TestBedrockReplayBody(t *testing.T) {
	adapter := &BedrockAdapter{modelID: "anthropic.claude-test"}
	body := []byte(`{
		"content": [
			{"type": "text", "text": "checking"},
			{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "go.mod"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 11, "output_tokens": 7}
	}`)

	es := newEventStream()
	go adapter.replayBody(es, body)

	var text string
	assembler := NewToolCallAssembler()
	var usage *session.Usage
	var finish FinishReason
	for {
		ev, ok := es.Recv()
		if !ok {
			break
		}
		switch ev.Kind {
		case EventTextDelta:
			text += ev.Text
		case EventToolCallDelta:
			assembler.Add(ev)
		case EventUsage:
			usage = ev.Usage
		case EventFinish:
			finish = ev.Reason
		}
	}
	if err := es.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if text != "checking" {
		t.Errorf("text = %q", text)
	}
	calls := assembler.Finish()
	if len(calls) != 1 || calls[0].Call.ID != "tu_1" || calls[0].Call.Args["path"] != "go.mod" {
		t.Fatalf("calls = %+v", calls)
	}
	if usage == nil || usage.PromptTokens != 11 || usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
	if finish != FinishToolCalls {
		t.Errorf("finish = %s, want %s", finish, FinishToolCalls)
	}
}

func TestBedrockReplayBodyError(t *testing.T) {
	adapter := &BedrockAdapter{modelID: "m"}
	es := newEventStream()
	go adapter.replayBody(es, []byte(`{"error": "model not found"}`))

	for {
		if _, ok := es.Recv(); !ok {
			break
		}
	}
	if es.Err() == nil {
		t.Errorf("expected an error for an error body")
	}
}

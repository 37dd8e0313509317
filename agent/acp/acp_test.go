package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quillworks/quill/agent"
	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/llm"
	"github.com/quillworks/quill/session"
	"github.com/quillworks/quill/tools"
)

func testOptions(t *testing.T, script []llm.ScriptedResponse) Options {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		FilesystemAccess: config.FilesystemAccess{Hidden: []string{".quill", ".quill/**"}},
		CommandTimeoutMs: 5000,
		Permissions:      map[string]string{},
		DefaultMode:      "default",
	}
	mock := &llm.MockAdapter{Script: script}
	executor := tools.NewExecutor(tools.NewRegistry(cfg), cfg.Permissions, nil)

	return Options{
		Store:       store,
		Model:       "test-model",
		DefaultMode: "default",
		NewAgent: func(sess *session.Session, callbacks agent.Callbacks) *agent.Agent {
			return agent.New(cfg, mock, executor, store, sess, callbacks)
		},
	}
}

// drive runs the server over in-memory pipes and returns every JSON
// message it wrote.
func drive(t *testing.T, opts Options, requests ...string) []map[string]any {
	t.Helper()
	in := bufio.NewReader(strings.NewReader(strings.Join(requests, "\n") + "\n"))
	var buf bytes.Buffer
	out := bufio.NewWriter(&buf)

	if err := Run(context.Background(), opts, in, out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var messages []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("non-JSON output line %q: %v", line, err)
		}
		messages = append(messages, msg)
	}
	return messages
}

func TestInitialize(t *testing.T) {
	msgs := drive(t, testOptions(t, nil),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	result, ok := msgs[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result in %v", msgs[0])
	}
	caps, _ := result["agentCapabilities"].(map[string]any)
	if caps["loadSession"] != true {
		t.Errorf("loadSession capability missing: %v", caps)
	}
}

func TestPromptStreamsUpdates(t *testing.T) {
	script := []llm.ScriptedResponse{{Events: []llm.Event{
		{Kind: llm.EventTextDelta, Text: "hello "},
		{Kind: llm.EventTextDelta, Text: "editor"},
		{Kind: llm.EventFinish, Reason: llm.FinishStop},
	}}}
	opts := testOptions(t, script)

	msgs := drive(t, opts,
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp"}}`,
		// The session ID is unknown up front; resolved below.
	)
	result := msgs[0]["result"].(map[string]any)
	sid, _ := result["sessionId"].(string)
	if sid == "" {
		t.Fatalf("no session id in %v", msgs[0])
	}

	prompt := fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"%s","prompt":[{"type":"text","text":"hi"}]}}`, sid)
	// Fresh server against the same store; load the session first.
	load := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"%s"}}`, sid)
	msgs = drive(t, opts, load, prompt)

	var chunks []string
	var sawEndTurn bool
	for _, msg := range msgs {
		if result, ok := msg["result"].(map[string]any); ok {
			if result["stopReason"] == "end_turn" {
				sawEndTurn = true
			}
			continue
		}
		params, _ := msg["params"].(map[string]any)
		if params == nil {
			continue
		}
		update, _ := params["update"].(map[string]any)
		if update["sessionUpdate"] == "agent_message_chunk" {
			content := update["content"].(map[string]any)
			chunks = append(chunks, content["text"].(string))
		}
	}
	if strings.Join(chunks, "") != "hello editor" {
		t.Errorf("chunks = %v", chunks)
	}
	if !sawEndTurn {
		t.Errorf("prompt response missing stopReason end_turn")
	}
}

func TestPromptUnknownSession(t *testing.T) {
	msgs := drive(t, testOptions(t, nil),
		`{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"nope","prompt":[]}}`)
	if _, ok := msgs[0]["error"].(map[string]any); !ok {
		t.Errorf("expected an error response, got %v", msgs[0])
	}
}

func TestUnknownMethod(t *testing.T) {
	msgs := drive(t, testOptions(t, nil),
		`{"jsonrpc":"2.0","id":1,"method":"session/teleport"}`)
	errObj, ok := msgs[0]["error"].(map[string]any)
	if !ok || errObj["code"].(float64) != -32601 {
		t.Errorf("want method-not-found, got %v", msgs[0])
	}
}

func TestSessionLoadReplaysHistory(t *testing.T) {
	opts := testOptions(t, nil)
	sess := session.New("test-model", "default")
	if err := opts.Store.Create(sess, "/tmp"); err != nil {
		t.Fatal(err)
	}
	turns := []session.Turn{
		session.NewUserTurn("list files"),
		session.NewAssistantTurn("", []session.ToolCall{{ID: "c1", Name: "list_directory", Args: map[string]interface{}{"path": "."}}}, session.Usage{}, 0),
		session.NewToolTurn("c1", "main.go", false, 0),
		session.NewAssistantTurn("just main.go", nil, session.Usage{}, 0),
	}
	for _, turn := range turns {
		if err := opts.Store.AppendTurn(sess.ID, turn); err != nil {
			t.Fatal(err)
		}
	}

	load := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"session/load","params":{"sessionId":"%s"}}`, sess.ID)
	msgs := drive(t, opts, load)

	var kinds []string
	for _, msg := range msgs {
		params, _ := msg["params"].(map[string]any)
		if params == nil {
			continue
		}
		update, _ := params["update"].(map[string]any)
		if kind, ok := update["sessionUpdate"].(string); ok {
			kinds = append(kinds, kind)
		}
	}
	want := []string{"user_message_chunk", "tool_call", "tool_result", "agent_message_chunk"}
	if len(kinds) != len(want) {
		t.Fatalf("replay kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("replay kinds = %v, want %v", kinds, want)
		}
	}
}

func TestExtractUserText(t *testing.T) {
	got := extractUserText([]contentBlock{
		{Type: "text", Text: "fix the bug"},
		{Type: "text", Text: "   "},
		{Type: "image"},
	})
	if got != "fix the bug" {
		t.Errorf("got %q", got)
	}
}

func TestExtractUserTextInlinesFileResource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("remember the milk"), 0644); err != nil {
		t.Fatal(err)
	}

	got := extractUserText([]contentBlock{
		{Type: "resource_link", Name: "notes.txt", URI: "file://" + path},
	})
	if !strings.Contains(got, "remember the milk") {
		t.Errorf("file contents not inlined: %q", got)
	}
	if !strings.Contains(got, "=== Resource: notes.txt ===") {
		t.Errorf("resource header missing: %q", got)
	}
}

// Package acp implements the Agent Client Protocol server for editor
// integration: JSON-RPC 2.0 over stdio, newline-delimited.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quillworks/quill/agent"
	"github.com/quillworks/quill/session"
	"github.com/quillworks/quill/tools"
)

// Options wires the server to the rest of the application.
type Options struct {
	Store *session.Store
	// Model and DefaultMode seed new sessions.
	Model       string
	DefaultMode string
	// NewAgent builds an orchestrator bound to a session and callback set.
	NewAgent func(sess *session.Session, callbacks agent.Callbacks) *agent.Agent
	// Trace appends protocol traffic to .quill/trace.log for debugging.
	Trace bool
}

// Run serves the protocol until stdin closes. Supported methods:
//
//   - initialize
//   - session/new
//   - session/load (replays history via session/update notifications)
//   - session/prompt (streams agent_message_chunk, tool_call, tool_result)
//   - session/set_mode
//
// Only JSON-RPC messages go to stdout; diagnostics go to the trace file.
func Run(ctx context.Context, opts Options, in *bufio.Reader, out *bufio.Writer) error {
	trace := func(string) {}
	if opts.Trace {
		_ = os.MkdirAll(".quill", 0755)
		traceFile, err := os.OpenFile(filepath.Join(".quill", "trace.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer traceFile.Close()
			trace = func(msg string) {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	trace("Run: starting ACP server")
	server := &acpServer{
		ctx:    ctx,
		opts:   opts,
		agents: make(map[string]*agent.Agent),
		in:     in,
		out:    out,
		trace:  trace,
	}

	for {
		payload, err := server.readMessage()
		if err != nil {
			if err == io.EOF {
				trace("Run: EOF received, exiting")
				return nil
			}
			trace(fmt.Sprintf("Run: read error: %v", err))
			return fmt.Errorf("ACP: read error: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		trace(fmt.Sprintf("Run: received payload: %s", string(payload)))
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = server.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}

		switch req.Method {
		case "initialize":
			server.handleInitialize(&req)
		case "session/new":
			server.handleSessionNew(&req)
		case "session/load":
			server.handleSessionLoad(&req)
		case "session/prompt":
			server.handleSessionPrompt(&req)
		case "session/set_mode":
			server.handleSetMode(&req)
		default:
			trace(fmt.Sprintf("Run: method not found: %s", req.Method))
			_ = server.writeResponseError(req.ID, -32601, "Method not found", nil)
		}
	}
}

// ---- JSON-RPC message types ----

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ---- acpServer ----

type acpServer struct {
	ctx  context.Context
	opts Options

	agentsLock sync.Mutex
	agents     map[string]*agent.Agent

	in        *bufio.Reader
	out       *bufio.Writer
	writeLock sync.Mutex
	trace     func(string)
}

// readMessage reads one newline-delimited JSON-RPC payload.
func (s *acpServer) readMessage() ([]byte, error) {
	line, _, err := s.in.ReadLine()
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *acpServer) writeJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to serialize JSON-RPC message: %w", err)
	}
	s.trace(fmt.Sprintf("writeJSON: %s", string(data)))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if _, err := s.out.WriteString("\n"); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *acpServer) writeResponseOK(id any, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.writeJSON(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *acpServer) writeNotification(method string, params any) error {
	return s.writeJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// decodeParams remarshals the loosely typed params into the handler's own
// parameter struct.
func decodeParams(params any, dst any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// ---- Handlers ----

func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	s.trace("handleInitialize: starting")
	resp := map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"modes":       []string{string(agent.ModeDefault), string(agent.ModePlan), string(agent.ModeAutoApprove)},
		"authMethods": []any{},
	}
	_ = s.writeResponseOK(req.ID, resp)
}

func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	s.trace("handleSessionNew: starting")
	var p struct {
		Cwd string `json:"cwd"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	sess := session.New(s.opts.Model, s.opts.DefaultMode)
	cwd := p.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if err := s.opts.Store.Create(sess, cwd); err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: create failed: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", err.Error())
		return
	}

	s.registerAgent(sess)
	s.trace(fmt.Sprintf("handleSessionNew: created session %s", sess.ID))
	_ = s.writeResponseOK(req.ID, map[string]any{"sessionId": sess.ID})
}

func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	s.trace("handleSessionLoad: starting")
	var p struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	loader, err := s.opts.Store.LoadSessionIncremental(p.SessionID)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionLoad: load failed: %v", err))
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	for _, warning := range loader.Warnings() {
		s.trace(fmt.Sprintf("handleSessionLoad: warning: %v", warning))
	}

	sess := loader.Session()

	// Replay history batch by batch so a long transcript streams to the
	// client instead of landing in one giant message.
	for i := 0; i < loader.NumBatches(); i++ {
		turns, err := loader.Batch(i)
		if err != nil {
			s.trace(fmt.Sprintf("handleSessionLoad: batch %d: %v", i, err))
			continue
		}
		for _, turn := range turns {
			sess.AddTurn(turn)
			s.replayTurn(p.SessionID, turn)
		}
	}

	s.registerAgent(sess)
	s.trace(fmt.Sprintf("handleSessionLoad: replayed %d turns", len(sess.Turns)))
	_ = s.writeResponseOK(req.ID, nil)
}

func (s *acpServer) replayTurn(sessionID string, turn session.Turn) {
	switch turn.Role {
	case session.RoleUser:
		_ = s.sendChunk(sessionID, "user_message_chunk", turn.Content)
	case session.RoleAssistant:
		if turn.Content != "" {
			_ = s.sendChunk(sessionID, "agent_message_chunk", turn.Content)
		}
		for _, tc := range turn.ToolCalls {
			_ = s.sendToolCall(sessionID, tc)
		}
	case session.RoleTool:
		_ = s.sendToolResult(sessionID, tools.Result{
			CallID:  turn.ToolCallID,
			Output:  turn.Content,
			IsError: turn.IsError,
		})
	}
}

func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	s.trace("handleSessionPrompt: starting")
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}

	a := s.lookupAgent(p.SessionID)
	if a == nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	userText := extractUserText(p.Prompt)
	s.trace(fmt.Sprintf("handleSessionPrompt: %q", userText))

	if err := a.RunTurn(s.ctx, userText); err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: turn failed: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, map[string]any{"stopReason": "end_turn"})
}

func (s *acpServer) handleSetMode(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
		Mode      string `json:"mode"`
	}
	if err := decodeParams(req.Params, &p); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	a := s.lookupAgent(p.SessionID)
	if a == nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}
	if err := a.SetMode(agent.Mode(p.Mode)); err != nil {
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, nil)
}

// registerAgent builds an orchestrator for the session with callbacks that
// stream session/update notifications, and caches it by session ID.
func (s *acpServer) registerAgent(sess *session.Session) {
	sid := sess.ID
	callbacks := agent.Callbacks{
		OnTextDelta: func(text string) {
			_ = s.sendChunk(sid, "agent_message_chunk", text)
		},
		OnToolCallStart: func(call session.ToolCall) {
			_ = s.sendToolCall(sid, call)
		},
		OnToolCallEnd: func(res tools.Result) {
			_ = s.sendToolResult(sid, res)
		},
		OnModeChange: func(mode agent.Mode) {
			_ = s.writeNotification("session/update", map[string]any{
				"sessionId": sid,
				"update": map[string]any{
					"sessionUpdate": "mode",
					"mode":          string(mode),
				},
			})
		},
		OnWarning: func(warning string) {
			s.trace(fmt.Sprintf("warning: %s", warning))
		},
		// The editor gates mutating actions on its side; the server runs
		// ask-gated tools without an extra round trip.
		Approver: func(call session.ToolCall) bool { return true },
	}

	s.agentsLock.Lock()
	s.agents[sid] = s.opts.NewAgent(sess, callbacks)
	s.agentsLock.Unlock()
}

func (s *acpServer) lookupAgent(sessionID string) *agent.Agent {
	s.agentsLock.Lock()
	defer s.agentsLock.Unlock()
	return s.agents[sessionID]
}

// ---- Notifications ----

func (s *acpServer) sendChunk(sessionID, kind, text string) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": kind,
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

func (s *acpServer) sendToolCall(sessionID string, call session.ToolCall) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":   call.ID,
				"name": call.Name,
				"args": call.Args,
			},
		},
	})
}

func (s *acpServer) sendToolResult(sessionID string, res tools.Result) error {
	return s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": res.CallID,
				"result":     res.Output,
				"isError":    res.IsError,
			},
		},
	})
}

// ---- Prompt content ----

// contentBlock is one element of an ACP prompt. Text and resource_link
// blocks are handled; other types are ignored.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// resource_link fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

const maxInlineResource = 50000

// extractUserText flattens content blocks into the single prompt string the
// orchestrator consumes. file:// resource links are inlined up to a size
// cap.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			info := fmt.Sprintf("=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				info += fmt.Sprintf("Title: %s\n", b.Title)
			}
			if b.Description != "" {
				info += fmt.Sprintf("Description: %s\n", b.Description)
			}
			info += fmt.Sprintf("URI: %s\n", b.URI)
			if b.MimeType != "" {
				info += fmt.Sprintf("Type: %s\n", b.MimeType)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					info += fmt.Sprintf("\n[Error reading file: %v]\n", err)
				} else {
					if len(content) > maxInlineResource {
						content = content[:maxInlineResource] + "\n\n[... truncated ...]"
					}
					info += fmt.Sprintf("\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				info += "\n[External resource - content not available]\n"
			}
			info += "=== End Resource ===\n"
			parts = append(parts, info)
		}
	}
	return strings.Join(parts, "\n")
}

func readFileFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsed.Scheme)
	}
	content, err := os.ReadFile(parsed.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}

package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quillworks/quill/agent"
	"github.com/quillworks/quill/session"
	"github.com/quillworks/quill/tools"
)

// Terminal handles the terminal/CLI interaction mode for the agent.
type Terminal struct {
	agent *agent.Agent
	in    *bufio.Reader
	out   io.Writer
}

// New creates a Terminal reading from stdin and writing to stdout. The
// agent is attached after construction since it needs the terminal's
// callbacks first.
func New() *Terminal {
	return &Terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
	}
}

// Attach binds the agent driving this terminal.
func (t *Terminal) Attach(a *agent.Agent) { t.agent = a }

// Callbacks returns the callback set an agent bound to this terminal
// should be constructed with.
func (t *Terminal) Callbacks() agent.Callbacks {
	return agent.Callbacks{
		OnTextDelta: func(text string) {
			fmt.Fprint(t.out, text)
		},
		OnToolCallStart: func(call session.ToolCall) {
			fmt.Fprintf(t.out, "\n[tool] %s %v\n", call.Name, call.Args)
		},
		OnToolCallEnd: func(res tools.Result) {
			if res.IsError {
				fmt.Fprintf(t.out, "[tool] %s failed: %s\n", res.Name, firstLine(res.Output))
			}
		},
		OnModeChange: func(mode agent.Mode) {
			fmt.Fprintf(t.out, "Mode: %s\n", mode)
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
		Approver: func(call session.ToolCall) bool {
			fmt.Fprintf(t.out, "Allow %s with args %v? (y/n): ", call.Name, call.Args)
			answer, err := t.in.ReadString('\n')
			if err != nil {
				return false
			}
			return strings.TrimSpace(strings.ToLower(answer)) == "y"
		},
	}
}

// Run starts the interactive session. An initial prompt from the command
// line, if any, runs first. Prompts and approval answers come through the
// same reader, so a buffered read here never swallows an approval line.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		line, readErr := t.in.ReadString('\n')
		input := strings.TrimSpace(line)
		if input != "" {
			if strings.HasPrefix(input, "/") {
				if quit := t.handleCommand(input); quit {
					return nil
				}
			} else if err := t.processTurn(ctx, input); err != nil {
				fmt.Fprintf(t.out, "Error: %v\n", err)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// handleCommand processes slash commands. Returns true when the session
// should end.
func (t *Terminal) handleCommand(input string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/mode":
		if len(fields) != 2 {
			fmt.Fprintf(t.out, "Mode: %s (usage: /mode default|plan|auto-approve)\n", t.agent.Mode())
			return false
		}
		if err := t.agent.SetMode(agent.Mode(fields[1])); err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
		}
	case "/usage":
		usage := t.agent.Session().TotalUsage
		fmt.Fprintf(t.out, "Tokens: %d prompt, %d completion\n", usage.PromptTokens, usage.CompletionTokens)
	default:
		fmt.Fprintf(t.out, "Unknown command %s\n", fields[0])
	}
	return false
}

func (t *Terminal) processTurn(ctx context.Context, input string) error {
	err := t.agent.RunTurn(ctx, input)
	fmt.Fprintln(t.out)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

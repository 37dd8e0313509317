// Package terminal implements the interactive command-line frontend for
// quill.
//
// The terminal owns stdin and stdout: it streams assistant text as it
// arrives, announces tool calls, prompts for approval of ask-gated tools,
// and accepts slash commands between turns:
//
//   - /mode default|plan|auto-approve switches the session mode
//   - /usage prints the session's token totals
//   - /quit or /exit ends the session
//
// The terminal is one of two frontends over the same orchestrator; the
// other is the protocol server in agent/acp for editor integration.
package terminal

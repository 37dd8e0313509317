// Package agent implements the turn-taking orchestrator at the core of
// quill.
//
// The orchestrator is frontend-agnostic: it reports progress through the
// Callbacks structure, so the same loop serves both the terminal frontend
// (agent/terminal) and the protocol server for editor integration
// (agent/acp). A turn moves through a small state machine:
//
//	Idle -> AwaitingBackend -> ProcessingResponse -> ExecutingTools
//	                ^                                      |
//	                +--------------------------------------+
//
// The loop exits to Idle when the model finishes a response without
// requesting tools. Each completed turn is appended to the session log
// before the loop continues, so an interrupt or crash loses at most the
// exchange in flight.
//
// Session modes adjust permission gating without touching configured
// policies: plan denies ask-gated mutating tools, auto-approve runs
// ask-gated tools without prompting, and default applies policies as
// written.
package agent

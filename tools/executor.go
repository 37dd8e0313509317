package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

// Permission is the gating level for a tool.
type Permission string

const (
	PermissionAlways Permission = "always"
	PermissionAsk    Permission = "ask"
	PermissionNever  Permission = "never"
)

// MaxOutputBytes caps tool output before it is recorded and sent back to
// the model. Anything beyond the cap is dropped with an explicit marker.
const MaxOutputBytes = 30000

// Approver decides ask-gated calls. Implementations prompt the user (or a
// frontend) and return false to deny.
type Approver func(call session.ToolCall) bool

// Result is the outcome of one tool invocation. Failed calls carry their
// diagnostic in Output with IsError set; the conversation continues either
// way.
type Result struct {
	CallID   string
	Name     string
	Output   string
	IsError  bool
	Duration time.Duration
}

// Executor runs tool calls through permission gating, argument validation
// and output truncation.
type Executor struct {
	registry *Registry
	policies map[string]string
	approver Approver
}

func NewExecutor(registry *Registry, policies map[string]string, approver Approver) *Executor {
	if policies == nil {
		policies = map[string]string{}
	}
	return &Executor{registry: registry, policies: policies, approver: approver}
}

// Permission resolves the configured gating level for a tool. Tools without
// an explicit policy default to ask.
func (e *Executor) Permission(name string) Permission {
	switch e.policies[name] {
	case string(PermissionAlways):
		return PermissionAlways
	case string(PermissionNever):
		return PermissionNever
	default:
		return PermissionAsk
	}
}

// Registry exposes the executor's registry for schema export.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs a single call under the given effective permission. The
// caller resolves mode adjustments (plan, auto-approve) before passing perm.
// Denied and failed calls never reach the tool's Execute method when the
// denial or validation failure happens first, so they have no side effects.
func (e *Executor) Execute(ctx context.Context, call session.ToolCall, perm Permission) Result {
	start := time.Now()
	fail := func(err error) Result {
		return Result{
			CallID:   call.ID,
			Name:     call.Name,
			Output:   err.Error(),
			IsError:  true,
			Duration: time.Since(start),
		}
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return fail(&errors.ToolExecutionError{Tool: call.Name, Message: "unknown tool"})
	}

	switch perm {
	case PermissionNever:
		return fail(&errors.ToolPermissionDenied{Tool: call.Name, Reason: "denied by policy"})
	case PermissionAsk:
		if e.approver == nil || !e.approver(call) {
			return fail(&errors.ToolPermissionDenied{Tool: call.Name, Reason: "denied by user"})
		}
	}

	if err := validateArgs(tool.Schema(), call.Args); err != nil {
		return fail(&errors.ToolExecutionError{Tool: call.Name, Message: "invalid arguments", Cause: err})
	}

	output, err := tool.Execute(ctx, call.Args)
	if err != nil {
		return fail(&errors.ToolExecutionError{Tool: call.Name, Message: "execution failed", Cause: err})
	}
	return Result{
		CallID:   call.ID,
		Name:     call.Name,
		Output:   truncateOutput(output),
		Duration: time.Since(start),
	}
}

// truncateOutput bounds tool output, keeping the head and noting how much
// was dropped.
func truncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	head := strings.ToValidUTF8(s[:MaxOutputBytes], "")
	return head + fmt.Sprintf("\n[output truncated: %d bytes omitted]", len(s)-MaxOutputBytes)
}

package agent

import (
	"context"
	"sync"
	"time"

	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/llm"
	"github.com/quillworks/quill/session"
	"github.com/quillworks/quill/tools"
)

// State is the orchestrator's position in the turn-taking cycle.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingBackend    State = "awaiting_backend"
	StateProcessingResponse State = "processing_response"
	StateExecutingTools     State = "executing_tools"
)

// Mode adjusts permission gating for a whole session.
//
//   - ModeDefault: configured policies apply as written.
//   - ModePlan: ask-gated mutating tools are denied, so the model can read
//     and plan but not change anything.
//   - ModeAutoApprove: ask-gated tools run without prompting.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModePlan        Mode = "plan"
	ModeAutoApprove Mode = "auto-approve"
)

const maxParallelTools = 4

const defaultSystemPrompt = "You are quill, a coding agent running in the user's terminal. " +
	"Use the available tools to inspect and modify the project. " +
	"Prefer small, verifiable steps and report what you changed."

// Callbacks let a frontend observe and steer a turn without the orchestrator
// knowing whether it talks to a terminal or a protocol server. Nil fields
// are skipped.
type Callbacks struct {
	OnTextDelta     func(text string)
	OnToolCallStart func(call session.ToolCall)
	OnToolCallEnd   func(result tools.Result)
	OnTurnComplete  func(turn session.Turn)
	OnModeChange    func(mode Mode)
	OnWarning       func(warning string)
	// Approver resolves ask-gated tool calls. Consulted one call at a
	// time, in issue order, before any gated call runs.
	Approver tools.Approver
}

// Agent drives the conversation loop: send the transcript to the backend,
// stream the response out through callbacks, execute any tool calls, feed
// the results back, repeat until the model stops asking for tools.
type Agent struct {
	cfg       *config.Config
	adapter   llm.Adapter
	executor  *tools.Executor
	store     *session.Store
	callbacks Callbacks

	mu    sync.Mutex
	sess  *session.Session
	state State
	mode  Mode
}

func New(cfg *config.Config, adapter llm.Adapter, executor *tools.Executor, store *session.Store, sess *session.Session, callbacks Callbacks) *Agent {
	mode := Mode(sess.Mode)
	if mode == "" {
		mode = ModeDefault
	}
	return &Agent{
		cfg:       cfg,
		adapter:   adapter,
		executor:  executor,
		store:     store,
		callbacks: callbacks,
		sess:      sess,
		state:     StateIdle,
		mode:      mode,
	}
}

func (a *Agent) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SetMode switches the session mode. The mode record is persisted before
// the in-memory switch so a resume after a crash never sees a newer mode
// than the log does.
func (a *Agent) SetMode(mode Mode) error {
	switch mode {
	case ModeDefault, ModePlan, ModeAutoApprove:
	default:
		return errors.New("unknown mode '%s'", mode)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.store.AppendMode(a.sess.ID, string(mode)); err != nil {
		return err
	}
	a.mode = mode
	a.sess.Mode = string(mode)
	if a.callbacks.OnModeChange != nil {
		a.callbacks.OnModeChange(mode)
	}
	return nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// RunTurn processes one user input to completion: backend round trips and
// tool executions until the model finishes without tool calls, or until the
// context is canceled or the backend fails. On backend failure nothing from
// the failed exchange is persisted; the session stays resumable.
func (a *Agent) RunTurn(ctx context.Context, input string) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return errors.New("a turn is already in progress")
	}
	a.state = StateAwaitingBackend
	a.mu.Unlock()
	defer a.setState(StateIdle)

	userTurn := session.NewUserTurn(input)
	transcript := append(a.snapshotTurns(), userTurn)
	userPersisted := false

	for {
		es, err := a.adapter.StreamCompletion(ctx, a.withSystemPrompt(transcript), a.toolSchemas())
		if err != nil {
			return err
		}

		assistant, calls, err := a.consumeStream(es)
		if err != nil {
			return err
		}

		a.setState(StateProcessingResponse)

		// The exchange is now known good; persist the user turn once,
		// then the assistant turn, in order.
		if !userPersisted {
			if err := a.appendTurn(userTurn); err != nil {
				return err
			}
			userPersisted = true
		}
		if err := a.appendTurn(assistant); err != nil {
			return err
		}
		transcript = append(transcript, assistant)

		if len(calls) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		a.setState(StateExecutingTools)
		results := a.executeCalls(ctx, calls)
		for _, res := range results {
			toolTurn := session.NewToolTurn(res.CallID, res.Output, res.IsError, res.Duration)
			if err := a.appendTurn(toolTurn); err != nil {
				return err
			}
			transcript = append(transcript, toolTurn)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		a.setState(StateAwaitingBackend)
	}
}

// consumeStream drains one backend response, forwarding text deltas and
// assembling tool calls. The assistant turn is only built if the stream
// completes cleanly.
func (a *Agent) consumeStream(es *llm.EventStream) (session.Turn, []llm.AssembledCall, error) {
	start := time.Now()
	var text string
	var usage session.Usage
	assembler := llm.NewToolCallAssembler()

	for {
		ev, ok := es.Recv()
		if !ok {
			break
		}
		switch ev.Kind {
		case llm.EventTextDelta:
			text += ev.Text
			if a.callbacks.OnTextDelta != nil {
				a.callbacks.OnTextDelta(ev.Text)
			}
		case llm.EventToolCallDelta:
			assembler.Add(ev)
		case llm.EventUsage:
			if ev.Usage != nil {
				usage = usage.Add(*ev.Usage)
			}
		}
	}
	if err := es.Err(); err != nil {
		return session.Turn{}, nil, err
	}

	calls := assembler.Finish()
	sessionCalls := make([]session.ToolCall, 0, len(calls))
	for _, ac := range calls {
		sessionCalls = append(sessionCalls, ac.Call)
	}
	assistant := session.NewAssistantTurn(text, sessionCalls, usage, time.Since(start))
	return assistant, calls, nil
}

// executeCalls runs the assembled calls with bounded parallelism. Results
// come back in issue order regardless of completion order. Approvals for
// ask-gated calls are resolved sequentially up front, so the user is never
// prompted concurrently.
func (a *Agent) executeCalls(ctx context.Context, calls []llm.AssembledCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	perms := make([]tools.Permission, len(calls))

	for i, ac := range calls {
		if a.callbacks.OnToolCallStart != nil {
			a.callbacks.OnToolCallStart(ac.Call)
		}
		perm := a.effectivePermission(ac.Call.Name)
		if perm == tools.PermissionAsk {
			if a.callbacks.Approver != nil && a.callbacks.Approver(ac.Call) {
				perm = tools.PermissionAlways
			} else {
				perm = tools.PermissionNever
			}
		}
		perms[i] = perm
	}

	sem := make(chan struct{}, maxParallelTools)
	var wg sync.WaitGroup
	for i, ac := range calls {
		if ac.ParseErr != nil {
			// The model produced unparseable arguments; report it back
			// without executing anything.
			results[i] = tools.Result{
				CallID:  ac.Call.ID,
				Name:    ac.Call.Name,
				Output:  errors.Wrapf(ac.ParseErr, "invalid tool arguments").Error(),
				IsError: true,
			}
			continue
		}
		wg.Add(1)
		go func(i int, call session.ToolCall, perm tools.Permission) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.executor.Execute(ctx, call, perm)
		}(i, ac.Call, perms[i])
	}
	wg.Wait()

	if a.callbacks.OnToolCallEnd != nil {
		for _, res := range results {
			a.callbacks.OnToolCallEnd(res)
		}
	}
	return results
}

// effectivePermission applies the session mode on top of the configured
// policy for one tool.
func (a *Agent) effectivePermission(name string) tools.Permission {
	perm := a.executor.Permission(name)
	mode := a.Mode()

	switch mode {
	case ModeAutoApprove:
		if perm == tools.PermissionAsk {
			return tools.PermissionAlways
		}
	case ModePlan:
		tool, ok := a.executor.Registry().Get(name)
		mutates := !ok || tool.Mutates()
		if perm == tools.PermissionAsk && mutates {
			return tools.PermissionNever
		}
	}
	return perm
}

func (a *Agent) snapshotTurns() []session.Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Turn, len(a.sess.Turns))
	copy(out, a.sess.Turns)
	return out
}

func (a *Agent) withSystemPrompt(transcript []session.Turn) []session.Turn {
	out := make([]session.Turn, 0, len(transcript)+1)
	out = append(out, session.Turn{Role: session.RoleSystem, Content: defaultSystemPrompt})
	return append(out, transcript...)
}

func (a *Agent) toolSchemas() []llm.ToolSchema {
	var schemas []llm.ToolSchema
	for _, t := range a.executor.Registry().List() {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return schemas
}

// appendTurn records a completed turn in memory and in the log. The write
// is synchronous; when it returns, the turn is durable.
func (a *Agent) appendTurn(turn session.Turn) error {
	a.mu.Lock()
	a.sess.AddTurn(turn)
	id := a.sess.ID
	a.mu.Unlock()

	if err := a.store.AppendTurn(id, turn); err != nil {
		return errors.Wrapf(err, "failed to persist turn")
	}
	if a.callbacks.OnTurnComplete != nil {
		a.callbacks.OnTurnComplete(turn)
	}
	return nil
}

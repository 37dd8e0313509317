package llm

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

// EventKind identifies a canonical event variant.
type EventKind string

const (
	// EventTextDelta carries a fragment of assistant text.
	EventTextDelta EventKind = "text_delta"
	// EventToolCallDelta carries a fragment of a tool call. The first
	// fragment for an index announces the call ID and name; later fragments
	// append argument text.
	EventToolCallDelta EventKind = "tool_call_delta"
	// EventUsage carries token counts, typically once near the end.
	EventUsage EventKind = "usage"
	// EventFinish terminates the stream with the provider's stop reason.
	EventFinish EventKind = "finish"
)

// FinishReason is the normalized stop reason.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Event is the canonical representation of one streamed backend fragment,
// independent of provider dialect.
type Event struct {
	Kind EventKind

	// EventTextDelta
	Text string

	// EventToolCallDelta
	Index        int
	CallID       string
	Name         string
	ArgsFragment string

	// EventUsage
	Usage *session.Usage

	// EventFinish
	Reason FinishReason
}

// EventStream is a finite, single-pass forward iterator over canonical
// events, produced incrementally as network bytes arrive. It is not
// restartable.
type EventStream struct {
	ch   chan Event
	done chan struct{}
	err  error
}

func newEventStream() *EventStream {
	return &EventStream{
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Recv returns the next event. ok is false once the stream is exhausted;
// check Err afterwards to distinguish completion from failure.
func (s *EventStream) Recv() (Event, bool) {
	ev, ok := <-s.ch
	return ev, ok
}

// Err returns the terminal error, if any. Valid after Recv reports ok=false.
func (s *EventStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// send delivers one event to the consumer. Producers only.
func (s *EventStream) send(ev Event) { s.ch <- ev }

// close terminates the stream, recording err as its terminal state.
func (s *EventStream) close(err error) {
	s.err = err
	close(s.done)
	close(s.ch)
}

// replayResponse plays a complete, already-materialized response through the
// canonical event interface so non-streaming providers and streaming ones
// share one consumer code path.
func replayResponse(es *EventStream, text string, calls []session.ToolCall, usage session.Usage, reason FinishReason) {
	if text != "" {
		es.send(Event{Kind: EventTextDelta, Text: text})
	}
	for i, call := range calls {
		args := "{}"
		if call.Args != nil {
			if data, err := json.Marshal(call.Args); err == nil {
				args = string(data)
			}
		}
		es.send(Event{
			Kind:         EventToolCallDelta,
			Index:        i,
			CallID:       call.ID,
			Name:         call.Name,
			ArgsFragment: args,
		})
	}
	es.send(Event{Kind: EventUsage, Usage: &usage})
	if reason == "" {
		if len(calls) > 0 {
			reason = FinishToolCalls
		} else {
			reason = FinishStop
		}
	}
	es.send(Event{Kind: EventFinish, Reason: reason})
	es.close(nil)
}

// AssembledCall is a tool call reconstructed from stream fragments. ParseErr
// is set when the accumulated argument text is not valid JSON; such calls
// must be rejected with a descriptive failure instead of executed.
type AssembledCall struct {
	Call     session.ToolCall
	RawArgs  string
	ParseErr error
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// ToolCallAssembler reconstructs complete tool calls from per-index
// fragments. Providers diverge on fragmentation: some send a complete call
// per chunk, others announce the ID and name once and then stream argument
// text keyed only by index. Accumulation per index until the stream's
// finish signal handles both.
type ToolCallAssembler struct {
	byIndex map[int]*partialCall
}

// NewToolCallAssembler returns an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{byIndex: make(map[int]*partialCall)}
}

// Add folds one EventToolCallDelta into the assembler. Events of other
// kinds are ignored so callers can feed the whole stream through.
func (a *ToolCallAssembler) Add(ev Event) {
	if ev.Kind != EventToolCallDelta {
		return
	}
	pc, ok := a.byIndex[ev.Index]
	if !ok {
		pc = &partialCall{index: ev.Index}
		a.byIndex[ev.Index] = pc
	}
	if ev.CallID != "" {
		pc.id = ev.CallID
	}
	if ev.Name != "" {
		pc.name = ev.Name
	}
	pc.args.WriteString(ev.ArgsFragment)
}

// Empty reports whether no tool-call fragments were seen.
func (a *ToolCallAssembler) Empty() bool { return len(a.byIndex) == 0 }

// Finish returns the reconstructed calls in index order. The argument
// payload of each call equals the concatenation of its fragments in
// emission order.
func (a *ToolCallAssembler) Finish() []AssembledCall {
	partials := make([]*partialCall, 0, len(a.byIndex))
	for _, pc := range a.byIndex {
		partials = append(partials, pc)
	}
	sort.Slice(partials, func(i, j int) bool { return partials[i].index < partials[j].index })

	calls := make([]AssembledCall, 0, len(partials))
	for _, pc := range partials {
		raw := pc.args.String()
		ac := AssembledCall{
			Call:    session.ToolCall{ID: pc.id, Name: pc.name},
			RawArgs: raw,
		}
		if raw == "" {
			ac.Call.Args = map[string]interface{}{}
		} else if err := json.Unmarshal([]byte(raw), &ac.Call.Args); err != nil {
			ac.ParseErr = errors.Wrapf(err, "tool call %s: argument payload is not valid JSON", pc.name)
		}
		calls = append(calls, ac)
	}
	return calls
}

// Package llm normalizes divergent streaming chat-completion wire formats
// into one canonical event stream. One Adapter implementation exists per
// provider dialect; the implementation is selected once when the model
// configuration is resolved, never re-dispatched per call.
package llm

import (
	"context"

	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

// ToolSchema describes a tool to the model: name, natural-language
// description, and a JSON-Schema argument object.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ModelConfig is the static description of one provider/model pair.
type ModelConfig struct {
	// Dialect selects the wire format: "openai", "anthropic", "gemini",
	// "bedrock".
	Dialect string
	// Model is the provider's model identifier.
	Model string
	// APIBase overrides the provider's default endpoint when set.
	APIBase string
	// APIKeyEnv names the environment variable holding the bearer token.
	// Empty means the dialect's conventional variable.
	APIKeyEnv string
	// Streaming disables the SSE path when false; the adapter then issues a
	// single blocking request and replays it through the same event
	// interface.
	Streaming bool
	// MaxTokens caps the completion length where the dialect requires an
	// explicit value. Zero means the adapter default.
	MaxTokens int
}

// Adapter translates one provider's wire dialect into canonical events.
type Adapter interface {
	// Provider returns the dialect tag, for error attribution.
	Provider() string
	// StreamCompletion sends the conversation and tool schemas to the
	// backend and returns a finite single-pass event stream. Network,
	// authentication and rate-limit failures surface through the stream's
	// Err as distinct kinds from the errors package.
	StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error)
}

// NewAdapter resolves a ModelConfig to its dialect's adapter.
func NewAdapter(ctx context.Context, cfg ModelConfig) (Adapter, error) {
	switch cfg.Dialect {
	case "openai":
		return NewOpenAIAdapter(cfg)
	case "anthropic":
		return NewAnthropicAdapter(cfg)
	case "gemini":
		return NewGeminiAdapter(ctx, cfg)
	case "bedrock":
		return NewBedrockAdapter(ctx, cfg)
	default:
		return nil, errors.New("unknown provider dialect '%s'", cfg.Dialect)
	}
}

// ScriptedResponse is one canned turn for the MockAdapter.
type ScriptedResponse struct {
	Events []Event
	Err    error
}

// MockAdapter replays scripted event sequences. Test use only.
type MockAdapter struct {
	Script []ScriptedResponse
	// Calls records the conversation snapshot of every StreamCompletion
	// invocation.
	Calls [][]session.Turn
}

func (m *MockAdapter) Provider() string { return "mock" }

func (m *MockAdapter) StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error) {
	snapshot := make([]session.Turn, len(turns))
	copy(snapshot, turns)
	m.Calls = append(m.Calls, snapshot)

	if len(m.Script) == 0 {
		return nil, errors.New("mock adapter script exhausted")
	}
	next := m.Script[0]
	m.Script = m.Script[1:]

	es := newEventStream()
	go func() {
		for _, ev := range next.Events {
			select {
			case <-ctx.Done():
				es.close(errors.FromTransport("mock", ctx.Err()))
				return
			default:
			}
			es.send(ev)
		}
		es.close(next.Err)
	}()
	return es, nil
}

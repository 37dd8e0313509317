package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

// OpenAIAdapter speaks the OpenAI chat-completions dialect, including any
// OpenAI-compatible endpoint reachable through APIBase.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	streaming bool
}

// NewOpenAIAdapter builds the adapter from resolved model configuration.
// The bearer token comes from APIKeyEnv, defaulting to OPENAI_API_KEY.
func NewOpenAIAdapter(cfg ModelConfig) (*OpenAIAdapter, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", keyEnv)
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.APIBase != "" {
		options = append(options, option.WithBaseURL(cfg.APIBase))
	}

	c := openai.NewClient(options...)
	return &OpenAIAdapter{client: &c, model: cfg.Model, streaming: cfg.Streaming}, nil
}

func (a *OpenAIAdapter) Provider() string { return "openai" }

// StreamCompletion issues the request and translates chunk deltas into
// canonical events. OpenAI fragments tool calls by index: the first chunk
// for an index carries the call ID and function name, later chunks append
// argument text.
func (a *OpenAIAdapter) StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: convertTurnsToOpenAI(turns),
		Tools:    convertToolsToOpenAI(tools),
	}

	es := newEventStream()
	if !a.streaming {
		go a.completeBlocking(ctx, params, es)
		return es, nil
	}

	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer stream.Close()
		finish := FinishReason("")
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				es.send(Event{Kind: EventUsage, Usage: &session.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				}})
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				es.send(Event{Kind: EventTextDelta, Text: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				es.send(Event{
					Kind:         EventToolCallDelta,
					Index:        int(tc.Index),
					CallID:       tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != "" {
				finish = normalizeOpenAIFinish(choice.FinishReason)
			}
		}
		if err := stream.Err(); err != nil {
			es.close(a.mapError(err))
			return
		}
		if finish == "" {
			finish = FinishStop
		}
		es.send(Event{Kind: EventFinish, Reason: finish})
		es.close(nil)
	}()
	return es, nil
}

// completeBlocking is the non-streaming path: one request, replayed through
// the canonical event interface.
func (a *OpenAIAdapter) completeBlocking(ctx context.Context, params openai.ChatCompletionNewParams, es *EventStream) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		es.close(a.mapError(err))
		return
	}
	if len(resp.Choices) == 0 {
		replayResponse(es, "", nil, session.Usage{}, FinishStop)
		return
	}
	choice := resp.Choices[0]
	var calls []session.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			es.close(errors.Wrapf(err, "failed to unmarshal tool call arguments from OpenAI"))
			return
		}
		calls = append(calls, session.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	usage := session.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	replayResponse(es, choice.Message.Content, calls, usage, normalizeOpenAIFinish(choice.FinishReason))
}

func (a *OpenAIAdapter) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return errors.FromStatusCode("openai", apierr.StatusCode, apierr.Message, err)
	}
	return errors.FromTransport("openai", err)
}

func normalizeOpenAIFinish(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishOther
	}
}

// convertTurnsToOpenAI maps session turns onto OpenAI's message union.
func convertTurnsToOpenAI(turns []session.Turn) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case session.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: turn.Content,
			}
			for _, tc := range turn.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			messages = append(messages, assistant.ToParam())
		case session.RoleTool:
			messages = append(messages, openai.ToolMessage(turn.Content, turn.ToolCallID))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	return messages
}

func convertToolsToOpenAI(tools []ToolSchema) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(t.Parameters),
		}))
	}
	return out
}

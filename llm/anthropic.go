package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter speaks the Anthropic Messages dialect.
type AnthropicAdapter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	streaming bool
}

// NewAnthropicAdapter builds the adapter from resolved model configuration.
// The bearer token comes from APIKeyEnv, defaulting to ANTHROPIC_API_KEY.
func NewAnthropicAdapter(cfg ModelConfig) (*AnthropicAdapter, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", keyEnv)
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.APIBase != "" {
		options = append(options, option.WithBaseURL(cfg.APIBase))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	client := anthropic.NewClient(options...)
	return &AnthropicAdapter{
		client:    &client,
		model:     cfg.Model,
		maxTokens: maxTokens,
		streaming: cfg.Streaming,
	}, nil
}

func (a *AnthropicAdapter) Provider() string { return "anthropic" }

// StreamCompletion translates Anthropic's block-oriented stream into
// canonical events. Anthropic announces a tool call's ID and name in a
// content_block_start event and then streams the argument JSON as
// input_json_delta fragments keyed by block index.
func (a *AnthropicAdapter) StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error) {
	params := a.buildParams(turns, tools)

	es := newEventStream()
	if !a.streaming {
		go a.completeBlocking(ctx, params, es)
		return es, nil
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	go func() {
		defer stream.Close()
		usage := session.Usage{}
		finish := FinishReason("")
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(ev.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					es.send(Event{
						Kind:   EventToolCallDelta,
						Index:  int(ev.Index),
						CallID: block.ID,
						Name:   block.Name,
					})
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					es.send(Event{Kind: EventTextDelta, Text: delta.Text})
				case anthropic.InputJSONDelta:
					es.send(Event{
						Kind:         EventToolCallDelta,
						Index:        int(ev.Index),
						ArgsFragment: delta.PartialJSON,
					})
				}
			case anthropic.MessageDeltaEvent:
				usage.CompletionTokens = int(ev.Usage.OutputTokens)
				finish = normalizeAnthropicFinish(string(ev.Delta.StopReason))
			}
		}
		if err := stream.Err(); err != nil {
			es.close(a.mapError(err))
			return
		}
		es.send(Event{Kind: EventUsage, Usage: &usage})
		if finish == "" {
			finish = FinishStop
		}
		es.send(Event{Kind: EventFinish, Reason: finish})
		es.close(nil)
	}()
	return es, nil
}

func (a *AnthropicAdapter) completeBlocking(ctx context.Context, params anthropic.MessageNewParams, es *EventStream) {
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		es.close(a.mapError(err))
		return
	}

	var text string
	var calls []session.ToolCall
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			text += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				es.close(errors.Wrapf(err, "failed to unmarshal tool call input from Anthropic"))
				return
			}
			calls = append(calls, session.ToolCall{ID: c.ID, Name: c.Name, Args: args})
		}
	}
	usage := session.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	replayResponse(es, text, calls, usage, normalizeAnthropicFinish(string(resp.StopReason)))
}

func (a *AnthropicAdapter) buildParams(turns []session.Turn, tools []ToolSchema) anthropic.MessageNewParams {
	messages, systemPrompt := convertTurnsToAnthropic(turns)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, t := range tools {
		properties := t.Parameters["properties"]
		if properties == nil {
			properties = map[string]interface{}{}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: properties},
		}})
	}
	return params
}

func (a *AnthropicAdapter) mapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return errors.FromStatusCode("anthropic", apierr.StatusCode, apierr.Error(), err)
	}
	return errors.FromTransport("anthropic", err)
}

func normalizeAnthropicFinish(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "":
		return ""
	default:
		return FinishOther
	}
}

// convertTurnsToAnthropic maps session turns onto Anthropic's message
// params. Tool results travel as user messages carrying tool_result blocks;
// the last system turn becomes the system prompt.
func convertTurnsToAnthropic(turns []session.Turn) ([]anthropic.MessageParam, string) {
	var messages []anthropic.MessageParam
	var systemPrompt string

	for _, turn := range turns {
		switch turn.Role {
		case session.RoleSystem:
			systemPrompt = turn.Content
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(turn.Content),
			))
		case session.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: turn.Content},
				})
			}
			for _, tc := range turn.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type: "tool_use",
						ID:   tc.ID,
						Name: tc.Name,
						// Input is typed any; a raw []byte would encode as
						// base64 instead of the argument object.
						Input: json.RawMessage(argsBytes),
					},
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case session.RoleTool:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: turn.ToolCallID,
						IsError:   anthropic.Bool(turn.IsError),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: turn.Content},
						}},
					},
				}},
			})
		}
	}
	return messages, systemPrompt
}

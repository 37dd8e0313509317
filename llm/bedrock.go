package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
)

const bedrockDefaultMaxTokens = 4096

// BedrockAdapter drives Anthropic models hosted on AWS Bedrock through
// InvokeModel. Bedrock responses arrive whole, so the adapter always takes
// the blocking path and replays the result through the canonical events.
type BedrockAdapter struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
}

// NewBedrockAdapter builds the adapter. AWS credentials come from the
// standard environment/config chain.
func NewBedrockAdapter(ctx context.Context, cfg ModelConfig) (*BedrockAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = bedrockDefaultMaxTokens
	}
	return &BedrockAdapter{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		modelID:   cfg.Model,
		maxTokens: maxTokens,
	}, nil
}

func (a *BedrockAdapter) Provider() string { return "bedrock" }

func (a *BedrockAdapter) StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error) {
	es := newEventStream()
	go func() {
		body, err := a.buildRequestBody(turns, tools)
		if err != nil {
			es.close(err)
			return
		}

		resp, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(a.modelID),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			es.close(a.mapError(err))
			return
		}
		a.replayBody(es, resp.Body)
	}()
	return es, nil
}

func (a *BedrockAdapter) buildRequestBody(turns []session.Turn, tools []ToolSchema) ([]byte, error) {
	messages, systemPrompt := convertTurnsToBedrock(turns)
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        a.maxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(tools) > 0 {
		var defs []map[string]interface{}
		for _, t := range tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			defs = append(defs, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = defs
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}
	return data, nil
}

func (a *BedrockAdapter) replayBody(es *EventStream, body []byte) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		es.close(errors.Wrapf(err, "failed to unmarshal Bedrock response"))
		return
	}
	if errMsg, ok := response["error"]; ok {
		es.close(errors.New("Bedrock API error: %v", errMsg))
		return
	}

	var text string
	var calls []session.ToolCall
	if content, ok := response["content"].([]interface{}); ok {
		for i, item := range content {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if t, ok := block["text"].(string); ok {
					text += t
				}
			case "tool_use":
				name, _ := block["name"].(string)
				input, _ := block["input"].(map[string]interface{})
				id, _ := block["id"].(string)
				if id == "" {
					id = fmt.Sprintf("bedrock_call_%d_%s", i, name)
				}
				calls = append(calls, session.ToolCall{ID: id, Name: name, Args: input})
			}
		}
	}

	usage := session.Usage{}
	if u, ok := response["usage"].(map[string]interface{}); ok {
		if v, ok := u["input_tokens"].(float64); ok {
			usage.PromptTokens = int(v)
		}
		if v, ok := u["output_tokens"].(float64); ok {
			usage.CompletionTokens = int(v)
		}
	}

	stopReason, _ := response["stop_reason"].(string)
	replayResponse(es, text, calls, usage, normalizeAnthropicFinish(stopReason))
}

func (a *BedrockAdapter) mapError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return errors.FromStatusCode("bedrock", respErr.HTTPStatusCode(), respErr.Error(), err)
	}
	return errors.FromTransport("bedrock", err)
}

// convertTurnsToBedrock maps session turns onto the raw Anthropic message
// JSON Bedrock expects.
func convertTurnsToBedrock(turns []session.Turn) ([]map[string]interface{}, string) {
	var messages []map[string]interface{}
	var systemPrompt string

	for _, turn := range turns {
		switch turn.Role {
		case session.RoleSystem:
			systemPrompt = turn.Content
		case session.RoleUser:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": turn.Content},
				},
			})
		case session.RoleAssistant:
			var blocks []map[string]interface{}
			if turn.Content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": turn.Content})
			}
			for _, tc := range turn.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})
		case session.RoleTool:
			messages = append(messages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": turn.ToolCallID,
						"content":     turn.Content,
						"is_error":    turn.IsError,
					},
				},
			})
		}
	}
	return messages, systemPrompt
}

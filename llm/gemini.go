package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/quillworks/quill/errors"
	"github.com/quillworks/quill/session"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiAdapter speaks the Google Gemini dialect. The provider is driven
// through a single blocking request per turn; the full response is replayed
// through the canonical event interface so the orchestrator has one code
// path.
type GeminiAdapter struct {
	client *genai.Client
	model  string
}

// NewGeminiAdapter builds the adapter from resolved model configuration.
// The API key comes from APIKeyEnv, defaulting to GEMINI_API_KEY.
func NewGeminiAdapter(ctx context.Context, cfg ModelConfig) (*GeminiAdapter, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "GEMINI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, errors.New("%s environment variable not set", keyEnv)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &GeminiAdapter{client: client, model: cfg.Model}, nil
}

func (a *GeminiAdapter) Provider() string { return "gemini" }

func (a *GeminiAdapter) StreamCompletion(ctx context.Context, turns []session.Turn, tools []ToolSchema) (*EventStream, error) {
	es := newEventStream()
	go func() {
		model := a.client.GenerativeModel(a.model)
		model.Tools = convertToolsToGemini(tools)

		history, prompt := convertTurnsToGemini(turns)
		chat := model.StartChat()
		chat.History = history

		resp, err := chat.SendMessage(ctx, prompt...)
		if err != nil {
			es.close(a.mapError(err))
			return
		}

		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			es.close(errors.New("received an empty response from Gemini"))
			return
		}

		var text string
		var calls []session.ToolCall
		for i, part := range resp.Candidates[0].Content.Parts {
			switch v := part.(type) {
			case genai.Text:
				text += string(v)
			case genai.FunctionCall:
				// Gemini does not assign call IDs; synthesize stable ones so
				// results can be correlated.
				calls = append(calls, session.ToolCall{
					ID:   fmt.Sprintf("gemini_call_%d_%s", i, v.Name),
					Name: v.Name,
					Args: v.Args,
				})
			}
		}

		usage := session.Usage{}
		if resp.UsageMetadata != nil {
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		reason := FinishStop
		if len(calls) > 0 {
			reason = FinishToolCalls
		} else if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
			reason = FinishLength
		}
		replayResponse(es, text, calls, usage, reason)
	}()
	return es, nil
}

func (a *GeminiAdapter) mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return errors.FromStatusCode("gemini", gerr.Code, gerr.Message, err)
	}
	return errors.FromTransport("gemini", err)
}

// convertTurnsToGemini splits the conversation into chat history plus the
// parts of the final user or tool turn, which genai sends as the new
// message.
func convertTurnsToGemini(turns []session.Turn) ([]*genai.Content, []genai.Part) {
	var contents []*genai.Content
	callNames := make(map[string]string)

	for _, turn := range turns {
		switch turn.Role {
		case session.RoleAssistant:
			var parts []genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.Text(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name: callNames[turn.ToolCallID],
					Response: map[string]interface{}{
						"output":   turn.Content,
						"is_error": turn.IsError,
					},
				}},
			})
		default:
			// System prompts travel as user content; Gemini has no separate
			// system role in the chat history.
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(turn.Content)},
			})
		}
	}

	if len(contents) == 0 {
		return nil, []genai.Part{genai.Text("")}
	}
	last := contents[len(contents)-1]
	return contents[:len(contents)-1], last.Parts
}

func convertToolsToGemini(tools []ToolSchema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchemaToGemini(t.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchemaToGemini translates a JSON-Schema object into genai's typed
// schema. Only the subset the built-in tools use (type, description,
// properties, required, items, enum) is mapped.
func convertSchemaToGemini(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{Type: geminiType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]interface{}); ok {
				out.Properties[name] = convertSchemaToGemini(sub)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		out.Required = required
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		out.Items = convertSchemaToGemini(items)
	}
	if enum, ok := schema["enum"].([]string); ok {
		out.Enum = enum
	} else if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func geminiType(t interface{}) genai.Type {
	s, _ := t.(string)
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}

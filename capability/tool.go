package capability

import (
	"context"

	"github.com/quillworks/quill/errors"
)

// ServerTool adapts one remote tool to the agent's tool interface so it can
// sit in the registry next to the built-ins.
type ServerTool struct {
	client      *Client
	name        string
	description string
	schema      map[string]interface{}
}

// Tools wraps every tool the server advertises. Called once after Connect;
// registration against the registry is the caller's job so built-in name
// collisions are resolved there.
func (c *Client) Tools(ctx context.Context) ([]*ServerTool, error) {
	infos, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ServerTool, 0, len(infos))
	for _, info := range infos {
		out = append(out, &ServerTool{
			client:      c,
			name:        info.Name,
			description: info.Description,
			schema:      info.Schema,
		})
	}
	return out, nil
}

func (t *ServerTool) Name() string        { return t.name }
func (t *ServerTool) Description() string { return t.description }
func (t *ServerTool) Schema() map[string]interface{} {
	return t.schema
}

// Mutates is true for every remote tool. The agent cannot see what a
// capability server does, so plan mode treats them all as mutating.
func (t *ServerTool) Mutates() bool { return true }

func (t *ServerTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	output, isError, err := t.client.CallTool(ctx, t.name, args)
	if err != nil {
		return "", err
	}
	if isError {
		return "", errors.New("%s", output)
	}
	return output, nil
}

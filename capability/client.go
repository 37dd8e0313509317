// Package capability connects to external capability servers speaking the
// MCP protocol over stdio or HTTP and exposes their tools, resources and
// prompts to the agent.
package capability

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
)

const defaultCallTimeout = 60 * time.Second

// Set records which capability groups a server advertised during the
// initialize handshake. Operations against an unadvertised group fail
// without touching the wire.
type Set struct {
	Tools             bool
	Resources         bool
	ResourceTemplates bool
	Prompts           bool
}

// Client manages one capability server connection. All requests on a
// connection are serialized; the protocol interleaves poorly over a single
// stdio pipe.
type Client struct {
	name string

	mu           sync.Mutex
	session      *mcp.ClientSession
	cmd          *exec.Cmd
	caps         Set
	disconnected bool
}

// Connect starts (stdio) or dials (http) the configured server, runs the
// initialize handshake and caches the advertised capability set.
func Connect(ctx context.Context, cfg config.CapabilityServer) (*Client, error) {
	c := &Client{name: cfg.Name}
	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "quill", Version: "v1.0.0"}, nil)

	var transport mcp.Transport
	switch cfg.Transport {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, errors.New("capability server '%s': stdio transport requires a command", cfg.Name)
		}
		c.cmd = exec.Command(cfg.Command, cfg.Args...)
		c.cmd.Stderr = os.Stderr
		transport = mcp.NewCommandTransport(c.cmd)
	case "http":
		if cfg.URL == "" {
			return nil, errors.New("capability server '%s': http transport requires a url", cfg.Name)
		}
		httpClient := &http.Client{
			Transport: &headerTransport{headers: cfg.Headers, base: http.DefaultTransport},
		}
		transport = mcp.NewStreamableClientTransport(cfg.URL, &mcp.StreamableClientTransportOptions{
			HTTPClient: httpClient,
		})
	default:
		return nil, errors.New("capability server '%s': unknown transport '%s'", cfg.Name, cfg.Transport)
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		return nil, &errors.CapabilityTransportError{Server: cfg.Name, Cause: err}
	}
	c.session = session
	c.caps = capabilitiesOf(session)
	return c, nil
}

// capabilitiesOf reads the server's advertised capability blocks. Servers
// that omit the blocks entirely are treated as tools-only.
func capabilitiesOf(session *mcp.ClientSession) Set {
	result := session.InitializeResult()
	if result == nil || result.Capabilities == nil {
		return Set{Tools: true}
	}
	caps := result.Capabilities
	set := Set{
		Tools:     caps.Tools != nil,
		Resources: caps.Resources != nil,
		Prompts:   caps.Prompts != nil,
	}
	// Resource templates ride on the resources capability.
	set.ResourceTemplates = set.Resources
	if !set.Tools && !set.Resources && !set.Prompts {
		set.Tools = true
	}
	return set
}

func (c *Client) Name() string { return c.name }

// Capabilities returns the cached capability set from the handshake.
func (c *Client) Capabilities() Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Disconnected reports whether a transport failure has poisoned the
// connection. Every subsequent call fails fast until reconnected.
func (c *Client) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *Client) checkLocked(capability string, supported bool) error {
	if c.disconnected {
		return &errors.CapabilityTransportError{
			Server: c.name,
			Cause:  errors.New("connection lost"),
		}
	}
	if !supported {
		return &errors.CapabilityNotSupported{Server: c.name, Capability: capability}
	}
	return nil
}

// wrap marks the connection dead on transport-level failures and converts
// them to the canonical error type. Per-call timeouts, cancellations and
// protocol-level errors (invalid params, unknown tool) pass through; the
// connection stays usable for the next call.
func (c *Client) wrap(err error) error {
	if err == nil {
		return nil
	}
	if !isDisconnect(err) {
		return err
	}
	c.disconnected = true
	return &errors.CapabilityTransportError{Server: c.name, Cause: err}
}

// isDisconnect reports whether the error means the underlying pipe or
// socket is gone, as opposed to the server answering with an error.
func isDisconnect(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

// ToolInfo describes one remote tool with its schema decoded to the plain
// JSON-Schema object form the rest of the agent uses.
type ToolInfo struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ListTools enumerates the server's tools, following cursor pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("tools", c.caps.Tools); err != nil {
		return nil, err
	}

	var out []ToolInfo
	params := &mcp.ListToolsParams{}
	for {
		page, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, c.wrap(err)
		}
		for _, t := range page.Tools {
			out = append(out, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				Schema:      schemaToMap(t.InputSchema),
			})
		}
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	return out, nil
}

// CallTool invokes a remote tool. The returned bool reports whether the
// server flagged the result as an error; that is a tool failure, not a
// transport failure, and the connection stays healthy.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("tools", c.caps.Tools); err != nil {
		return "", false, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", false, c.wrap(err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// ReadResource fetches a resource's text contents by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("resources", c.caps.Resources); err != nil {
		return "", err
	}

	result, err := c.session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return "", c.wrap(err)
	}
	var sb strings.Builder
	for _, contents := range result.Contents {
		sb.WriteString(contents.Text)
	}
	return sb.String(), nil
}

// ResourceTemplateInfo describes one parameterized resource template.
type ResourceTemplateInfo struct {
	Name        string
	URITemplate string
	Description string
}

// ListResourceTemplates enumerates the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplateInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("resource templates", c.caps.ResourceTemplates); err != nil {
		return nil, err
	}

	var out []ResourceTemplateInfo
	params := &mcp.ListResourceTemplatesParams{}
	for {
		page, err := c.session.ListResourceTemplates(ctx, params)
		if err != nil {
			return nil, c.wrap(err)
		}
		for _, rt := range page.ResourceTemplates {
			out = append(out, ResourceTemplateInfo{
				Name:        rt.Name,
				URITemplate: rt.URITemplate,
				Description: rt.Description,
			})
		}
		if page.NextCursor == "" {
			break
		}
		params.Cursor = page.NextCursor
	}
	return out, nil
}

// GetPrompt resolves a named prompt template into its message text.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked("prompts", c.caps.Prompts); err != nil {
		return "", err
	}

	result, err := c.session.GetPrompt(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return "", c.wrap(err)
	}
	var sb strings.Builder
	for _, msg := range result.Messages {
		if tc, ok := msg.Content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Close shuts down the session and, for stdio servers, the subprocess.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

// schemaToMap converts the SDK's typed schema into the plain object form
// the backend adapters consume.
func schemaToMap(schema interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return out
}

// headerTransport injects configured headers, typically Authorization, into
// every request to an HTTP capability server.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) == 0 {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

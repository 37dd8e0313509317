package capability

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/errors"
)

func TestUnsupportedCapabilityFailsFast(t *testing.T) {
	// A tools-only server must reject resource and prompt operations
	// without touching the connection.
	c := &Client{name: "srv", caps: Set{Tools: true}}

	if _, err := c.ReadResource(context.Background(), "file:///x"); err == nil {
		t.Fatalf("expected a capability error")
	} else {
		var notSupported *errors.CapabilityNotSupported
		if !errors.As(err, &notSupported) {
			t.Errorf("error = %T, want CapabilityNotSupported", err)
		}
		if notSupported.Capability != "resources" {
			t.Errorf("capability = %q", notSupported.Capability)
		}
	}

	if _, err := c.GetPrompt(context.Background(), "review", nil); err == nil {
		t.Errorf("prompts must be rejected on a tools-only server")
	}
	if _, err := c.ListResourceTemplates(context.Background()); err == nil {
		t.Errorf("resource templates must be rejected on a tools-only server")
	}
	if c.Disconnected() {
		t.Errorf("capability rejections must not poison the connection")
	}
}

func TestDisconnectedFailsFast(t *testing.T) {
	c := &Client{name: "srv", caps: Set{Tools: true}, disconnected: true}

	_, _, err := c.CallTool(context.Background(), "anything", nil)
	var transportErr *errors.CapabilityTransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %T, want CapabilityTransportError", err)
	}
	if transportErr.Server != "srv" {
		t.Errorf("server = %q", transportErr.Server)
	}
}

func TestWrapClassifiesErrors(t *testing.T) {
	// Timeouts, cancellations and server-side protocol errors are per-call
	// failures; only a dead pipe takes the connection down.
	passThrough := []error{
		context.DeadlineExceeded,
		context.Canceled,
		errors.New("jsonrpc2: invalid params"),
	}
	for _, cause := range passThrough {
		c := &Client{name: "srv", caps: Set{Tools: true}}
		got := c.wrap(cause)
		if !errors.Is(got, cause) {
			t.Errorf("wrap(%v) = %v, want the cause passed through", cause, got)
		}
		var transportErr *errors.CapabilityTransportError
		if errors.As(got, &transportErr) {
			t.Errorf("wrap(%v) converted to a transport error", cause)
		}
		if c.Disconnected() {
			t.Errorf("wrap(%v) poisoned the connection", cause)
		}
	}

	disconnects := []error{io.EOF, io.ErrClosedPipe, syscall.EPIPE, net.ErrClosed}
	for _, cause := range disconnects {
		c := &Client{name: "srv", caps: Set{Tools: true}}
		got := c.wrap(cause)
		var transportErr *errors.CapabilityTransportError
		if !errors.As(got, &transportErr) {
			t.Errorf("wrap(%v) = %T, want CapabilityTransportError", cause, got)
		}
		if !c.Disconnected() {
			t.Errorf("wrap(%v) left the connection marked healthy", cause)
		}
	}
}

func TestTimeoutKeepsConnectionUsable(t *testing.T) {
	c := &Client{name: "srv", caps: Set{Tools: true}}
	if err := c.wrap(context.DeadlineExceeded); err == nil {
		t.Fatalf("expected the timeout to surface")
	}

	// The next call must reach the capability check, not fail fast on a
	// poisoned connection.
	_, err := c.ReadResource(context.Background(), "file:///x")
	var notSupported *errors.CapabilityNotSupported
	if !errors.As(err, &notSupported) {
		t.Errorf("error = %T, want CapabilityNotSupported from the live connection", err)
	}
}

func TestConnectRejectsBadConfig(t *testing.T) {
	cases := []config.CapabilityServer{
		{Name: "no-cmd", Transport: "stdio"},
		{Name: "no-url", Transport: "http"},
		{Name: "bad", Transport: "carrier-pigeon"},
	}
	for _, cfg := range cases {
		if _, err := Connect(context.Background(), cfg); err == nil {
			t.Errorf("Connect(%s) should fail", cfg.Name)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	got := schemaToMap(map[string]interface{}{
		"type":     "object",
		"required": []string{"path"},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
	})
	props, ok := got["properties"].(map[string]interface{})
	if !ok {
		t.Fatalf("properties missing: %v", got)
	}
	if _, ok := props["path"]; !ok {
		t.Errorf("path property lost in conversion")
	}

	empty := schemaToMap(nil)
	if empty["type"] != "object" {
		t.Errorf("nil schema must convert to an empty object schema, got %v", empty)
	}
}

func TestHeaderTransportInjectsHeaders(t *testing.T) {
	var seen http.Header
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header
		return &http.Response{StatusCode: 200, Request: req}, nil
	})
	ht := &headerTransport{headers: map[string]string{"Authorization": "Bearer tok"}, base: base}

	req, _ := http.NewRequest(http.MethodPost, "http://caps.example/mcp", nil)
	if _, err := ht.RoundTrip(req); err != nil {
		t.Fatal(err)
	}
	if seen.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization header not injected: %v", seen)
	}
	// The original request must stay untouched.
	if req.Header.Get("Authorization") != "" {
		t.Errorf("original request was mutated")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

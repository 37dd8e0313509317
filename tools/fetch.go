package tools

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillworks/quill/errors"
)

const fetchMaxBody = 1 << 20 // 1 MiB

// FetchURLTool retrieves a URL over HTTP(S) with a bounded body size.
type FetchURLTool struct {
	client *http.Client
}

func (t *FetchURLTool) Name() string { return "fetch_url" }
func (t *FetchURLTool) Description() string {
	return "Fetches a URL with an HTTP GET and returns the response body, capped at 1 MiB. Args: url (string)."
}
func (t *FetchURLTool) Mutates() bool { return false }
func (t *FetchURLTool) Schema() map[string]interface{} {
	return objectSchema([]string{"url"}, map[string]interface{}{
		"url": stringProp("http:// or https:// URL to fetch."),
	})
}

func (t *FetchURLTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	url, ok := args["url"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'url' argument")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", errors.New("only http and https URLs are supported")
	}

	client := t.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URL '%s'", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch '%s'", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read response from '%s'", url)
	}
	if resp.StatusCode >= 400 {
		return "", errors.New("GET %s returned %s:\n%s", url, resp.Status, string(body))
	}
	return string(body), nil
}

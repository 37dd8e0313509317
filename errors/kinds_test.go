package errors

import (
	"fmt"
	"testing"
)

func TestFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		wantAuth  bool
		wantRate  bool
		retryable bool
	}{
		{401, true, false, false},
		{403, true, false, false},
		{429, false, true, true},
		{500, false, false, true},
		{502, false, false, true},
		{408, false, false, true},
	}

	for _, tt := range tests {
		err := FromStatusCode("openai", tt.status, "boom", nil)

		var auth *BackendAuthError
		if got := As(err, &auth); got != tt.wantAuth {
			t.Errorf("status %d: auth=%v, want %v", tt.status, got, tt.wantAuth)
		}
		var rate *BackendRateLimitError
		if got := As(err, &rate); got != tt.wantRate {
			t.Errorf("status %d: ratelimit=%v, want %v", tt.status, got, tt.wantRate)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: retryable=%v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryableWrapped(t *testing.T) {
	inner := FromStatusCode("anthropic", 429, "slow down", nil)
	wrapped := Wrapf(inner, "turn aborted")
	if !IsRetryable(wrapped) {
		t.Errorf("expected wrapped rate-limit error to stay retryable")
	}

	auth := Wrapf(FromStatusCode("anthropic", 401, "bad key", nil), "turn aborted")
	if IsRetryable(auth) {
		t.Errorf("expected wrapped auth error to stay non-retryable")
	}
}

func TestPermissionDeniedNotRetryable(t *testing.T) {
	err := &ToolPermissionDenied{Tool: "write_file", Reason: "policy is never"}
	if IsRetryable(err) {
		t.Errorf("permission denial must not be retryable")
	}
	if err.Error() == "" {
		t.Errorf("expected error text")
	}
}

func TestWrapfNil(t *testing.T) {
	if Wrapf(nil, "context %d", 1) != nil {
		t.Errorf("Wrapf(nil) should return nil")
	}
}

func TestNewIncludesLocation(t *testing.T) {
	err := New("bad state: %s", "idle")
	want := "bad state: idle"
	if got := err.Error(); len(got) == 0 || got == want {
		// The helper prefixes [file:line]; the raw message alone means the
		// prefix went missing.
		t.Errorf("expected location prefix in %q", got)
	}
}

func TestTransportErrors(t *testing.T) {
	err := FromTransport("gemini", fmt.Errorf("dial tcp: connection refused"))
	if !IsRetryable(err) {
		t.Errorf("transport failures should be retryable")
	}
	var network *BackendNetworkError
	if !As(err, &network) {
		t.Fatalf("expected BackendNetworkError, got %T", err)
	}
	if network.Provider != "gemini" {
		t.Errorf("provider = %q, want gemini", network.Provider)
	}
}

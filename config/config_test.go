package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProjectConfigOverridesUser(t *testing.T) {
	dir := t.TempDir()
	user := writeYAML(t, dir, "user.yaml", `
provider: gpt
default_mode: plan
command_timeout_ms: 5000
providers:
  - name: gpt
    dialect: openai
    model: gpt-4o
`)
	project := writeYAML(t, dir, "project.yaml", `
provider: claude
providers:
  - name: claude
    dialect: anthropic
    model: claude-sonnet-4
`)

	cfg := &Config{}
	if err := loadFromFile(user, cfg); err != nil {
		t.Fatal(err)
	}
	if err := loadFromFile(project, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.applyDefaults()

	if cfg.Provider != "claude" {
		t.Errorf("provider = %q, want the project value", cfg.Provider)
	}
	// Fields absent from the project file keep the user values.
	if cfg.DefaultMode != "plan" || cfg.CommandTimeoutMs != 5000 {
		t.Errorf("mode/timeout = %q/%d, want user values retained", cfg.DefaultMode, cfg.CommandTimeoutMs)
	}

	p, err := cfg.GetProvider("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Dialect != "anthropic" {
		t.Errorf("active provider dialect = %q", p.Dialect)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if cfg.CommandTimeoutMs != 30000 {
		t.Errorf("command timeout default = %d", cfg.CommandTimeoutMs)
	}
	if cfg.DefaultMode != "default" {
		t.Errorf("default mode = %q", cfg.DefaultMode)
	}
	if cfg.Permissions == nil {
		t.Errorf("permissions map must be initialized")
	}
}

func TestGetProviderNotFound(t *testing.T) {
	cfg := &Config{Providers: []Provider{{Name: "a"}}}
	if _, err := cfg.GetProvider("missing"); err == nil {
		t.Errorf("expected an error for an unknown provider")
	}
}

func TestStreamingEnabledDefault(t *testing.T) {
	p := Provider{}
	if !p.StreamingEnabled() {
		t.Errorf("streaming must default to on")
	}
	off := false
	p.Streaming = &off
	if p.StreamingEnabled() {
		t.Errorf("explicit false must disable streaming")
	}
}

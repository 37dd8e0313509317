package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quillworks/quill/config"
	"github.com/quillworks/quill/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		FilesystemAccess: config.FilesystemAccess{
			Hidden:   []string{".quill", ".quill/**", "**/secret.txt"},
			ReadOnly: []string{"**/*.lock"},
		},
		CommandTimeoutMs: 30000,
		Permissions:      map[string]string{},
	}
}

func newTestExecutor(t *testing.T, policies map[string]string, approver Approver) *Executor {
	t.Helper()
	cfg := testConfig(t)
	return NewExecutor(NewRegistry(cfg), policies, approver)
}

func TestPermissionNeverHasNoSideEffects(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	exec := newTestExecutor(t, map[string]string{"write_file": "never"}, nil)
	call := session.ToolCall{ID: "c1", Name: "write_file", Args: map[string]interface{}{
		"path": target, "content": "nope",
	}}
	res := exec.Execute(context.Background(), call, exec.Permission("write_file"))

	if !res.IsError {
		t.Fatalf("denied call must produce a failed result")
	}
	if !strings.Contains(res.Output, "denied") {
		t.Errorf("output = %q, want a denial message", res.Output)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("denied write_file must not create the file")
	}
}

func TestPermissionAskDeniedWithoutApprover(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		exec.Permission("list_directory"))
	if !res.IsError {
		t.Errorf("ask-gated call with no approver must be denied")
	}
}

func TestPermissionAskApproved(t *testing.T) {
	var asked []string
	approver := func(call session.ToolCall) bool {
		asked = append(asked, call.Name)
		return true
	}
	exec := newTestExecutor(t, nil, approver)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		exec.Permission("list_directory"))
	if res.IsError {
		t.Fatalf("approved call failed: %s", res.Output)
	}
	if len(asked) != 1 || asked[0] != "list_directory" {
		t.Errorf("approver saw %v", asked)
	}
}

func TestSchemaValidationRejectsWrongType(t *testing.T) {
	exec := newTestExecutor(t, map[string]string{"read_file": "always"}, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "read_file", Args: map[string]interface{}{"path": 42.0}},
		PermissionAlways)
	if !res.IsError || !strings.Contains(res.Output, "invalid arguments") {
		t.Errorf("result = %+v, want an invalid-arguments failure", res)
	}
}

func TestSchemaValidationRejectsMissingRequired(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "read_file", Args: map[string]interface{}{}},
		PermissionAlways)
	if !res.IsError {
		t.Errorf("missing required argument must fail validation")
	}
}

func TestUnknownToolFails(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "launch_rocket", Args: map[string]interface{}{}},
		PermissionAlways)
	if !res.IsError || !strings.Contains(res.Output, "unknown tool") {
		t.Errorf("result = %+v, want unknown tool failure", res)
	}
}

func TestExecuteCommandOrderedOutput(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "execute_command", Args: map[string]interface{}{
			"command": "echo hello && echo world",
		}},
		PermissionAlways)
	if res.IsError {
		t.Fatalf("command failed: %s", res.Output)
	}
	if res.Output != "hello\nworld\n" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	exec := newTestExecutor(t, nil, nil)
	res := exec.Execute(context.Background(),
		session.ToolCall{ID: "c1", Name: "execute_command", Args: map[string]interface{}{
			"command":    "echo started; sleep 10",
			"timeout_ms": 100.0,
		}},
		PermissionAlways)
	if !res.IsError {
		t.Fatalf("expected a timeout failure")
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("output = %q, want a timeout message", res.Output)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("output = %q, want the partial output preserved", res.Output)
	}
}

func TestOutputTruncation(t *testing.T) {
	long := strings.Repeat("x", MaxOutputBytes+500)
	got := truncateOutput(long)
	if len(got) >= len(long) {
		t.Fatalf("output was not truncated")
	}
	if !strings.Contains(got, "[output truncated: 500 bytes omitted]") {
		t.Errorf("missing truncation marker in %q", got[len(got)-60:])
	}
	if short := truncateOutput("short"); short != "short" {
		t.Errorf("short output must pass through unchanged, got %q", short)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a.txt")
	cfg := testConfig(t)
	tool := &WriteFileTool{fsAccess: &cfg.FilesystemAccess}

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": target, "content": "v1",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out, "2 bytes") {
		t.Errorf("output = %q", out)
	}

	data, err := os.ReadFile(target)
	if err != nil || string(data) != "v1" {
		t.Fatalf("read back %q, %v", data, err)
	}

	// No temp files should be left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want just the target", len(entries))
	}
}

func TestWriteFileReadOnlyDenied(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "deps.lock")
	cfg := testConfig(t)
	tool := &WriteFileTool{fsAccess: &cfg.FilesystemAccess}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": target, "content": "x",
	}); err == nil {
		t.Fatalf("write to a read-only pattern must fail")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("denied write must not create the file")
	}
}

func TestReadFileHiddenDenied(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(target, []byte("key"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	tool := &ReadFileTool{fsAccess: &cfg.FilesystemAccess}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{"path": target}); err == nil {
		t.Fatalf("read of a hidden pattern must fail")
	}
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "m.go")
	if err := os.WriteFile(target, []byte("aa bb aa"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	tool := &EditFileTool{fsAccess: &cfg.FilesystemAccess}

	if _, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": target, "old_string": "aa", "new_string": "cc",
	}); err == nil {
		t.Fatalf("ambiguous old_string must fail")
	}

	out, err := tool.Execute(context.Background(), map[string]interface{}{
		"path": target, "old_string": "bb", "new_string": "cc",
	})
	if err != nil {
		t.Fatalf("edit: %v (%s)", err, out)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "aa cc aa" {
		t.Errorf("file = %q", data)
	}
}

func TestListDirectoryFiltersHidden(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "src"), 0755)
	os.WriteFile(filepath.Join(dir, "main.go"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "secret.txt"), nil, 0644)
	cfg := testConfig(t)
	tool := &ListDirectoryTool{fsAccess: &cfg.FilesystemAccess}

	out, err := tool.Execute(context.Background(), map[string]interface{}{"path": dir})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out != "main.go\nsrc/" {
		t.Errorf("listing = %q", out)
	}
}

func TestRegistryBuiltinWinsCollision(t *testing.T) {
	cfg := testConfig(t)
	r := NewRegistry(cfg)
	if err := r.RegisterExternal(&ReadFileTool{fsAccess: &cfg.FilesystemAccess}); err == nil {
		t.Errorf("external tool shadowing a built-in must be rejected")
	}
	if _, ok := r.Get("read_file"); !ok {
		t.Errorf("built-in missing after rejected registration")
	}
}

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/quillworks/quill/errors"
)

// ExecuteCommandTool runs a shell command with a bounded wall-clock time.
// Commands run through bash -c in their own process group; on timeout the
// whole group is killed so grandchildren do not outlive the call.
type ExecuteCommandTool struct {
	timeout time.Duration
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	return fmt.Sprintf("Executes a shell command via bash -c and returns its combined output. Args: command (string), timeout_ms (integer, optional, default %d).", t.timeout.Milliseconds())
}
func (t *ExecuteCommandTool) Mutates() bool { return true }
func (t *ExecuteCommandTool) Schema() map[string]interface{} {
	return objectSchema([]string{"command"}, map[string]interface{}{
		"command": stringProp("Shell command to execute."),
		"timeout_ms": map[string]interface{}{
			"type":        "integer",
			"description": "Wall-clock limit in milliseconds for this invocation.",
		},
	})
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}

	timeout := t.timeout
	if raw, ok := args["timeout_ms"]; ok {
		if ms, ok := raw.(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	cmd := exec.Command("bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "failed to start command")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timedOut, canceled bool
	select {
	case err := <-done:
		if err != nil {
			return "", errors.Wrapf(err, "command exited with an error. Output:\n%s", output.String())
		}
	case <-time.After(timeout):
		timedOut = true
	case <-ctx.Done():
		canceled = true
	}

	if timedOut || canceled {
		// Kill the whole process group, then reap.
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		if canceled {
			return "", errors.Wrapf(ctx.Err(), "command canceled. Partial output:\n%s", output.String())
		}
		return "", errors.New("command timed out after %s. Partial output:\n%s", timeout, output.String())
	}

	return output.String(), nil
}

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/quorralabs/warden/internal/mediator"
)

const (
	commandTimeout = 60 * time.Second
	maxToolOutput  = 32 << 10
)

// toolExecutor performs actions the mediator already allowed. It trusts
// its input: paths arrive validated and commands arrive classified.
type toolExecutor struct {
	workspaceRoot string
}

func newToolExecutor(workspaceRoot string) *toolExecutor {
	return &toolExecutor{workspaceRoot: workspaceRoot}
}

func (t *toolExecutor) execute(ctx context.Context, req mediator.ActionRequest) string {
	switch req.Kind {
	case mediator.ActionReadFile:
		return t.readFile(req.Path)
	case mediator.ActionApplyEdit:
		return t.applyEdit(req.Path, req.ProposedContent)
	case mediator.ActionRunCommand:
		return t.runCommand(ctx, req.Command, req.WorkingDir)
	}
	return fmt.Sprintf("error: unknown action kind %q", req.Kind)
}

func (t *toolExecutor) readFile(path string) string {
	data, err := os.ReadFile(t.resolve(path))
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return clip(string(data))
}

func (t *toolExecutor) applyEdit(path, content string) string {
	full := t.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path)
}

func (t *toolExecutor) runCommand(ctx context.Context, command, workingDir string) string {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if workingDir == "" {
		workingDir = t.workspaceRoot
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = workingDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return clip(fmt.Sprintf("%serror: %v", out, err))
	}
	return clip(string(out))
}

func (t *toolExecutor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.workspaceRoot, path)
}

func clip(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n... (truncated)"
}

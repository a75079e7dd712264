package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/3coins/acp-agentcore-poc/errors"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	maxCommandOutput      = 30000
)

// ExecuteTool runs allowlisted commands in the workspace. Commands are split
// on whitespace and run without a shell.
type ExecuteTool struct {
	dir             string
	allowedCommands []string
	timeout         time.Duration
}

func NewExecuteTool(dir string, allowed []string) *ExecuteTool {
	return &ExecuteTool{dir: dir, allowedCommands: allowed, timeout: defaultCommandTimeout}
}

func (t *ExecuteTool) Name() string { return "execute" }
func (t *ExecuteTool) Kind() Kind   { return KindExecute }

func (t *ExecuteTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a command in the workspace. No commands are currently allowed."
	}
	var sb strings.Builder
	sb.WriteString("Executes a command in the workspace (no shell). Allowed command patterns:\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&sb, "- %s\n", cmd)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (t *ExecuteTool) Schema() map[string]any {
	return objectSchema(map[string]any{"command": prop("string", "Command line to run")}, "command")
}

func (t *ExecuteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return "", err
	}
	if !isCommandAllowed(command, t.allowedCommands) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = t.dir
	output, err := cmd.CombinedOutput()
	out := truncateOutput(string(output))
	if err != nil {
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", out)
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", out), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxCommandOutput {
		return s
	}
	return s[:maxCommandOutput] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-maxCommandOutput)
}

package executor

import (
	"bytes"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// ShellExecutor runs a shell command via os/exec, honoring the node's
// context for cooperative cancellation the way the teacher's retry wait
// (internal/application/executor/retry.go) is context-aware. Grounded on
// the same "start timer, call, wrap error" shape as HTTPExecutor.
type ShellExecutor struct{}

func NewShellExecutor() *ShellExecutor { return &ShellExecutor{} }

func (e *ShellExecutor) Kind() domain.NodeKind { return domain.KindShell }

func (e *ShellExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config
	command, _ := cfg["command"].(string)
	if command == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"shell node requires a non-empty command", nil, false)
	}

	shell, _ := cfg["shell"].(string)
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ec.Context, shell, "-c", command)
	if dir, ok := cfg["working_dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := cfg["env"].(map[string]any); ok && len(env) > 0 {
		cmd.Env = append(cmd.Env, os.Environ()...)
		for k, v := range env {
			if s, ok := v.(string); ok {
				cmd.Env = append(cmd.Env, k+"="+s)
			}
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}

	log.Debug().Str("node", ec.Node.ID).Dur("elapsed", elapsed).Int("exit_code", cmd.ProcessState.ExitCode()).Msg("shell node completed")

	if err != nil {
		return output, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"command exited with error", err, false)
	}
	return output, nil
}

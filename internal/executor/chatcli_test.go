package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smilemakc/flowpilot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI writes an executable shell script standing in for a chat CLI
// binary and returns its path.
func writeFakeCLI(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestChatCLIExecutor_PassesPromptAndInjectsExecutionEnv(t *testing.T) {
	script := writeFakeCLI(t, `echo "args:$@"
echo "env:$FLOWPILOT_EXECUTION_ID:$FLOWPILOT_WORKFLOW"
`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{
		Context:      context.Background(),
		WorkflowName: "my-workflow",
		ExecutionID:  "exec-42",
		Node: domain.Node{ID: "cli", Config: map[string]any{
			"command": script,
			"prompt":  "hello",
		}},
	}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	stdout := out["stdout"].(string)
	assert.Contains(t, stdout, "--print hello")
	assert.Contains(t, stdout, "env:exec-42:my-workflow")
}

func TestChatCLIExecutor_BinaryPathIsCachedAcrossCalls(t *testing.T) {
	script := writeFakeCLI(t, `echo ok`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command": script, "prompt": "hi",
	}}}

	_, err := ex.Execute(ec)
	require.NoError(t, err)

	cached, ok := ex.cachedPaths[script]
	require.True(t, ok)
	assert.Equal(t, script, cached)

	_, err = ex.Execute(ec)
	require.NoError(t, err)
}

func TestChatCLIExecutor_ParsesJSONOutputFormat(t *testing.T) {
	script := writeFakeCLI(t, `echo '{"result":{"text":"the answer"},"cost":1}'`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command":       script,
		"prompt":        "hi",
		"output_format": "json",
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, "the answer", out["output"])
	data := out["data"].(map[string]any)
	assert.Equal(t, float64(1), data["cost"])
}

func TestChatCLIExecutor_ParsesStreamJSONOutputFormat(t *testing.T) {
	script := writeFakeCLI(t, `echo '{"type":"text","text":"hello "}'
echo '{"type":"text","text":"world"}'
echo '{"type":"other"}'
`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command":       script,
		"prompt":        "hi",
		"output_format": "stream-json",
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["output"])
	data := out["data"].(map[string]any)
	events := data["events"].([]any)
	assert.Len(t, events, 3)
}

func TestChatCLIExecutor_SaveSessionExtractsIDFromStderr(t *testing.T) {
	script := writeFakeCLI(t, `echo "done"
echo "Session ID: abc-123" >&2
`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command":      script,
		"prompt":       "hi",
		"save_session": true,
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	data := out["data"].(map[string]any)
	assert.Equal(t, "abc-123", data["session_id"])
}

func TestChatCLIExecutor_NonZeroExitReturnsError(t *testing.T) {
	script := writeFakeCLI(t, `exit 1`)

	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command": script, "prompt": "hi",
	}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestChatCLIExecutor_MissingBinaryErrors(t *testing.T) {
	ex := NewChatCLIExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "cli", Config: map[string]any{
		"command": "definitely-not-a-real-chat-cli-binary-xyz",
	}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestChatCLIExecutor_Kind(t *testing.T) {
	ex := NewChatCLIExecutor()
	assert.Equal(t, domain.KindChatCLI, ex.Kind())
}

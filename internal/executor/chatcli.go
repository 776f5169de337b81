package executor

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// sessionIDPattern extracts a "Session ID: <id>" marker a chat CLI may print
// to stderr when asked to save its session. Ported verbatim from the
// original implementation's _extract_session_id
// (flowpilot/engine/nodes/claude_cli.py).
var sessionIDPattern = regexp.MustCompile(`(?i)session id:\s*([a-zA-Z0-9-]+)`)

// chatCLIWellKnownPaths mirrors the original's _find_claude_binary location
// list, generalized from a single hardcoded binary name to whatever `command`
// the node declares.
func chatCLIWellKnownPaths(binary string) []string {
	home, _ := os.UserHomeDir()
	paths := []string{
		"/usr/local/bin/" + binary,
		"/opt/homebrew/bin/" + binary,
	}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".claude", "bin", binary),
			filepath.Join(home, "bin", binary),
		)
	}
	return paths
}

// ChatCLIExecutor shells out to an installable chat CLI (e.g. `claude
// --print`), following spec.md §4.3's chat-cli contract. Grounded on the
// original implementation's ClaudeCliExecutor
// (flowpilot/engine/nodes/claude_cli.py) for the argument shape, output
// parsing, and env injection, and on the teacher's ShellExecutor
// (internal/application/executor/node_executors.go) for the os/exec
// plumbing.
type ChatCLIExecutor struct {
	mu          sync.Mutex
	cachedPaths map[string]string
}

func NewChatCLIExecutor() *ChatCLIExecutor {
	return &ChatCLIExecutor{cachedPaths: make(map[string]string)}
}

func (e *ChatCLIExecutor) Kind() domain.NodeKind { return domain.KindChatCLI }

// resolveBinary finds the CLI binary named by name, caching the resolved
// path so repeated node executions skip the PATH/well-known-path scan.
func (e *ChatCLIExecutor) resolveBinary(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cachedPaths[name]; ok {
		return cached, nil
	}

	if strings.ContainsRune(name, os.PathSeparator) {
		if _, err := os.Stat(name); err == nil {
			e.cachedPaths[name] = name
			return name, nil
		}
	}

	if found, err := exec.LookPath(name); err == nil {
		e.cachedPaths[name] = found
		return found, nil
	}

	for _, candidate := range chatCLIWellKnownPaths(name) {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			e.cachedPaths[name] = candidate
			return candidate, nil
		}
	}

	return "", flowerrors.NewExecutionError("", "", "",
		name+" CLI not found in PATH or well-known install locations", nil, false)
}

func (e *ChatCLIExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config
	binaryName, _ := cfg["command"].(string)
	if binaryName == "" {
		binaryName = "claude"
	}

	claudePath, err := e.resolveBinary(binaryName)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"chat cli not found", err, false)
	}

	prompt, _ := cfg["prompt"].(string)
	outputFormat, _ := cfg["output_format"].(string)
	if outputFormat == "" {
		outputFormat = "text"
	}

	args := []string{"--print", prompt}

	if model, ok := cfg["model"].(string); ok && model != "" {
		args = append(args, "--model", model)
	}
	switch outputFormat {
	case "json":
		args = append(args, "--output-format=json")
	case "stream-json":
		args = append(args, "--output-format=stream-json")
	}
	if noTools, _ := cfg["no_tools"].(bool); noTools {
		args = append(args, "--no-tools")
	} else if allowed, ok := cfg["allowed_tools"].([]any); ok && len(allowed) > 0 {
		names := make([]string, 0, len(allowed))
		for _, a := range allowed {
			if s, ok := a.(string); ok {
				names = append(names, s)
			}
		}
		args = append(args, "--allowedTools", strings.Join(names, ","))
	}
	if sessionID, ok := cfg["session_id"].(string); ok && sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	saveSession, _ := cfg["save_session"].(bool)

	cmd := exec.CommandContext(ec.Context, claudePath, args...)
	if dir, ok := cfg["working_dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"FLOWPILOT_EXECUTION_ID="+ec.ExecutionID,
		"FLOWPILOT_WORKFLOW="+ec.WorkflowName,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	output, data := parseChatCLIOutput(stdout.String(), outputFormat)
	if saveSession {
		if m := sessionIDPattern.FindStringSubmatch(stderr.String()); len(m) == 2 {
			data["session_id"] = m[1]
		}
	}

	result := map[string]any{
		"stdout":  stdout.String(),
		"stderr":  stderr.String(),
		"output":  output,
		"data":    data,
		"elapsed": elapsed.String(),
	}

	if runErr != nil {
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		nodeErr := flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"chat cli exited with code "+strconv.Itoa(exitCode), runErr, exitCode == 124)
		if exitCode == 124 {
			nodeErr.Category = flowerrors.CategoryTransient
		}
		return result, nodeErr
	}
	return result, nil
}

// parseChatCLIOutput mirrors the original implementation's _parse_output:
// text is stripped; json is decoded with `result.text` lifted to output on
// success and a raw fallback on decode failure; stream-json concatenates
// every "text"-typed newline-delimited event and carries the full event
// list in data.
func parseChatCLIOutput(stdout, format string) (string, map[string]any) {
	switch format {
	case "json":
		var decoded map[string]any
		if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
			return strings.TrimSpace(stdout), map[string]any{"raw": stdout}
		}
		output := stdout
		if result, ok := decoded["result"].(map[string]any); ok {
			if text, ok := result["text"].(string); ok {
				output = text
			}
		}
		return output, decoded

	case "stream-json":
		var text strings.Builder
		var events []any
		for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
			if line == "" {
				continue
			}
			var event map[string]any
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				text.WriteString(line)
				continue
			}
			events = append(events, event)
			if event["type"] == "text" {
				if t, ok := event["text"].(string); ok {
					text.WriteString(t)
				}
			}
		}
		return text.String(), map[string]any{"events": events}

	default:
		return strings.TrimSpace(stdout), map[string]any{}
	}
}

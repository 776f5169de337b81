package executor

import (
	"os"
	"path/filepath"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// FileReadExecutor and FileWriteExecutor implement the file-read/file-write
// node kinds (§4.3), generalized from the teacher's JSONParserExecutor which
// decodes a structured payload handed to it in-process — here the payload
// comes from disk instead.
type FileReadExecutor struct{}

func NewFileReadExecutor() *FileReadExecutor { return &FileReadExecutor{} }

func (e *FileReadExecutor) Kind() domain.NodeKind { return domain.KindFileRead }

func (e *FileReadExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"file-read node requires a non-empty path", nil, false)
	}
	path = filepath.Clean(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to read file", err, os.IsTimeout(err))
	}

	return map[string]any{
		"path":    path,
		"content": string(content),
		"size":    len(content),
	}, nil
}

type FileWriteExecutor struct{}

func NewFileWriteExecutor() *FileWriteExecutor { return &FileWriteExecutor{} }

func (e *FileWriteExecutor) Kind() domain.NodeKind { return domain.KindFileWrite }

func (e *FileWriteExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"file-write node requires a non-empty path", nil, false)
	}
	path = filepath.Clean(path)

	content, _ := cfg["content"].(string)
	writeMode, _ := cfg["mode"].(string)

	perm := os.FileMode(0o644)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to create parent directory", err, false)
	}

	var written int
	if writeMode == "append" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
		if err != nil {
			return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
				"failed to open file for append", err, false)
		}
		defer f.Close()
		n, err := f.WriteString(content)
		if err != nil {
			return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
				"failed to append to file", err, false)
		}
		written = n
	} else {
		if err := os.WriteFile(path, []byte(content), perm); err != nil {
			return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
				"failed to write file", err, false)
		}
		written = len(content)
	}

	info, err := os.Stat(path)
	var finalSize int64
	if err == nil {
		finalSize = info.Size()
	}

	return map[string]any{
		"path":          path,
		"bytes_written": written,
		"size":          finalSize,
	}, nil
}

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

func TestFileReadExecutor_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	ex := NewFileReadExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "read", Config: map[string]any{"path": path}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["content"])
	assert.Equal(t, 11, out["size"])
}

func TestFileReadExecutor_MissingFileErrors(t *testing.T) {
	ex := NewFileReadExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "read", Config: map[string]any{"path": "/nonexistent/path.txt"}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestFileReadExecutor_MissingPathErrors(t *testing.T) {
	ex := NewFileReadExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "read", Config: map[string]any{}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestFileReadExecutor_Kind(t *testing.T) {
	assert.Equal(t, domain.KindFileRead, NewFileReadExecutor().Kind())
}

func TestFileWriteExecutor_WritesContentAndCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "output.txt")

	ex := NewFileWriteExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "write", Config: map[string]any{
		"path": path, "content": "written content",
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, len("written content"), out["bytes_written"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written content", string(data))
}

func TestFileWriteExecutor_DefaultModeTruncatesExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content that is long"), 0o644))

	ex := NewFileWriteExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "write", Config: map[string]any{
		"path": path, "content": "new",
	}}}

	_, err := ex.Execute(ec)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestFileWriteExecutor_AppendModeAddsToExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.txt")
	require.NoError(t, os.WriteFile(path, []byte("line1\n"), 0o644))

	ex := NewFileWriteExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "write", Config: map[string]any{
		"path": path, "content": "line2\n", "mode": "append",
	}}}

	out, err := ex.Execute(ec)
	require.NoError(t, err)
	assert.Equal(t, len("line2\n"), out["bytes_written"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(data))
	assert.EqualValues(t, len("line1\nline2\n"), out["size"])
}

func TestFileWriteExecutor_AppendModeCreatesFileIfMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")

	ex := NewFileWriteExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "write", Config: map[string]any{
		"path": path, "content": "first\n", "mode": "append",
	}}}

	_, err := ex.Execute(ec)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))
}

func TestFileWriteExecutor_MissingPathErrors(t *testing.T) {
	ex := NewFileWriteExecutor()
	ec := &ExecContext{Context: context.Background(), Node: domain.Node{ID: "write", Config: map[string]any{}}}

	_, err := ex.Execute(ec)
	require.Error(t, err)
}

func TestFileWriteExecutor_Kind(t *testing.T) {
	assert.Equal(t, domain.KindFileWrite, NewFileWriteExecutor().Kind())
}

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessor() *Processor {
	return NewProcessor(NewEvaluator())
}

func TestRenderString_ValueInterpolation(t *testing.T) {
	p := newProcessor()
	out, err := p.RenderString("hello {{ inputs.name }}", map[string]any{"inputs": map[string]any{"name": "ada"}})
	require.NoError(t, err)
	assert.Equal(t, "hello ada", out)
}

func TestRenderString_UndefinedIdentifierFails(t *testing.T) {
	p := newProcessor()
	_, err := p.RenderString("{{ missing }}", map[string]any{"inputs": map[string]any{}})
	require.Error(t, err)
}

func TestRenderString_IfElseBlock(t *testing.T) {
	p := newProcessor()
	vars := map[string]any{"inputs": map[string]any{"env": "prod"}}

	out, err := p.RenderString(`{% if inputs.env == "prod" %}live{% else %}test{% endif %}`, vars)
	require.NoError(t, err)
	assert.Equal(t, "live", out)

	vars["inputs"] = map[string]any{"env": "dev"}
	out, err = p.RenderString(`{% if inputs.env == "prod" %}live{% else %}test{% endif %}`, vars)
	require.NoError(t, err)
	assert.Equal(t, "test", out)
}

func TestRenderString_ForLoop(t *testing.T) {
	p := newProcessor()
	vars := map[string]any{"inputs": map[string]any{"names": []any{"a", "b", "c"}}}

	out, err := p.RenderString("{% for n in inputs.names %}[{{ n }}]{% endfor %}", vars)
	require.NoError(t, err)
	assert.Equal(t, "[a][b][c]", out)
}

func TestRenderString_ForLoopRejectsNonListExpression(t *testing.T) {
	p := newProcessor()
	vars := map[string]any{"inputs": map[string]any{"name": "not-a-list"}}

	_, err := p.RenderString("{% for n in inputs.name %}{{ n }}{% endfor %}", vars)
	require.Error(t, err)
}

func TestRenderString_UnterminatedIfBlockErrors(t *testing.T) {
	p := newProcessor()
	_, err := p.RenderString("{% if true %}oops", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

func TestProcessMap_RendersEveryStringField(t *testing.T) {
	p := newProcessor()
	vars := map[string]any{"inputs": map[string]any{"host": "example.com"}}

	out, err := p.ProcessMap(map[string]any{
		"url":    "https://{{ inputs.host }}/health",
		"method": "GET",
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/health", out["url"])
	assert.Equal(t, "GET", out["method"])
}

func TestProcess_WalksNestedSlicesAndMaps(t *testing.T) {
	p := newProcessor()
	vars := map[string]any{"inputs": map[string]any{"tag": "v1"}}

	value := map[string]any{
		"args": []any{"build", "--tag={{ inputs.tag }}"},
	}
	out, err := p.Process(value, vars)
	require.NoError(t, err)

	m := out.(map[string]any)
	args := m["args"].([]any)
	assert.Equal(t, "build", args[0])
	assert.Equal(t, "--tag=v1", args[1])
}

func TestWithFilters_ExposesFilterFunctions(t *testing.T) {
	p := newProcessor()
	vars := WithFilters(map[string]any{"inputs": map[string]any{"text": "hello\nworld"}})

	out, err := p.RenderString("{{ first_line(inputs.text) }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

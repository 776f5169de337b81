package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilters_Truncate(t *testing.T) {
	f := Filters()["truncate"].(func(string, int, ...string) string)
	assert.Equal(t, "hello", f("hello", 10))
	assert.Equal(t, "he…", f("hello", 2))
}

func TestFilters_TruncateCustomSuffix(t *testing.T) {
	f := Filters()["truncate"].(func(string, int, ...string) string)
	assert.Equal(t, "he...", f("hello", 2, "..."))
}

func TestFilters_FirstAndLastLine(t *testing.T) {
	firstLine := Filters()["first_line"].(func(string) string)
	lastLine := Filters()["last_line"].(func(string) string)

	text := "one\ntwo\nthree\n"
	assert.Equal(t, "one", firstLine(text))
	assert.Equal(t, "three", lastLine(text))
}

func TestFilters_StripUpperLower(t *testing.T) {
	strip := Filters()["strip"].(func(string) string)
	upper := Filters()["upper"].(func(string) string)
	lower := Filters()["lower"].(func(string) string)

	assert.Equal(t, "hi", strip("  hi  "))
	assert.Equal(t, "HI", upper("hi"))
	assert.Equal(t, "hi", lower("HI"))
}

func TestFilters_Split(t *testing.T) {
	split := Filters()["split"].(func(string, ...string) []any)
	assert.Equal(t, []any{"a", "b", "c"}, split("a,b,c", ","))
	assert.Equal(t, []any{"a", "b"}, split("a b"))
}

func TestFilters_JSON(t *testing.T) {
	j := Filters()["json"].(func(any, ...int) string)
	assert.Equal(t, `{"a":1}`, j(map[string]any{"a": 1}))
}

func TestFilters_Int(t *testing.T) {
	toInt := Filters()["int"].(func(string) int)
	assert.Equal(t, 42, toInt(" 42 "))
	assert.Equal(t, 0, toInt("not-a-number"))
}

func TestWithFilters_DoesNotOverrideExistingKey(t *testing.T) {
	vars := WithFilters(map[string]any{"upper": "shadowed"})
	assert.Equal(t, "shadowed", vars["upper"])
}

package logprocessing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreprocessPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		line string
		want []string
	}{
		{
			"timestamp",
			"2024-03-01T12:34:56 starting build",
			[]string{"<TIMESTAMP>", "starting", "build"},
		},
		{
			"bare time",
			"finished at 12:34:56 today",
			[]string{"finished", "at", "<TIME>", "today"},
		},
		{
			"ip address",
			"connecting to 10.0.0.1 failed",
			[]string{"connecting", "to", "<IP>", "failed"},
		},
		{
			"uuid",
			"request 550e8400-e29b-41d4-a716-446655440000 accepted",
			[]string{"request", "<UUID>", "accepted"},
		},
		{
			"git sha",
			"checked out da39a3ee5e6b4b0d3255bfef95601890afd80709 from origin",
			[]string{"checked", "out", "<SHA1>", "from", "origin"},
		},
		{
			"hex literal",
			"fault at 0xdeadbeef in handler",
			[]string{"fault", "at", "<HEX>", "in", "handler"},
		},
		{
			"integers with boundaries",
			"retry 3 of 10 total",
			[]string{"retry", "<NUM>", "of", "<NUM>", "total"},
		},
		{
			"digits glued to letters survive",
			"worker request42 ready",
			[]string{"worker", "request42", "ready"},
		},
		{
			"url",
			"fetching https://registry.npmjs.org/react now",
			[]string{"fetching", "<URL>", "now"},
		},
		{
			"filesystem path",
			"writing /var/lib/build/output.tar done",
			[]string{"writing", "<PATH>", "done"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, preprocess(tc.line))
		})
	}
}

func TestPreprocessSplitsOnStructuralDelimiters(t *testing.T) {
	tokens := preprocess("level=info msgfoo [stage] (cleanup) {ok};done|next")
	assert.Equal(t, []string{"level", "info", "msgfoo", "stage", "cleanup", "ok", "done", "next"}, tokens)
}

func TestPreprocessEmptyAndBlank(t *testing.T) {
	assert.Empty(t, preprocess(""))
	assert.Empty(t, preprocess("   \t  "))
}

func TestReplaceIntegers(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"exit code 1 found", "exit code <NUM> found"},
		{"got -5 items", "got <NUM> items"},
		{"offset +12 applied", "offset <NUM> applied"},
		{"abc123 def", "abc123 def"},
		{"123abc", "123abc"},
		{"(42)", "(<NUM>)"},
		{"a-1-b", "a-<NUM>-b"},
		{"x - y", "x - y"},
		{"trailing 7", "trailing 7"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, replaceIntegers(tc.in), "input %q", tc.in)
	}
}

func TestHasNumbers(t *testing.T) {
	assert.True(t, hasNumbers("abc1"))
	assert.True(t, hasNumbers("<NUM>"))
	assert.False(t, hasNumbers("abc"))
	assert.False(t, hasNumbers("<*>"))
}

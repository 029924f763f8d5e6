package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaskListPlainArray(t *testing.T) {
	reply := `[
		{"task": "Add login endpoint", "priority": 1, "estimated_files": ["src/auth/*.go"]},
		{"task": "Write auth docs", "priority": 2, "estimated_files": ["docs/auth.md"]}
	]`

	tasks, err := decodeTaskList(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "Add login endpoint", tasks[0].Text)
	assert.Equal(t, 1, tasks[0].Priority)
	assert.Equal(t, []string{"src/auth/*.go"}, tasks[0].EstimatedFiles)
	assert.Equal(t, 2, tasks[1].Priority)
}

func TestDecodeTaskListFenced(t *testing.T) {
	reply := "Here is the breakdown:\n```json\n" +
		`[{"task": "Refactor parser", "priority": 1}]` +
		"\n```\nLet me know if you need more detail."

	tasks, err := decodeTaskList(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Refactor parser", tasks[0].Text)
	assert.Empty(t, tasks[0].EstimatedFiles)
}

func TestDecodeTaskListProseWrapped(t *testing.T) {
	reply := `Sure! The plan: [{"task": "Fix the build", "priority": 0}] — that's everything.`

	tasks, err := decodeTaskList(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Fix the build", tasks[0].Text)
}

func TestDecodeTaskListDropsEntriesWithoutText(t *testing.T) {
	reply := `[{"task": "  "}, {"priority": 3}, {"task": "Real work", "priority": 3}]`

	tasks, err := decodeTaskList(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "Real work", tasks[0].Text)
}

func TestDecodeTaskListErrors(t *testing.T) {
	for name, reply := range map[string]string{
		"no json":       "I could not understand the request.",
		"object":        `{"task": "one thing"}`,
		"empty array":   `[]`,
		"no task texts": `[{"priority": 1}, {"task": ""}]`,
		"broken json":   `[{"task": "x",]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeTaskList(reply)
			assert.Error(t, err)
		})
	}
}

func TestDecodeTaskListInvalidEstimatePatternsDropped(t *testing.T) {
	reply := `[{"task": "Update configs", "estimated_files": ["conf/[.yaml", "conf/*.yaml", 42, ""]}]`

	tasks, err := decodeTaskList(reply)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, []string{"conf/*.yaml"}, tasks[0].EstimatedFiles)
}

func TestDecodeGlobs(t *testing.T) {
	got := decodeGlobs("```json\n" + `["src/**/*.go", "README.md", "src/**/*.go"]` + "\n```")
	assert.Equal(t, []string{"src/**/*.go", "README.md"}, got, "fenced, deduplicated")

	assert.Nil(t, decodeGlobs("no patterns here"))
	assert.Nil(t, decodeGlobs(`{"files": ["a.go"]}`))
	assert.Nil(t, decodeGlobs(`[1, 2, 3]`), "non-string elements yield nothing")
	assert.Nil(t, decodeGlobs(`["src/[broken"]`), "invalid glob dropped")
}

func TestPredictPromptMentionsTruncation(t *testing.T) {
	listing := []string{"a.go", "b.go"}

	full := predictPrompt("do things", listing, false)
	assert.NotContains(t, full, "truncated")

	cut := predictPrompt("do things", listing, true)
	assert.Contains(t, cut, "truncated to the first 2 files")
	assert.Contains(t, cut, "a.go")
	assert.Contains(t, cut, "do things")
}

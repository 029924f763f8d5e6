package analyzer

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/randalmurphal/swarm/internal/lock"
)

// decomposed is one task from a prompt decomposition reply.
type decomposed struct {
	Text           string
	Priority       int
	EstimatedFiles []string
}

// decomposePrompt asks for the subtask breakdown of a free-text request.
func decomposePrompt(prompt string) string {
	var sb strings.Builder
	sb.WriteString("Decompose the following request into independent subtasks ")
	sb.WriteString("that coding agents can execute in parallel working trees.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	sb.WriteString("Reply with a JSON array, ordered by execution priority:\n")
	sb.WriteString(`[{"task": "<instruction>", "priority": <integer, lower first>, "estimated_files": ["<glob>", ...]}]`)
	sb.WriteString("\n\n")
	sb.WriteString("Tasks with equal priority may run concurrently; give tasks that ")
	sb.WriteString("touch the same files different priorities or identical globs. ")
	sb.WriteString("Keep each task self-contained: its instruction is all the agent sees.")
	return sb.String()
}

// predictPrompt asks which files one task will create or modify.
func predictPrompt(text string, listing []string, truncated bool) string {
	var sb strings.Builder
	sb.WriteString("Given this repository file listing")
	if truncated {
		fmt.Fprintf(&sb, " (truncated to the first %d files)", len(listing))
	}
	sb.WriteString(":\n\n")
	for _, p := range listing {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nWhich files will the following task create or modify?\n\n")
	sb.WriteString("Task: ")
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString(`Reply with only a JSON array of glob patterns, for example ["src/auth/*.go", "docs/api.md"]. `)
	sb.WriteString(`Use "**" only if the task genuinely touches the whole tree.`)
	return sb.String()
}

// decodeTaskList extracts the decomposition array from an LLM reply. The
// reply may wrap the JSON in prose or code fences. Entries without task
// text are dropped; an empty result is an error because a prompt that
// decomposes to nothing means the request was not understood.
func decodeTaskList(reply string) ([]decomposed, error) {
	arr, ok := extractArray(reply)
	if !ok {
		return nil, fmt.Errorf("no JSON array in reply: %s", head(reply, 200))
	}

	var out []decomposed
	arr.ForEach(func(_, el gjson.Result) bool {
		text := strings.TrimSpace(el.Get("task").String())
		if text == "" {
			return true
		}
		out = append(out, decomposed{
			Text:           text,
			Priority:       int(el.Get("priority").Int()),
			EstimatedFiles: globStrings(el.Get("estimated_files")),
		})
		return true
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("decomposition produced no tasks: %s", head(reply, 200))
	}
	return out, nil
}

// decodeGlobs extracts a glob array from a prediction reply. Anything
// unusable yields nil: an unpredicted task simply holds no locks.
func decodeGlobs(reply string) []string {
	arr, ok := extractArray(reply)
	if !ok {
		return nil
	}
	return globStrings(arr)
}

// globStrings collects the valid glob strings of a gjson array, dropping
// non-strings, empties, and patterns doublestar cannot compile.
func globStrings(arr gjson.Result) []string {
	if !arr.IsArray() {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	arr.ForEach(func(_, el gjson.Result) bool {
		if el.Type != gjson.String {
			return true
		}
		pattern := strings.TrimSpace(el.String())
		if pattern == "" || seen[pattern] || !lock.ValidPattern(pattern) {
			return true
		}
		seen[pattern] = true
		out = append(out, pattern)
		return true
	})
	return out
}

// extractArray finds the first JSON array in a reply that may carry prose
// or markdown fences around it.
func extractArray(reply string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(stripFences(reply))
	if gjson.Valid(trimmed) {
		if v := gjson.Parse(trimmed); v.IsArray() {
			return v, true
		}
	}

	start := strings.IndexByte(trimmed, '[')
	end := strings.LastIndexByte(trimmed, ']')
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	candidate := trimmed[start : end+1]
	if !gjson.Valid(candidate) {
		return gjson.Result{}, false
	}
	v := gjson.Parse(candidate)
	return v, v.IsArray()
}

// stripFences removes markdown code fences so ```json blocks parse.
func stripFences(s string) string {
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func head(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

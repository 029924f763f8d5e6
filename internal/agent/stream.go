package agent

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel is the literal an agent must emit somewhere in its textual
// output for a task to count as complete. Exit code 0 alone is not enough:
// agents exit clean after giving up all the time.
const Sentinel = "<promise>COMPLETE</promise>"

// Kind tags one event from the agent's stdout stream.
type Kind string

const (
	KindStepStart  Kind = "step_start"
	KindToolUse    Kind = "tool_use"
	KindStepFinish Kind = "step_finish"
	KindText       Kind = "text"
	KindOther      Kind = "other"
)

// Event is one parsed line of the agent's one-JSON-object-per-line stream.
// Unrecognized lines (including non-JSON) become KindOther with Raw set, so
// nothing the agent prints is dropped on the floor.
type Event struct {
	Kind      Kind
	Tool      string // tool name, for KindToolUse
	Text      string // decoded textual content, when present
	TokensIn  int64
	TokensOut int64
	Raw       string
}

// HasUsage reports whether the event carried token counts.
func (e Event) HasUsage() bool {
	return e.TokensIn > 0 || e.TokensOut > 0
}

// ParseLine classifies one stdout line. The shapes vary by agent CLI and
// version, so every field is probed through a list of known paths instead
// of a fixed schema.
func ParseLine(line string) Event {
	ev := Event{Kind: KindOther, Raw: line}
	if !gjson.Valid(line) {
		return ev
	}
	v := gjson.Parse(line)

	switch v.Get("type").String() {
	case "step_start", "step-start":
		ev.Kind = KindStepStart
	case "tool_use", "tool-use", "tool":
		ev.Kind = KindToolUse
	case "step_finish", "step-finish", "result":
		ev.Kind = KindStepFinish
	case "text", "assistant", "message", "content_block_delta":
		ev.Kind = KindText
	}

	ev.Tool = firstString(v,
		"tool",
		"tool_name",
		"name",
		"part.tool",
		"message.content.0.name",
	)
	if ev.Kind == KindOther && ev.Tool != "" && v.Get("type").String() == "" {
		ev.Kind = KindToolUse
	}

	ev.Text = extractText(v)
	ev.TokensIn, ev.TokensOut = extractTokens(v)
	return ev
}

// extractText pulls human-readable content out of the known stream shapes.
func extractText(v gjson.Result) string {
	if s := firstString(v, "text", "part.text", "delta.text", "message.text", "result"); s != "" {
		return s
	}
	if s := v.Get("content"); s.Type == gjson.String {
		return s.String()
	}
	// Anthropic-style message content: an array of typed blocks.
	blocks := v.Get("message.content")
	if !blocks.IsArray() {
		return ""
	}
	var sb strings.Builder
	blocks.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Exists() {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(t.String())
		}
		return true
	})
	return sb.String()
}

// extractTokens reads usage counters wherever the stream put them. Cache
// reads and writes count as input: they occupy context the same way.
func extractTokens(v gjson.Result) (in, out int64) {
	in = firstInt(v,
		"tokens.input",
		"usage.input_tokens",
		"usage.prompt_tokens",
		"message.usage.input_tokens",
		"part.tokens.input",
	)
	in += firstInt(v, "usage.cache_read_input_tokens", "message.usage.cache_read_input_tokens")
	in += firstInt(v, "usage.cache_creation_input_tokens", "message.usage.cache_creation_input_tokens")

	out = firstInt(v,
		"tokens.output",
		"usage.output_tokens",
		"usage.completion_tokens",
		"message.usage.output_tokens",
		"part.tokens.output",
	)

	if in == 0 && out == 0 {
		// Total-only shape; attribute to output so the sum is preserved.
		out = firstInt(v, "usage.total_tokens", "tokens.total")
	}
	return in, out
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

func firstInt(v gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() {
			if n := r.Int(); n > 0 {
				return n
			}
		}
	}
	return 0
}

// TaskPrompt wraps a task's text with the completion directive. Workers and
// the analyzer both send prompts through this so the sentinel contract
// lives in one place.
func TaskPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString("When the task above is fully complete, output the literal line:\n")
	sb.WriteString(Sentinel)
	sb.WriteString("\nDo not output it before the work is done.")
	return sb.String()
}

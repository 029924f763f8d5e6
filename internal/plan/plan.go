// Package plan parses markdown task checklists and writes completion state
// back into them.
//
// A plan is ordinary markdown: tasks are bullet lines with a checkbox
// (`- [ ] fix the parser`), optionally grouped under `#` headings, with
// prose and YAML front-matter tolerated around them.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ItemStatus is the checkbox state of one checklist item.
type ItemStatus string

const (
	// StatusPending is an unchecked box: `[ ]`.
	StatusPending ItemStatus = "pending"
	// StatusDone is a checked box: `[x]`, `[X]`, or `[✅]`.
	StatusDone ItemStatus = "done"
	// StatusInProgress marks work a previous run started: `[⏳]` or `[🔄]`.
	StatusInProgress ItemStatus = "in_progress"
)

// Item is one checklist entry.
type Item struct {
	Text    string // task text after the checkbox, trimmed
	Line    int    // 1-based source line
	Status  ItemStatus
	Section string // nearest heading above the item, "" when none
}

// Document is a parsed plan.
type Document struct {
	Items []Item
}

// Pending returns the items that represent new work. In-progress boxes from
// an interrupted earlier run count as pending: their work was never
// recorded complete.
func (d *Document) Pending() []Item {
	var out []Item
	for _, item := range d.Items {
		if item.Status == StatusPending || item.Status == StatusInProgress {
			out = append(out, item)
		}
	}
	return out
}

// Done returns the items already checked off.
func (d *Document) Done() []Item {
	var out []Item
	for _, item := range d.Items {
		if item.Status == StatusDone {
			out = append(out, item)
		}
	}
	return out
}

// taskLine matches a bullet (-, *, +, or an ordered "1." / "1)") followed
// by a checkbox. The checkbox capture is byte-based so emoji states work.
var taskLine = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+\[([^\]]*)\]\s+(.+?)\s*$`)

var headingLine = regexp.MustCompile(`^(#+)\s+(.*?)\s*$`)

// Parse reads a plan document. Lines that are not recognized tasks or
// headings are ignored, so a plan can carry arbitrary prose.
func Parse(content []byte) *Document {
	lines := strings.Split(string(content), "\n")
	doc := &Document{}
	section := ""

	inFrontMatter := false
	seenContent := false
	for i, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		// YAML front-matter: a `---` fence on the first non-blank line
		// opens it; the next `---` or `...` closes it.
		if inFrontMatter {
			if trimmed == "---" || trimmed == "..." {
				inFrontMatter = false
			}
			continue
		}
		if trimmed == "---" && !seenContent {
			inFrontMatter = true
			seenContent = true
			continue
		}
		if trimmed != "" {
			seenContent = true
		}

		if m := headingLine.FindStringSubmatch(line); m != nil {
			section = m[2]
			continue
		}

		m := taskLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status, ok := checkboxStatus(m[1])
		if !ok {
			continue
		}
		doc.Items = append(doc.Items, Item{
			Text:    m[2],
			Line:    i + 1,
			Status:  status,
			Section: section,
		})
	}
	return doc
}

// ParseFile reads and parses a plan file.
func ParseFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(content), nil
}

func checkboxStatus(box string) (ItemStatus, bool) {
	switch box {
	case " ":
		return StatusPending, true
	case "x", "X", "✅":
		return StatusDone, true
	case "⏳", "🔄":
		return StatusInProgress, true
	default:
		return "", false
	}
}

// checkboxRe locates the checkbox portion of a task line for rewriting.
var checkboxRe = regexp.MustCompile(`\[[^\]]*\]`)

// Update rewrites the checkboxes of the given 1-based lines to `[x]` and
// returns the new content. Every byte outside the rewritten checkboxes is
// preserved, so parsing the result yields the same document with those
// items done. Lines that are not task lines are left untouched.
func Update(content []byte, done map[int]bool) []byte {
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if !done[i+1] {
			continue
		}
		if !taskLine.MatchString(strings.TrimRight(line, "\r")) {
			continue
		}
		// Only the first bracket pair on the line is the state box.
		if idx := checkboxRe.FindStringIndex(line); idx != nil {
			lines[i] = line[:idx[0]] + "[x]" + line[idx[1]:]
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

// UpdateFile applies Update to a plan file in place. The write goes through
// a temp file and rename: the plan belongs to the user, and a crash must
// never leave it half-written.
func UpdateFile(path string, done map[int]bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, Update(content, done), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a sibling temp file, syncs it, and renames
// it over path. Rename within one directory is atomic on POSIX filesystems.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".plan-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ContentHash returns the SHA-256 of a task's normalized text: trimmed,
// inner whitespace collapsed, lowercased. Rewording spacing or case in a
// plan does not orphan completed-task records on resume.
func ContentHash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

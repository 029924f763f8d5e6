package worker

import (
	"fmt"
	"strings"
	"unicode"
)

// digestTokens is how many keywords a digest carries.
const digestTokens = 5

// digestMinLen filters out stopword-length tokens.
const digestMinLen = 4

// KeywordDigest reduces a task's text to a short keyword tag: the first
// five tokens of length >= 4, lowercased, stripped to alphanumerics, joined
// by dashes. Commit subjects embed it, and resume checks match it again, so
// an interrupted run can tell finished work from unfinished without any
// store record of the commit.
//
// Returns "" when the text has no qualifying tokens; callers must not
// substring-match an empty digest.
func KeywordDigest(text string) string {
	var keep []string
	for _, field := range strings.Fields(text) {
		var b strings.Builder
		for _, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToLower(r))
			}
		}
		token := b.String()
		if len(token) < digestMinLen {
			continue
		}
		keep = append(keep, token)
		if len(keep) == digestTokens {
			break
		}
	}
	return strings.Join(keep, "-")
}

// CommitMessage builds the commit subject for a completed task. The digest
// comes first so resume matching is a plain substring check.
func CommitMessage(taskID int64, text string) string {
	digest := KeywordDigest(text)
	if digest == "" {
		return fmt.Sprintf("swarm: (task %d)", taskID)
	}
	return fmt.Sprintf("swarm: %s (task %d)", digest, taskID)
}

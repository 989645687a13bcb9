package mergectx

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const maxLineLength = 72

var trailingPRNumber = regexp.MustCompile(`\(#(\d+)\)\s*$`)

// stagingTagName builds the qualified tag name a staged PR is tracked
// under: "tags/M-staged-PR<n>".
func stagingTagName(prNumber int) string {
	return fmt.Sprintf("tags/M-staged-PR%d", prNumber)
}

// parseStagingTag recovers the PR number from a tag name built by
// stagingTagName, in either its qualified or bare ref form.
func parseStagingTag(name string) (int, bool) {
	name = strings.TrimPrefix(name, "refs/")
	name = strings.TrimPrefix(name, "tags/")
	const prefix = "M-staged-PR"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParsePRNumber recovers a PR number from a commit message's first line by
// matching a trailing "(#N)" marker, as a fallback when no other mapping
// from event to PR succeeds. Exported for the ScanEngine, which needs the
// same recovery when resolving a Sha/Branch identity or the staged PR.
func ParsePRNumber(message string) (int, bool) {
	return parsePRNumber(message)
}

func parsePRNumber(message string) (int, bool) {
	firstLine, _, _ := strings.Cut(normalizeLineEndings(message), "\n")
	m := trailingPRNumber.FindStringSubmatch(firstLine)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// validateMessage enforces the 72-character-per-line rule on a commit
// message's every line, title included. Empty lines are always valid.
func validateMessage(message string) bool {
	for _, line := range strings.Split(normalizeLineEndings(message), "\n") {
		if len(line) > maxLineLength {
			return false
		}
	}
	return true
}

// mergeMessage builds the staging/merge commit message: title with the PR
// number appended, a blank line, then the body.
func mergeMessage(title string, prNumber int, body string) string {
	titled := fmt.Sprintf("%s (#%d)", title, prNumber)
	if strings.TrimSpace(body) == "" {
		return titled
	}
	return titled + "\n\n" + body
}

package reply

import (
	"path/filepath"
	"regexp"
	"strings"
)

const maxReplyLength = 1200

var (
	fenceOpenRe   = regexp.MustCompile("(?m)^```[a-zA-Z0-9]*\n")
	fenceCloseRe  = regexp.MustCompile("(?m)\n```\\s*$")
	headerRe      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldItalicRe  = regexp.MustCompile(`\*{1,2}|_{1,2}`)
	inlineCodeRe  = regexp.MustCompile("`([^`]*)`")
	tableSepRe    = regexp.MustCompile(`(?m)^\s*\|?\s*:?-+:?\s*(\|\s*:?-+:?\s*)+\|?\s*$\n?`)
	tableRowRe    = regexp.MustCompile(`(?m)^\s*\|(.+)\|\s*$`)
	internalPaths = []string{"/workspace/", "/storage/media/", "/tmp/"}
)

// sanitize applies §4.7's pipeline in order: CRLF normalize, fence
// stripping, markdown stripping, path stripping, truncation.
func sanitize(content string) string {
	s := strings.ReplaceAll(content, "\r\n", "\n")
	s = fenceOpenRe.ReplaceAllString(s, "")
	s = fenceCloseRe.ReplaceAllString(s, "")

	s = headerRe.ReplaceAllString(s, "")
	s = tableSepRe.ReplaceAllString(s, "")
	s = tableRowRe.ReplaceAllStringFunc(s, flattenTableRow)
	s = boldItalicRe.ReplaceAllString(s, "")
	s = inlineCodeRe.ReplaceAllString(s, "$1")

	for _, prefix := range internalPaths {
		s = stripPathPrefix(s, prefix)
	}

	if len(s) > maxReplyLength {
		s = s[:maxReplyLength] + "\n\n(abridged)"
	}
	return s
}

// flattenTableRow turns "| a | b | c |" into "a - b - c".
func flattenTableRow(row string) string {
	m := tableRowRe.FindStringSubmatch(row)
	if m == nil {
		return row
	}
	cells := strings.Split(m[1], "|")
	for i, c := range cells {
		cells[i] = strings.TrimSpace(c)
	}
	return strings.Join(cells, " - ")
}

// stripPathPrefix replaces every occurrence of prefix+token with the
// token's basename.
func stripPathPrefix(s, prefix string) string {
	for {
		idx := strings.Index(s, prefix)
		if idx == -1 {
			return s
		}
		end := idx + len(prefix)
		for end < len(s) && !strings.ContainsRune(" \t\n,.;:!?)\"'", rune(s[end])) {
			end++
		}
		full := s[idx:end]
		s = s[:idx] + filepath.Base(full) + s[end:]
	}
}

// shortTokenRe matches a single word with no whitespace, used by
// shouldSkipRewrite's short-token case.
var shortTokenRe = regexp.MustCompile(`^\S+$`)

// singleLineJSONObjectRe matches a one-line JSON object with no newline.
var singleLineJSONObjectRe = regexp.MustCompile(`^\{.*\}$`)

// shouldSkipRewrite implements §4.7's skip-rewrite predicate: empty,
// exactly "OK", a single-line JSON object, or a short token with no
// whitespace.
func shouldSkipRewrite(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed == "OK" {
		return true
	}
	if !strings.Contains(trimmed, "\n") && singleLineJSONObjectRe.MatchString(trimmed) {
		return true
	}
	if len(trimmed) <= 8 && shortTokenRe.MatchString(trimmed) {
		return true
	}
	return false
}

// splitSegments splits text on lines that are exactly "---" surrounded by
// blank lines, per §4.7's rewrite-split rule.
func splitSegments(text string) []string {
	lines := strings.Split(text, "\n")
	var segments []string
	var current []string
	for i, line := range lines {
		isSeparator := strings.TrimSpace(line) == "---" &&
			(i == 0 || strings.TrimSpace(lines[i-1]) == "") &&
			(i == len(lines)-1 || strings.TrimSpace(lines[i+1]) == "")
		if isSeparator {
			segments = append(segments, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
			continue
		}
		current = append(current, line)
	}
	segments = append(segments, strings.TrimSpace(strings.Join(current, "\n")))

	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg != "" {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(text)}
	}
	return out
}

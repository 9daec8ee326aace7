package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	apperrors "alphamine/internal/errors"
)

var (
	// ```json { ... } ```
	jsonBlockPattern     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	jsonObjectPattern    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from a model reply, tolerating markdown
// fences, // comments and trailing commas
func ExtractJSON(content string) string {
	raw := ""
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else if m := jsonObjectPattern.FindString(content); m != "" {
		raw = m
	}
	if raw == "" {
		return ""
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingCommaPattern.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// decodeReply unmarshals the JSON object in content into v. A reply without
// a decodable object is a transient failure: asking again usually helps.
func decodeReply(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeLLMTransient, "llm reply has no json object",
			truncate(content, 200), nil)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeLLMTransient, "llm reply is not valid json",
			truncate(raw, 200), err)
	}
	return nil
}

// stripLineComment removes a // comment outside JSON strings
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString, escaped := false, false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ShapeError reports that model output did not parse as the declared
// artifact. The diagnostic feeds the next attempt's context.
type ShapeError struct {
	Diagnostic string
}

func (e *ShapeError) Error() string {
	return "output shape: " + e.Diagnostic
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)```")

// Coerce parses model text into the target artifact. It tries, in
// order: the whole trimmed text, the first fenced code block, and the
// outermost brace-balanced object. Failure returns a *ShapeError with
// the parse diagnostic.
func Coerce(text string, target any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &ShapeError{Diagnostic: "empty output"}
	}

	candidates := []string{trimmed}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if obj := outermostObject(trimmed); obj != "" {
		candidates = append(candidates, obj)
	}

	var firstErr error
	for _, c := range candidates {
		if err := json.Unmarshal([]byte(c), target); err == nil {
			return nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return &ShapeError{Diagnostic: fmt.Sprintf("not valid JSON for the expected schema: %v", firstErr)}
}

// outermostObject returns the first brace-balanced {...} span,
// respecting strings and escapes.
func outermostObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

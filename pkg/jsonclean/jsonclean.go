// Package jsonclean extracts a JSON object from noisy LLM output.
//
// Judge models are instructed to answer with a single-line JSON object, but
// in practice wrap it in markdown fences, prose, or sloppy formatting. The
// helpers here strip that noise so the caller can unmarshal the payload.
package jsonclean

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

// Extract returns the first balanced JSON object found in s after removing
// markdown fences. It returns ErrNoObject when no object can be recovered.
func Extract(s string) (string, error) {
	s = stripFences(s)
	s = extractObject(s)

	if json.Valid([]byte(s)) {
		return s, nil
	}

	// Last resort: drop trailing commas, a common model slip.
	fixed := trailingComma.ReplaceAllString(s, "$1")
	if json.Valid([]byte(fixed)) {
		return fixed, nil
	}
	return "", &ParseError{Input: s}
}

// stripFences removes ```json / ``` markers and surrounding whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first brace-balanced object in s, or s itself
// when no opening brace exists.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// ParseError reports input that could not be reduced to valid JSON.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "jsonclean: no valid JSON object in input"
}

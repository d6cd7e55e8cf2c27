package helpers

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrNoJSON is returned when no balanced JSON object is present.
var ErrNoJSON = errors.New("no json object found")

// TrimSnippet collapses whitespace and caps s at limit runes, adding an ellipsis when cut.
func TrimSnippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit])) + "…"
}

// ExtractJSONObject returns the first balanced {...} block in s that decodes
// as JSON. Markdown fences and leading prose are tolerated.
func ExtractJSONObject(s string) ([]byte, error) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
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
					candidate := []byte(s[start : i+1])
					if json.Valid(candidate) {
						return candidate, nil
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, ErrNoJSON
}

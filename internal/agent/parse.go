package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model output is ingested tolerantly: strip code fences, then try the
// declared format, then fall back to the first balanced JSON object.

// StripCodeFences removes a surrounding markdown code fence if present.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// FirstJSONObject extracts the first balanced top-level JSON object or
// array from s, skipping braces inside string literals.
func FirstJSONObject(s string) string {
	start := -1
	var open, close rune
	for i, r := range s {
		if r == '{' || r == '[' {
			start = i
			open = r
			if r == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i, r := range s[start:] {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case r == '\\' && inString:
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == open:
			depth++
		case r == close:
			depth--
			if depth == 0 {
				return s[start : start+i+1]
			}
		}
	}
	return ""
}

// DecodeJSON parses model output into out, tolerating fences and prose
// around the object.
func DecodeJSON(raw string, out any) error {
	cleaned := StripCodeFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	obj := FirstJSONObject(cleaned)
	if obj == "" {
		return fmt.Errorf("no json object in model output")
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("parsing model json: %w", err)
	}
	return nil
}

// DecodeYAML parses model output into out, tolerating fences; JSON input
// also parses since YAML is a superset.
func DecodeYAML(raw string, out any) error {
	cleaned := StripCodeFences(raw)
	if err := yaml.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	obj := FirstJSONObject(cleaned)
	if obj == "" {
		return fmt.Errorf("no yaml document in model output")
	}
	if err := yaml.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("parsing model yaml: %w", err)
	}
	return nil
}

package fileutils

import (
	"strings"
)

// ExtractJSONObject returns the span from the first '{' to the last '}'.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// StripCodeFence removes a surrounding ``` fence (with optional language tag) from s.
func StripCodeFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s, false
	}
	body := strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...) on the opening line.
		if !strings.ContainsAny(body[:nl], "{[\"") {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body), true
}

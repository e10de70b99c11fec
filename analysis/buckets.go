package analysis

import (
	"fmt"
	"regexp"
	"strings"
)

var noneReasons = map[string]struct{}{
	"":               {},
	"none":           {},
	"n/a":            {},
	"na":             {},
	"null":           {},
	"nil":            {},
	"no breakdown":   {},
	"no failure":     {},
	"not applicable": {},
}

// NormalizeFailureReason maps a free-text failure reason onto a bucket name. Texts meaning
// "nothing failed" become ReasonNone; texts matching no rule become ReasonUnknown.
// Rules are tried in order and the first substring hit wins.
func NormalizeFailureReason(reason string, rules []BucketRule) string {
	s := strings.ToLower(strings.TrimSpace(reason))
	s = strings.Trim(s, " .!\"'")
	if _, ok := noneReasons[s]; ok {
		return ReasonNone
	}
	for _, r := range rules {
		if r.Bucket == s {
			return r.Bucket
		}
	}
	for _, r := range rules {
		for _, needle := range r.Contains {
			if needle != "" && strings.Contains(s, strings.ToLower(needle)) {
				return r.Bucket
			}
		}
	}
	return ReasonUnknown
}

var stepDigit = regexp.MustCompile(`[1-5]`)

// NormalizeExitStep maps exit step spellings ("Step 2", "2", "step_2: validation") onto
// none, step_1..step_5 or unknown.
func NormalizeExitStep(step string) string {
	s := strings.ToLower(strings.TrimSpace(step))
	s = strings.Trim(s, " .!\"'")
	switch s {
	case "none", "n/a", "null", "completed", "no exit":
		return ExitNone
	case "", "unknown":
		return ExitUnknown
	}
	d := stepDigit.FindString(s)
	if d == "" {
		return ExitUnknown
	}
	return fmt.Sprintf("step_%s", d)
}

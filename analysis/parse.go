package analysis

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
)

// ParseStrategy names the parser attempt that produced a judgment.
type ParseStrategy string

const (
	ParseFenced      ParseStrategy = "fenced"
	ParseStrict      ParseStrategy = "strict"
	ParseNormalized  ParseStrategy = "normalized"
	ParseExtracted   ParseStrategy = "extracted"
	ParseYesNo       ParseStrategy = "yes_no"
	ParseUnparseable ParseStrategy = "unparseable"
)

// Exit step values.
const (
	ExitNone    = "none"
	ExitUnknown = "unknown"
)

// Failure reason buckets.
const (
	ReasonNone    = "none"
	ReasonUnknown = "unknown"
)

// TrendJudgment is the structured verdict derived from one report.
type TrendJudgment struct {
	LoopCompletion LoopCompletion `json:"loop_completion" jsonschema:"description=Whether and how the USER completed the five-step decision loop"`
	Breakdown      Breakdown      `json:"breakdown" jsonschema:"description=Where and why the loop broke down"`
	Insights       Insights       `json:"insights" jsonschema:"description=Collaboration insight flags"`
}

type LoopCompletion struct {
	Completed         bool `json:"completed"`
	ExitAtStepOne     bool `json:"exit_at_step_one"`
	SkippedValidation bool `json:"skipped_validation"`
}

type Breakdown struct {
	ExitStep      string `json:"exit_step" jsonschema:"description=none or step_1 through step_5"`
	FailureReason string `json:"failure_reason" jsonschema:"description=Short phrase naming why the loop broke down or none"`
}

type Insights struct {
	NovelPatterns bool `json:"novel_patterns"`
	AIPartnership bool `json:"ai_partnership"`
}

// UnparseableJudgment is substituted when no parser attempt succeeds.
func UnparseableJudgment() TrendJudgment {
	return TrendJudgment{
		Breakdown: Breakdown{ExitStep: ExitUnknown, FailureReason: ReasonUnknown},
	}
}

type parseAttempt struct {
	strategy ParseStrategy
	parse    func(string) (TrendJudgment, bool)
}

var parseChain = []parseAttempt{
	{ParseFenced, parseFenced},
	{ParseStrict, parseStrict},
	{ParseNormalized, parseNormalized},
	{ParseExtracted, parseExtracted},
	{ParseYesNo, parseYesNo},
}

// ParseJudgment runs the tolerant parse chain over a model response. The first attempt that
// succeeds wins; when none does, UnparseableJudgment is returned with ParseUnparseable.
// Exit steps and failure reasons are normalized with NormalizeExitStep and buckets.
func ParseJudgment(text string, buckets []BucketRule) (TrendJudgment, ParseStrategy) {
	for _, a := range parseChain {
		if j, ok := a.parse(text); ok {
			j.Breakdown.ExitStep = NormalizeExitStep(j.Breakdown.ExitStep)
			j.Breakdown.FailureReason = NormalizeFailureReason(j.Breakdown.FailureReason, buckets)
			if j.LoopCompletion.Completed && j.Breakdown.ExitStep == ExitUnknown {
				j.Breakdown.ExitStep = ExitNone
			}
			return j, a.strategy
		}
	}
	return UnparseableJudgment(), ParseUnparseable
}

func parseFenced(text string) (TrendJudgment, bool) {
	body, fenced := fileutils.StripCodeFence(text)
	if !fenced {
		return TrendJudgment{}, false
	}
	if j, ok := parseStrict(body); ok {
		return j, true
	}
	return parseNormalized(body)
}

// parseStrict accepts only a JSON object with at least one known section.
func parseStrict(text string) (TrendJudgment, bool) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "{") {
		return TrendJudgment{}, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return TrendJudgment{}, false
	}
	if !hasKnownSection(probe) {
		return TrendJudgment{}, false
	}
	var j TrendJudgment
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return TrendJudgment{}, false
	}
	return j, true
}

func hasKnownSection(m map[string]json.RawMessage) bool {
	for _, k := range []string{"loop_completion", "breakdown", "insights"} {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

var pythonLiterals = regexp.MustCompile(`\b(True|False|None)\b`)

// normalizeQuotes rewrites Python-repr style output into JSON.
func normalizeQuotes(s string) string {
	s = strings.ReplaceAll(s, "'", `"`)
	return pythonLiterals.ReplaceAllStringFunc(s, func(lit string) string {
		switch lit {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})
}

func parseNormalized(text string) (TrendJudgment, bool) {
	return parseStrict(normalizeQuotes(strings.TrimSpace(text)))
}

func parseExtracted(text string) (TrendJudgment, bool) {
	body, _ := fileutils.StripCodeFence(text)
	sub, ok := fileutils.ExtractJSONObject(body)
	if !ok {
		return TrendJudgment{}, false
	}
	if j, ok := parseStrict(sub); ok {
		return j, true
	}
	return parseNormalized(sub)
}

func parseYesNo(text string) (TrendJudgment, bool) {
	body, _ := fileutils.StripCodeFence(text)
	s := strings.ToLower(strings.Trim(strings.TrimSpace(body), " .!\"'`*"))
	switch s {
	case "yes":
		return TrendJudgment{
			LoopCompletion: LoopCompletion{Completed: true},
			Breakdown:      Breakdown{ExitStep: ExitNone, FailureReason: ReasonNone},
		}, true
	case "no":
		return TrendJudgment{
			Breakdown: Breakdown{ExitStep: ExitUnknown, FailureReason: ReasonUnknown},
		}, true
	default:
		return TrendJudgment{}, false
	}
}

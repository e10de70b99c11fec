package analysis

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Estimator selects how transcript size is converted to a token estimate.
type Estimator string

const (
	// EstimateChars counts one token per four characters.
	EstimateChars Estimator = "chars"
	// EstimateWords counts 1.3 tokens per whitespace-separated word.
	EstimateWords Estimator = "words"
)

const DefaultTokenCeiling = 120000

func ParseEstimator(s string) (Estimator, error) {
	switch Estimator(strings.ToLower(strings.TrimSpace(s))) {
	case "", EstimateChars:
		return EstimateChars, nil
	case EstimateWords:
		return EstimateWords, nil
	default:
		return "", fmt.Errorf("unknown token estimator %q (want chars|words)", s)
	}
}

// Admission rejects transcripts whose estimated size exceeds the analysis service's input window.
type Admission struct {
	Ceiling   int
	Estimator Estimator
}

func (a Admission) ceiling() int {
	if a.Ceiling <= 0 {
		return DefaultTokenCeiling
	}
	return a.Ceiling
}

// Estimate returns the approximate token count of the rendered transcript.
func (a Admission) Estimate(t Transcript) int {
	return EstimateTokens(t.Text(), a.Estimator)
}

// Admit reports the estimate and whether it fits under the ceiling.
func (a Admission) Admit(t Transcript) (int, bool) {
	n := a.Estimate(t)
	return n, n <= a.ceiling()
}

func EstimateTokens(text string, e Estimator) int {
	switch e {
	case EstimateWords:
		return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
	default:
		return utf8.RuneCountInString(text) / 4
	}
}

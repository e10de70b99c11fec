package analysis

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the terminal result of one job.
type Kind string

const (
	KindSuccess          Kind = "success"
	KindCached           Kind = "cached"
	KindRejectedTooLarge Kind = "rejected_too_large"
	KindEmpty            Kind = "empty"
	KindFormatError      Kind = "format_error"
	KindAPIError         Kind = "api_error"
)

// Kinds lists every Kind in reporting order.
var Kinds = []Kind{KindSuccess, KindCached, KindRejectedTooLarge, KindEmpty, KindFormatError, KindAPIError}

// Status folds the kind onto the batch-level status set {success, skipped, format_error, api_error}.
// cached, rejected_too_large and empty are all non-failures reported as skipped.
func (k Kind) Status() string {
	switch k {
	case KindCached, KindRejectedTooLarge, KindEmpty:
		return "skipped"
	default:
		return string(k)
	}
}

func (k Kind) Failed() bool {
	return k == KindFormatError || k == KindAPIError
}

// Outcome is the result of processing one conversation.
type Outcome struct {
	ConversationID string
	Kind           Kind
	Path           string
	Err            error
	Duration       time.Duration
	Tokens         int

	// Truncated mirrors Transcript.Truncated for the analyzed conversation.
	Truncated bool
}

// Tally counts outcomes per kind.
type Tally map[Kind]int

func (t Tally) Add(k Kind) {
	t[k]++
}

func (t Tally) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

func (t Tally) Skipped() int {
	return t[KindCached] + t[KindRejectedTooLarge] + t[KindEmpty]
}

func (t Tally) Failed() int {
	return t[KindFormatError] + t[KindAPIError]
}

// String renders the tally as key=value pairs in Kinds order.
func (t Tally) String() string {
	parts := make([]string, 0, len(Kinds)+2)
	parts = append(parts, fmt.Sprintf("total=%d", t.Total()))
	for _, k := range Kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, t[k]))
	}
	parts = append(parts, fmt.Sprintf("skipped=%d", t.Skipped()))
	return strings.Join(parts, " ")
}

// BatchResult is what Scheduler.Run returns once every job has reported.
type BatchResult struct {
	Outcomes []Outcome
	Tally    Tally
	Elapsed  time.Duration
}

// Failures returns the failed outcomes ordered by conversation id.
func (r BatchResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Kind.Failed() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TrendRecord is the structured sibling ({id}.json) stored next to a report.
type TrendRecord struct {
	ConversationID string `json:"conversation_id"`
	TrendJudgment
	ParseStrategy ParseStrategy `json:"parse_strategy"`
}

func validTrendRecord(b []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return false
	}
	_, ok := probe["loop_completion"]
	return ok
}

type TrendOptions struct {
	Workers        int
	GatewayTimeout time.Duration

	Instructions string
	Temperature  *float64
	SchemaName   string
	Schema       map[string]any

	// Force re-derives every judgment even when a fresh sibling exists.
	Force bool

	Buckets []BucketRule
	Logger  *zap.Logger
}

// TrendAggregator derives a judgment per report and aggregates them.
type TrendAggregator struct {
	gw   Gateway
	opts TrendOptions
	log  *zap.Logger
}

func NewTrendAggregator(gw Gateway, opts TrendOptions) *TrendAggregator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = DefaultGatewayTimeout
	}
	if opts.SchemaName == "" {
		opts.SchemaName = "TrendJudgment"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &TrendAggregator{gw: gw, opts: opts, log: log}
}

type trendItem struct {
	record  TrendRecord
	reused  bool
	err     error
	written bool
}

// Run aggregates every report in dir. A missing directory is an error; a failing item never is.
func (a *TrendAggregator) Run(ctx context.Context, dir string) (TrendSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return TrendSummary{}, fmt.Errorf("TrendAggregator.Run: %w", err)
	}
	var reports []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		reports = append(reports, filepath.Join(dir, e.Name()))
	}
	sort.Strings(reports)

	items := make([]trendItem, len(reports))
	var g errgroup.Group
	g.SetLimit(a.opts.Workers)
	for i, p := range reports {
		g.Go(func() error {
			items[i] = a.derive(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	sum := newTrendSummary()
	for i, it := range items {
		if it.err != nil {
			a.log.Warn("trends: derivation failed", zap.String("report", reports[i]), zap.Error(it.err))
		}
		sum.add(it)
	}
	sum.finish()
	return sum, nil
}

// Judge derives (or reuses) the record for one report.
func (a *TrendAggregator) Judge(ctx context.Context, reportPath string) (TrendRecord, error) {
	it := a.derive(ctx, reportPath)
	return it.record, it.err
}

func (a *TrendAggregator) derive(ctx context.Context, reportPath string) (it trendItem) {
	id := strings.TrimSuffix(filepath.Base(reportPath), ".md")
	sibling := strings.TrimSuffix(reportPath, ".md") + ".json"
	it.record = TrendRecord{ConversationID: id, TrendJudgment: UnparseableJudgment(), ParseStrategy: ParseUnparseable}

	defer func() {
		if r := recover(); r != nil {
			it.err = fmt.Errorf("derive %s: panic: %v", id, r)
		}
	}()

	fi, err := os.Stat(reportPath)
	if err != nil {
		it.err = fmt.Errorf("derive %s: %w", id, err)
		return it
	}

	cache := Cache{Force: a.opts.Force, Check: validTrendRecord}
	if process, _ := cache.ShouldProcess(sibling, fi.ModTime()); !process {
		b, err := os.ReadFile(sibling)
		if err == nil {
			var rec TrendRecord
			if err := json.Unmarshal(b, &rec); err == nil {
				if rec.ConversationID == "" {
					rec.ConversationID = id
				}
				it.record = rec
				it.reused = true
				return it
			}
		}
	}

	report, err := os.ReadFile(reportPath)
	if err != nil {
		it.err = fmt.Errorf("derive %s: read report: %w", id, err)
		return it
	}

	text, err := callGateway(ctx, a.gw, Request{
		ConversationID: id,
		Instructions:   a.opts.Instructions,
		Input:          string(report),
		Temperature:    a.opts.Temperature,
		SchemaName:     a.opts.SchemaName,
		Schema:         a.opts.Schema,
	}, a.opts.GatewayTimeout)
	if err != nil {
		// Leave no sibling so the next run asks again.
		it.err = fmt.Errorf("derive %s: %w", id, err)
		return it
	}

	judgment, strategy := ParseJudgment(text, a.opts.Buckets)
	it.record = TrendRecord{ConversationID: id, TrendJudgment: judgment, ParseStrategy: strategy}
	if strategy == ParseUnparseable {
		a.log.Info("trends: unparseable judgment", zap.String("conversation_id", id), zap.String("response", fileutils.Truncate(fileutils.SanitizeNewlines(text), 200)))
	}
	if err := fileutils.WriteJSONFileAtomic(sibling, it.record, true); err != nil {
		it.err = fmt.Errorf("derive %s: write sibling: %w", id, err)
		return it
	}
	it.written = true
	return it
}

// TrendSummary is the JSON-safe aggregate of all judgments.
type TrendSummary struct {
	Total          int                   `json:"total_chats_analyzed"`
	LoopCompletion LoopCompletionSummary `json:"loop_completion"`
	Breakdown      BreakdownSummary      `json:"breakdown"`
	Insights       InsightSummary        `json:"insights"`

	ParseStrategies map[string]int `json:"parse_strategies"`
	Reused          int            `json:"reused"`
	Derived         int            `json:"derived"`
	Errors          int            `json:"errors"`
}

type LoopCompletionSummary struct {
	Completed            int     `json:"completed"`
	CompletedPct         float64 `json:"completed_pct"`
	ExitAtStepOne        int     `json:"exit_at_step_one"`
	ExitAtStepOnePct     float64 `json:"exit_at_step_one_pct"`
	SkippedValidation    int     `json:"skipped_validation"`
	SkippedValidationPct float64 `json:"skipped_validation_pct"`
}

type BreakdownSummary struct {
	ExitSteps      map[string]int `json:"exit_steps"`
	FailureReasons map[string]int `json:"failure_reasons"`
}

type InsightSummary struct {
	NovelPatterns    int     `json:"novel_patterns"`
	NovelPatternsPct float64 `json:"novel_patterns_pct"`
	AIPartnership    int     `json:"ai_partnership"`
	AIPartnershipPct float64 `json:"ai_partnership_pct"`
}

func newTrendSummary() TrendSummary {
	return TrendSummary{
		Breakdown: BreakdownSummary{
			ExitSteps:      map[string]int{},
			FailureReasons: map[string]int{},
		},
		ParseStrategies: map[string]int{},
	}
}

func (s *TrendSummary) add(it trendItem) {
	r := it.record
	s.Total++
	if it.err != nil {
		s.Errors++
	}
	if it.reused {
		s.Reused++
	} else if it.written {
		s.Derived++
	}
	if r.LoopCompletion.Completed {
		s.LoopCompletion.Completed++
	}
	if r.LoopCompletion.ExitAtStepOne {
		s.LoopCompletion.ExitAtStepOne++
	}
	if r.LoopCompletion.SkippedValidation {
		s.LoopCompletion.SkippedValidation++
	}
	if r.Insights.NovelPatterns {
		s.Insights.NovelPatterns++
	}
	if r.Insights.AIPartnership {
		s.Insights.AIPartnership++
	}
	s.Breakdown.ExitSteps[r.Breakdown.ExitStep]++
	s.Breakdown.FailureReasons[r.Breakdown.FailureReason]++
	s.ParseStrategies[string(r.ParseStrategy)]++
}

func (s *TrendSummary) finish() {
	s.LoopCompletion.CompletedPct = percent(s.LoopCompletion.Completed, s.Total)
	s.LoopCompletion.ExitAtStepOnePct = percent(s.LoopCompletion.ExitAtStepOne, s.Total)
	s.LoopCompletion.SkippedValidationPct = percent(s.LoopCompletion.SkippedValidation, s.Total)
	s.Insights.NovelPatternsPct = percent(s.Insights.NovelPatterns, s.Total)
	s.Insights.AIPartnershipPct = percent(s.Insights.AIPartnership, s.Total)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(total)) / 100
}

var loopCompletionAnswer = regexp.MustCompile(`(?i)### 4\.1 Loop Completion Analysis\s*\n- \*\*Did the USER complete all five steps of the AI Decision Loop\?\*\*\s*\n\s*-\s*(Yes|No)`)

// MarkerJudge answers trend requests offline by reading the report's own loop completion answer.
// It replies "yes", "no" or "unknown", which the parse chain maps onto a judgment.
type MarkerJudge struct{}

func (MarkerJudge) Analyze(_ context.Context, req Request) (string, error) {
	m := loopCompletionAnswer.FindStringSubmatch(req.Input)
	if m == nil {
		return "unknown", nil
	}
	return strings.ToLower(m[1]), nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/provider"
	"go.uber.org/zap"
)

// TrendSummaryFile is written next to the reports unless --summary-out says otherwise.
const TrendSummaryFile = "trend_summary.json"

func newTrendsCmd(newGateway gatewayFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trends [reports-dir] | trends --report <file>",
		Short: "Aggregate loop-completion trends across generated reports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			dir := a.cfg.OutDir
			if len(args) == 1 {
				dir = filepath.Clean(args[0])
			}
			offline, _ := cmd.Flags().GetBool("offline")
			force, _ := cmd.Flags().GetBool("force")
			summaryOut, _ := cmd.Flags().GetString("summary-out")
			if summaryOut == "" {
				summaryOut = filepath.Join(dir, TrendSummaryFile)
			}

			var gw analysis.Gateway = analysis.MarkerJudge{}
			if !offline {
				gw, err = newGateway(a.cfg, a.log)
				if err != nil {
					return asConfigError(err)
				}
			}

			temp := a.cfg.Temperature
			agg := analysis.NewTrendAggregator(gw, analysis.TrendOptions{
				Workers:        a.cfg.Workers,
				GatewayTimeout: a.cfg.Timeout,
				Instructions:   a.rules.Trends.Instructions,
				Temperature:    &temp,
				Schema:         provider.GenerateSchema[analysis.TrendJudgment](),
				Force:          force,
				Buckets:        a.rules.Trends.FailureBuckets,
				Logger:         a.log,
			})

			if report, _ := cmd.Flags().GetString("report"); report != "" {
				return judgeOne(cmd, a, agg, report)
			}

			sum, err := agg.Run(cmd.Context(), dir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return asConfigError(err)
				}
				return err
			}
			if err := fileutils.WriteJSONFileAtomic(summaryOut, sum, true); err != nil {
				return fmt.Errorf("trends: write summary: %w", err)
			}
			a.log.Info("trends: summary written", zap.String("path", summaryOut))

			b, err := json.MarshalIndent(sum, "", "  ")
			if err != nil {
				return fmt.Errorf("trends: encode summary: %w", err)
			}
			fmt.Fprintln(a.out, string(b))
			fmt.Fprintln(a.out, trendLine(sum, summaryOut))
			return nil
		},
	}
	f := cmd.Flags()
	f.Bool("offline", false, "judge reports from their own loop completion answer instead of calling the API")
	f.Bool("force", false, "re-derive judgments even when fresh .json siblings exist")
	f.String("summary-out", "", "summary path (default <reports-dir>/"+TrendSummaryFile+")")
	f.String("report", "", "judge a single report file and print its record instead of aggregating a directory")
	return cmd
}

// judgeOne derives the record for one report and prints it. No summary is written.
func judgeOne(cmd *cobra.Command, a *app, agg *analysis.TrendAggregator, report string) error {
	if !strings.HasSuffix(report, ".md") {
		return asConfigError(fmt.Errorf("trends: --report %q is not a .md report", report))
	}
	if !fileutils.FileExists(report) {
		return asConfigError(fmt.Errorf("trends: report %s: %w", report, fs.ErrNotExist))
	}
	rec, err := agg.Judge(cmd.Context(), report)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("trends: encode record: %w", err)
	}
	fmt.Fprintln(a.out, string(b))
	fmt.Fprintf(a.out, "conversation_id=%s completed=%t exit_step=%s failure_reason=%s parse_strategy=%s\n",
		rec.ConversationID, rec.LoopCompletion.Completed, rec.Breakdown.ExitStep, rec.Breakdown.FailureReason, rec.ParseStrategy)
	return nil
}

func trendLine(s analysis.TrendSummary, path string) string {
	parts := []string{
		fmt.Sprintf("total=%d", s.Total),
		fmt.Sprintf("completed_pct=%.2f", s.LoopCompletion.CompletedPct),
		fmt.Sprintf("exit_at_step_one_pct=%.2f", s.LoopCompletion.ExitAtStepOnePct),
		fmt.Sprintf("skipped_validation_pct=%.2f", s.LoopCompletion.SkippedValidationPct),
		fmt.Sprintf("reused=%d", s.Reused),
		fmt.Sprintf("derived=%d", s.Derived),
		fmt.Sprintf("errors=%d", s.Errors),
	}
	reasons := make([]string, 0, len(s.Breakdown.FailureReasons))
	for k := range s.Breakdown.FailureReasons {
		reasons = append(reasons, k)
	}
	sort.Strings(reasons)
	for _, k := range reasons {
		parts = append(parts, fmt.Sprintf("reason.%s=%d", k, s.Breakdown.FailureReasons[k]))
	}
	parts = append(parts, "summary="+path)
	return strings.Join(parts, " ")
}

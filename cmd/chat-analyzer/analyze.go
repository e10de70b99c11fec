package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/ledger"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/provider"
	"go.uber.org/zap"
)

// gatewayFactory builds the analysis service client from configuration.
type gatewayFactory func(cfg Config, log *zap.Logger) (analysis.Gateway, error)

func openAIGateway(cfg Config, log *zap.Logger) (analysis.Gateway, error) {
	return provider.NewOpenAIGateway(provider.Options{
		APIKey:          cfg.APIKey,
		BaseURL:         cfg.BaseURL,
		Model:           cfg.Model,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Flex:            cfg.Flex,
		Retries:         cfg.Retries,
		Logger:          log,
	})
}

type analyzeOptions struct {
	sel      analysis.SelectOptions
	force    bool
	watch    bool
	debounce time.Duration
}

func newAnalyzeCmd(newGateway gatewayFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze every conversation in the archive (or one with --chat-id)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			opts, err := parseAnalyzeFlags(cmd)
			if err != nil {
				return asConfigError(err)
			}
			if err := a.cfg.requireInput(); err != nil {
				return asConfigError(err)
			}
			gw, err := newGateway(a.cfg, a.log)
			if err != nil {
				return asConfigError(err)
			}

			if opts.watch {
				return a.watchAndAnalyze(cmd.Context(), gw, opts)
			}
			_, err = a.analyze(cmd.Context(), gw, opts)
			return err
		},
	}
	f := cmd.Flags()
	f.String("chat-id", "", "analyze only this conversation (enables per-message debug logging)")
	f.String("since", "", "skip conversations created before local midnight of this date (YYYY-MM-DD)")
	f.Bool("force-reprocess", false, "regenerate reports even when fresh ones exist")
	f.Bool("watch", false, "re-run whenever the archive changes")
	f.Duration("debounce", 2*time.Second, "quiet period before a --watch re-run")
	return cmd
}

func parseAnalyzeFlags(cmd *cobra.Command) (analyzeOptions, error) {
	f := cmd.Flags()
	var o analyzeOptions
	o.sel.ChatID, _ = f.GetString("chat-id")
	o.sel.ChatID = strings.TrimSpace(o.sel.ChatID)
	o.force, _ = f.GetBool("force-reprocess")
	o.watch, _ = f.GetBool("watch")
	o.debounce, _ = f.GetDuration("debounce")

	since, _ := f.GetString("since")
	if since = strings.TrimSpace(since); since != "" {
		t, err := time.ParseInLocation(time.DateOnly, since, time.Local)
		if err != nil {
			return analyzeOptions{}, fmt.Errorf("invalid --since %q (want YYYY-MM-DD)", since)
		}
		o.sel.Since = t
	}
	if o.watch && o.sel.ChatID != "" {
		return analyzeOptions{}, errors.New("--watch cannot be combined with --chat-id")
	}
	if o.debounce < 0 {
		return analyzeOptions{}, errors.New("debounce must be >= 0")
	}
	return o, nil
}

// analyze runs one batch. Per-conversation failures are reported in the tally, not returned.
func (a *app) analyze(ctx context.Context, gw analysis.Gateway, o analyzeOptions) (analysis.BatchResult, error) {
	arch, err := analysis.LoadArchive(ctx, a.cfg.Input, analysis.LoadOptions{Logger: a.log})
	if err != nil {
		if errors.Is(err, analysis.ErrNoArchive) || errors.Is(err, fs.ErrNotExist) {
			return analysis.BatchResult{}, asConfigError(err)
		}
		return analysis.BatchResult{}, err
	}
	jobs, err := analysis.PrepareJobs(arch, o.sel)
	if err != nil {
		return analysis.BatchResult{}, err
	}
	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return analysis.BatchResult{}, fmt.Errorf("analyze: mkdir out: %w", err)
	}

	popts, err := a.cfg.pipelineOptions(a.rules)
	if err != nil {
		return analysis.BatchResult{}, asConfigError(err)
	}
	popts.Cache.Force = o.force
	popts.Logger = a.log

	run, closeLedger := a.startRun(ctx, "analyze")
	defer closeLedger()
	if run != nil {
		popts.Recorder = run
	}

	a.log.Info("analyze: starting", zap.Int("jobs", len(jobs)), zap.Int("workers", popts.Workers), zap.String("out_dir", a.cfg.OutDir))
	res := analysis.NewScheduler(gw, popts).Run(ctx, jobs)

	if run != nil {
		if err := run.Finish(context.WithoutCancel(ctx), res.Tally, time.Now()); err != nil {
			a.log.Warn("ledger: finish run", zap.Error(err))
		}
	}
	for _, f := range res.Failures() {
		a.log.Warn("analyze: failed", zap.String("conversation_id", f.ConversationID), zap.String("kind", string(f.Kind)), zap.Error(f.Err))
	}
	fmt.Fprintf(a.out, "%s elapsed=%s out_dir=%s\n", res.Tally, res.Elapsed.Round(time.Millisecond), a.cfg.OutDir)
	return res, nil
}

// startRun opens the ledger and starts a run. Ledger problems are logged and yield a nil run.
func (a *app) startRun(ctx context.Context, command string) (*ledger.Run, func()) {
	path := a.cfg.ledgerPath()
	if path == "" {
		return nil, func() {}
	}
	l, err := ledger.Open(path, a.log)
	if err != nil {
		a.log.Warn("ledger: open", zap.String("path", path), zap.Error(err))
		return nil, func() {}
	}
	run, err := l.StartRun(ctx, command, time.Now())
	if err != nil {
		a.log.Warn("ledger: start run", zap.String("path", l.Path()), zap.Error(err))
		_ = l.Close()
		return nil, func() {}
	}
	a.log.Debug("ledger: run started", zap.String("path", l.Path()), zap.String("run_id", run.ID))
	return run, func() { _ = l.Close() }
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"go.uber.org/zap"
)

var Version = "dev"

const (
	exitRunError    = 1
	exitConfigError = 2
)

// configError marks failures that should exit with exitConfigError.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func asConfigError(err error) error {
	if err == nil {
		return nil
	}
	return configError{err: err}
}

func exitCode(err error) int {
	var ce configError
	if errors.As(err, &ce) {
		return exitConfigError
	}
	return exitRunError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout, openAIGateway)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		stop()
		os.Exit(exitCode(err))
	}
}

func newRootCmd(stdout io.Writer, newGateway gatewayFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-analyzer",
		Short:         "Analyze chat-archive conversations against the five-step decision loop",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return asConfigError(err)
	})
	registerConfigFlags(root.PersistentFlags())

	root.AddCommand(
		newAnalyzeCmd(newGateway),
		newTrendsCmd(newGateway),
		newVerifyCmd(),
		newExportCmd(),
		newHistoryCmd(),
	)
	return root
}

// app is the per-invocation wiring shared by subcommands.
type app struct {
	cfg   Config
	rules analysis.Rules
	log   *zap.Logger
	out   io.Writer
}

// setup loads and validates configuration. All failures are configuration errors.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, asConfigError(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, asConfigError(err)
	}
	rules, err := analysis.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, asConfigError(err)
	}
	log, err := newLogger(cfg.LogFormat, cfg.Verbose)
	if err != nil {
		return nil, asConfigError(err)
	}
	return &app{cfg: cfg, rules: rules, log: log, out: cmd.OutOrStdout()}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

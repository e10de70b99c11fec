package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/fileutils"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis/ledger"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent analyze runs from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			limit, _ := cmd.Flags().GetInt("limit")
			runID, _ := cmd.Flags().GetString("run")

			path := a.cfg.ledgerPath()
			if path == "" {
				return asConfigError(errors.New("history needs the run ledger (remove --no-ledger)"))
			}
			if !fileutils.FileExists(path) {
				fmt.Fprintln(a.out, "No runs recorded.")
				return nil
			}
			l, err := ledger.Open(path, a.log)
			if err != nil {
				return err
			}
			defer l.Close()

			if runID != "" {
				outs, err := l.Outcomes(cmd.Context(), runID)
				if err != nil {
					return err
				}
				for _, o := range outs {
					line := fmt.Sprintf("%-40s  %-18s  %8s", o.ConversationID, o.Kind, o.Duration.Round(time.Millisecond))
					if o.Error != "" {
						line += "  " + o.Error
					}
					fmt.Fprintln(a.out, line)
				}
				return nil
			}

			runs, err := l.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.out, "No runs recorded.")
				return nil
			}
			fmt.Fprintf(a.out, "Recent runs (%d):\n\n", len(runs))
			for _, r := range runs {
				duration := "running"
				if r.Finished() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(a.out, "  %s  %s  %-8s  %-9s total=%d success=%d cached=%d rejected=%d empty=%d format_error=%d api_error=%d\n",
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					r.ID,
					r.Command,
					duration,
					r.Total, r.Success, r.Cached, r.Rejected, r.Empty, r.FormatError, r.APIError,
				)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "number of runs to show")
	cmd.Flags().String("run", "", "show the outcomes of one run id")
	return cmd
}

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [reports-dir]",
		Short: "Check reports for required sections and leftover template text",
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
			remove, _ := cmd.Flags().GetBool("remove")

			res, err := a.rules.Validator().VerifyDirectory(dir, remove, a.log)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return asConfigError(err)
				}
				return err
			}
			for _, name := range res.Invalid {
				fmt.Fprintln(a.out, "invalid:", filepath.Join(dir, name))
			}
			fmt.Fprintf(a.out, "checked=%d invalid=%d removed=%d dir=%s\n", res.Checked, len(res.Invalid), len(res.Removed), dir)
			return nil
		},
	}
	cmd.Flags().Bool("remove", false, "delete invalid reports (and their .json siblings) so the next run regenerates them")
	return cmd
}

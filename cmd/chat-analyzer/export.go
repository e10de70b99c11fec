package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Export one conversation as JSON or plain text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cfg.requireInput(); err != nil {
				return asConfigError(err)
			}
			format, _ := cmd.Flags().GetString("format")
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = filepath.Join(a.cfg.OutDir, "exports")
			}

			arch, err := analysis.LoadArchive(cmd.Context(), a.cfg.Input, analysis.LoadOptions{KeepRaw: true, Logger: a.log})
			if err != nil {
				if errors.Is(err, analysis.ErrNoArchive) || errors.Is(err, fs.ErrNotExist) {
					return asConfigError(err)
				}
				return err
			}
			p, err := analysis.ExportConversation(arch, args[0], format, dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "exported=%s format=%s\n", p, format)
			return nil
		},
	}
	cmd.Flags().String("format", analysis.ExportJSON, "json or txt")
	cmd.Flags().String("dir", "", "export directory (default <out>/exports)")
	return cmd
}

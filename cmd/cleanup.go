package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/moltwatch/internal/observability"
)

// newCleanupCmd removes stats snapshots that were taken against an empty store.
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stats snapshots recorded while the store was empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			s, err := openStore(ctx, cfg.Database(), observability.GetLogger())
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.DeleteEmptyStatsSnapshots(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d empty stats snapshots.\n", removed)
			return nil
		},
	}
}

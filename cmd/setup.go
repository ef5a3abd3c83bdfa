package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/moltwatch/internal/observability"
)

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the database tables and indexes if they do not exist",
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

			if err := s.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s).\n", cfg.Database().Driver)
			return nil
		},
	}
}

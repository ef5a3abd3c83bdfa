package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/moltwatch/internal/observability"
	"github.com/xkilldash9x/moltwatch/internal/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newCollectCmd runs a single collection and prints its summary as JSON on
// stdout. A failed run still prints the partial summary and exits non-zero.
func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run one collection against the Moltbook API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			summary, runErr := components.Collector.Run(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(server.NewCollectResponse(summary, runErr)); err != nil {
				return fmt.Errorf("failed to write summary: %w", err)
			}
			return runErr
		},
	}
}

package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/internal/observability"
	"github.com/xkilldash9x/moltwatch/internal/server"
)

// newServeCmd runs the trigger server and, when schedule_interval is set, the
// periodic scheduler under one supervisor until the context is canceled.
func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the collection trigger, health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			srvCfg := cfg.Server()
			if cmd.Flags().Changed("addr") {
				srvCfg.Addr = addr
			}

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			httpServer := &http.Server{
				Addr:              srvCfg.Addr,
				Handler:           server.NewRouter(components.Collector, components.Store, srvCfg, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			supervisor := server.NewSupervisor(logger, srvCfg.ShutdownTimeout)
			supervisor.Add(server.NewHTTPService(httpServer, srvCfg.ShutdownTimeout))
			if srvCfg.ScheduleInterval > 0 {
				supervisor.Add(server.NewScheduler(components.Collector, srvCfg.ScheduleInterval, logger))
			}

			logger.Info("Serving.",
				zap.String("addr", srvCfg.Addr),
				zap.Duration("schedule_interval", srvCfg.ScheduleInterval))

			err = supervisor.Serve(ctx)
			if ctx.Err() != nil {
				logger.Info("Server stopped.")
				return nil
			}
			return err
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return serveCmd
}

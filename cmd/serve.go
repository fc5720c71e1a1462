package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/server"
	"github.com/xkilldash9x/autoflow/internal/service"
)

// newServeCmd creates the `serve` command.
func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		addr         string
		withSchedule bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.SetServerAddr(addr)
			}
			logger := observability.GetLogger()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if withSchedule {
				sched, err := newScheduler(components, cfg.Schedule().Entries, logger)
				if err != nil {
					return err
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()
			}

			handlers := server.NewHandlers(ctx, logger, components.Engine, components.Interruptions, components.Registry)
			return server.New(cfg.Server(), handlers, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address. (Overrides config/env)")
	cmd.Flags().BoolVar(&withSchedule, "schedule", false, "Also run the configured schedule entries")
	return cmd
}

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/schedule"
	"github.com/xkilldash9x/autoflow/internal/service"
)

func newScheduler(components *service.Components, entries []config.ScheduleEntry, logger *zap.Logger) (*schedule.Scheduler, error) {
	if len(entries) == 0 {
		return nil, errors.New("no schedule entries configured (schedule.entries)")
	}
	sched := schedule.New(components.Engine, logger)
	for _, e := range entries {
		if err := sched.Add(e); err != nil {
			return nil, fmt.Errorf("schedule entry %q: %w", e.Definition, err)
		}
	}
	return sched, nil
}

// newScheduleCmd creates the `schedule` command.
func newScheduleCmd(factory service.ComponentFactory) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Runs the configured workflow schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			sched, err := newScheduler(components, cfg.Schedule().Entries, logger)
			if err != nil {
				return err
			}

			if once {
				for _, e := range cfg.Schedule().Entries {
					sched.RunOnce(ctx, e.Definition)
				}
				return printJSON(cmd.OutOrStdout(), sched.History())
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			sched.Stop()
			return printJSON(cmd.OutOrStdout(), sched.History())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run every entry once immediately and exit")
	return cmd
}

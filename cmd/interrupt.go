package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/plugins/automation"
	"github.com/xkilldash9x/autoflow/internal/service"
)

// newInterruptCmd creates the `interrupt` command.
func newInterruptCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		modeName string
		headless bool
	)

	cmd := &cobra.Command{
		Use:   "interrupt <url>",
		Short: "Opens url and dismisses the interruptions found there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			applyBrowserFlags(cmd, cfg, modeName, headless)
			logger := observability.GetLogger()

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			automationID := cfg.Interruption().AutomationPlugin
			if err := components.Registry.Initialize(ctx, automationID, nil); err != nil {
				return fmt.Errorf("automation plugin %q unavailable: %w", automationID, err)
			}
			if _, err := components.Registry.Execute(ctx, automationID, automation.ActionNavigate, map[string]interface{}{"url": args[0]}); err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}

			report, err := components.Interruptions.HandleInterruptions(ctx, args[0], mode.Mode(cfg.Engine().DefaultMode))
			if err != nil {
				return err
			}
			logger.Debug("Interruption stats", zap.Any("stats", components.Interruptions.Stats()))
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVarP(&modeName, "mode", "m", "", "Mode preset (speed, balanced, accuracy)")
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/service"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// newRecoverCmd creates the `recover` command.
func newRecoverCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		modeName    string
		headless    bool
		output      string
		snapshotDir string
	)

	cmd := &cobra.Command{
		Use:   "recover <workflow-id>",
		Short: "Continues a workflow from the latest checkpoint in its snapshot",
		Long: `Rebuilds a workflow from the snapshot the engine wrote for it, restores
the most recent checkpoint and runs the remaining steps. Without a
checkpoint the workflow runs from its first step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			applyBrowserFlags(cmd, cfg, modeName, headless)
			return recoverWorkflow(cmd.Context(), cmd.OutOrStdout(), factory, cfg, args[0], snapshotDir, output, observability.GetLogger())
		},
	}

	cmd.Flags().StringVarP(&modeName, "mode", "m", "", "Default mode for steps that do not set one (speed, balanced, accuracy)")
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the final workflow report as JSON to this file")
	cmd.Flags().StringVar(&snapshotDir, "snapshot-dir", "", "Read the snapshot from this directory instead of engine.snapshot_dir")
	return cmd
}

func recoverWorkflow(ctx context.Context, out io.Writer, factory service.ComponentFactory, cfg config.Interface, id, dir, output string, logger *zap.Logger) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	if _, err := components.Engine.RecoverWorkflow(dir, id); err != nil {
		return fmt.Errorf("failed to recover workflow %s: %w", id, err)
	}
	report, runErr := components.Engine.StartWorkflow(ctx, id)
	if err := writeReports(out, []workflow.StatusReport{report}, output, logger); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("workflow %s: %w", id, runErr)
	}
	return nil
}

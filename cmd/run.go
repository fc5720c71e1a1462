package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/fsutil"
	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/service"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// newRunCmd creates the `run` command.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		modeName      string
		headless      bool
		output        string
		retries       int
		fromBeginning bool
	)

	cmd := &cobra.Command{
		Use:   "run <definition>...",
		Short: "Runs one or more workflow definition files concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			applyBrowserFlags(cmd, cfg, modeName, headless)
			opts := runOptions{output: output, retries: retries, fromBeginning: fromBeginning}
			return runWorkflows(cmd.Context(), cmd.OutOrStdout(), factory, cfg, args, opts, observability.GetLogger())
		},
	}

	cmd.Flags().StringVarP(&modeName, "mode", "m", "", "Default mode for steps that do not set one (speed, balanced, accuracy)")
	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the final workflow reports as JSON to this file")
	cmd.Flags().IntVar(&retries, "retries", 0, "Run a failed workflow again up to this many times")
	cmd.Flags().BoolVar(&fromBeginning, "from-beginning", false, "Retries start over instead of keeping completed steps")
	return cmd
}

type runOptions struct {
	output        string
	retries       int
	fromBeginning bool
}

// applyBrowserFlags copies the explicitly set browser flags onto cfg.
func applyBrowserFlags(cmd *cobra.Command, cfg config.Interface, modeName string, headless bool) {
	if modeName != "" {
		cfg.SetEngineDefaultMode(modeName)
	}
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(headless)
	}
}

func runWorkflows(ctx context.Context, out io.Writer, factory service.ComponentFactory, cfg config.Interface, paths []string, opts runOptions, logger *zap.Logger) error {
	defs := make([]*workflow.Definition, 0, len(paths))
	for _, p := range paths {
		def, err := workflow.LoadDefinition(p)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	ids := make([]string, len(defs))
	for i, def := range defs {
		id, err := components.Engine.CreateWorkflow(def)
		if err != nil {
			return fmt.Errorf("%s: %w", paths[i], err)
		}
		ids[i] = id
	}

	// Every workflow runs to its own end; one failure does not cancel the others.
	reports := make([]workflow.StatusReport, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			reports[i], errs[i] = startWithRetries(ctx, components.Engine, id, opts.retries, opts.fromBeginning, logger)
			return nil
		})
	}
	_ = g.Wait()

	if err := writeReports(out, reports, opts.output, logger); err != nil {
		return err
	}

	var combined error
	for i, err := range errs {
		if err != nil {
			combined = multierr.Append(combined, fmt.Errorf("workflow %s: %w", ids[i], err))
		}
	}
	if n := len(multierr.Errors(combined)); n > 0 {
		return fmt.Errorf("%d of %d workflows failed: %w", n, len(ids), combined)
	}
	return nil
}

// startWithRetries runs workflow id and, while it keeps failing, resets it
// with RetryWorkflow and runs it again up to retries more times.
func startWithRetries(ctx context.Context, engine *workflow.Engine, id string, retries int, fromBeginning bool, logger *zap.Logger) (workflow.StatusReport, error) {
	report, err := engine.StartWorkflow(ctx, id)
	for attempt := 1; err != nil && attempt <= retries && ctx.Err() == nil; attempt++ {
		logger.Warn("Retrying failed workflow",
			zap.String("workflow_id", id), zap.Int("attempt", attempt), zap.Bool("from_beginning", fromBeginning), zap.Error(err))
		if rerr := engine.RetryWorkflow(id, fromBeginning); rerr != nil {
			return report, multierr.Append(err, rerr)
		}
		report, err = engine.StartWorkflow(ctx, id)
	}
	return report, err
}

// writeReports prints the summary table and, when output is set, the full
// reports as JSON.
func writeReports(out io.Writer, reports []workflow.StatusReport, output string, logger *zap.Logger) error {
	printReports(out, reports)
	if output == "" {
		return nil
	}
	if err := fsutil.WriteJSON(output, reports); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.Info("Workflow reports written", zap.String("path", output))
	return nil
}

func printReports(out io.Writer, reports []workflow.StatusReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tSTATUS\tCOMPLETED\tFAILED\tSKIPPED\tELAPSED")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, r.Status, r.Completed, r.Failed, r.Skipped, r.Elapsed.Round(time.Millisecond))
	}
	w.Flush()
}

// printJSON writes v indented to out.
func printJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

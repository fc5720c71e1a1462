package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/service"
)

// newPluginsCmd creates the `plugins` command.
func newPluginsCmd(factory service.ComponentFactory) *cobra.Command {
	var initAll bool

	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Lists the registered plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			components, err := factory.Create(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			if initAll {
				for id, err := range components.Registry.InitializeAll(cmd.Context()) {
					logger.Warn("Plugin failed to initialize", zap.String("plugin", id), zap.Error(err))
				}
			}
			printPlugins(cmd.OutOrStdout(), components.Registry.List())
			return nil
		},
	}

	cmd.Flags().BoolVar(&initAll, "init", false, "Initialize every plugin and report its status")
	return cmd
}

func printPlugins(out io.Writer, handles []plugin.Handle) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tVERSION\tPRIORITY\tDEPENDS\tSTATUS")
	for _, h := range handles {
		status := "registered"
		switch {
		case h.Err != nil:
			status = "failed: " + h.Err.Error()
		case h.Ready:
			status = "ready"
		}
		deps := strings.Join(h.Info.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", h.Info.ID, h.Info.Type, h.Info.Version, h.Info.Priority, deps, status)
	}
	w.Flush()
}

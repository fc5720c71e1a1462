package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/fsutil"
	"github.com/xkilldash9x/autoflow/internal/interruption"
	"github.com/xkilldash9x/autoflow/internal/observability"
	"github.com/xkilldash9x/autoflow/internal/service"
)

// openResolver opens the pattern and policy stores without a plugin runner.
// It serves the commands that only read or edit the stores.
func openResolver(cfg config.Interface, logger *zap.Logger) *interruption.Resolver {
	_, _, resolver := service.InitializeInterruptions(cfg, nil, service.InitializeModes(cfg), logger)
	return resolver
}

func resolverFor(cmd *cobra.Command) (*interruption.Resolver, error) {
	cfg, err := getConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openResolver(cfg, observability.GetLogger()), nil
}

func parseTypeAction(typeName, actionName string) (interruption.Type, interruption.Action, error) {
	t, ok := interruption.ParseType(typeName)
	if !ok {
		return "", "", fmt.Errorf("unknown interruption type %q", typeName)
	}
	a, ok := interruption.ParseAction(actionName)
	if !ok {
		return "", "", fmt.Errorf("unknown action %q", actionName)
	}
	return t, a, nil
}

// newPatternsCmd creates the `patterns` command group.
func newPatternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manages interruption patterns",
	}
	cmd.AddCommand(
		newPatternsListCmd(),
		newPatternsAddCmd(),
		newPatternsRemoveCmd(),
		newPatternsLearnCmd(),
		newPatternsExportCmd(),
		newPatternsImportCmd(),
	)
	return cmd
}

func newPatternsListCmd() *cobra.Command {
	var (
		domain string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists the stored patterns, or those active for --domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			patterns := resolver.Patterns()
			if domain != "" {
				patterns = resolver.ActivePatterns(domain)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), patterns)
			}
			printPatterns(cmd.OutOrStdout(), patterns)
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "Show only the patterns active on this domain, after policies")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printPatterns(out io.Writer, patterns []interruption.Pattern) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tACTION\tPRIORITY\tCHANNELS\tSUCCESSES")
	for _, p := range patterns {
		var channels []string
		if len(p.Selectors) > 0 {
			channels = append(channels, string(interruption.ChannelSelector))
		}
		if len(p.ImageTemplates) > 0 {
			channels = append(channels, string(interruption.ChannelTemplate))
		}
		if len(p.OCRPatterns) > 0 {
			channels = append(channels, string(interruption.ChannelOCR))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n", p.ID, p.Type, p.Action, p.Priority, strings.Join(channels, ","), p.SuccessCount)
	}
	w.Flush()
}

func newPatternsAddCmd() *cobra.Command {
	var p interruption.Pattern
	var typeName, actionName string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Adds or replaces a pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, a, err := parseTypeAction(typeName, actionName)
			if err != nil {
				return err
			}
			p.Type, p.Action = t, a

			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			if err := resolver.AddPattern(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s saved.\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "Pattern id")
	cmd.Flags().StringVar(&typeName, "type", "", "Interruption type (ad, popup, cookie, login, survey, notification, custom)")
	cmd.Flags().StringVar(&actionName, "action", string(interruption.ActionClose), "Action (close, accept, decline, ignore, custom)")
	cmd.Flags().StringSliceVar(&p.Selectors, "selector", nil, "CSS or XPath selector (repeatable)")
	cmd.Flags().StringSliceVar(&p.ImageTemplates, "image", nil, "Template image path (repeatable)")
	cmd.Flags().StringSliceVar(&p.OCRPatterns, "ocr", nil, "Regular expression matched against OCR text (repeatable)")
	cmd.Flags().StringSliceVar(&p.DomainPatterns, "domain", nil, "Regular expression limiting the pattern to matching domains (repeatable)")
	cmd.Flags().IntVar(&p.Priority, "priority", 5, "Higher priorities are tried first")
	cmd.Flags().StringVar(&p.CustomAction, "custom-action", "", "JavaScript run by the custom action")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newPatternsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Removes a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			if !resolver.RemovePattern(args[0]) {
				return fmt.Errorf("pattern %q not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pattern %s removed.\n", args[0])
			return nil
		},
	}
}

func newPatternsLearnCmd() *cobra.Command {
	var typeName, actionName, pageURL string
	var elementID, tag, class, text, selector string
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Learns a pattern from an element dismissed by hand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, a, err := parseTypeAction(typeName, actionName)
			if err != nil {
				return err
			}
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			info := map[string]interface{}{
				"id":       elementID,
				"tag":      tag,
				"class":    class,
				"text":     text,
				"selector": selector,
			}
			p, err := resolver.LearnPattern(t, a, info, pageURL)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "Interruption type")
	cmd.Flags().StringVar(&actionName, "action", string(interruption.ActionClose), "Action taken on the element")
	cmd.Flags().StringVar(&pageURL, "url", "", "Page the element was seen on")
	cmd.Flags().StringVar(&elementID, "element-id", "", "Element id attribute")
	cmd.Flags().StringVar(&tag, "tag", "", "Element tag name")
	cmd.Flags().StringVar(&class, "class", "", "Element class attribute")
	cmd.Flags().StringVar(&text, "text", "", "Element text")
	cmd.Flags().StringVar(&selector, "selector", "", "Selector that located the element")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newPatternsExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Writes every stored pattern as a JSON list to file, or to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			patterns := resolver.Patterns()
			if len(args) == 0 {
				return printJSON(cmd.OutOrStdout(), patterns)
			}
			if err := fsutil.WriteJSON(args[0], patterns); err != nil {
				return fmt.Errorf("failed to export patterns: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d patterns to %s.\n", len(patterns), args[0])
			return nil
		},
	}
}

func newPatternsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Adds or replaces every pattern in a JSON list written by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patterns []interruption.Pattern
			exists, err := fsutil.ReadJSON(args[0], &patterns)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if !exists {
				return fmt.Errorf("pattern file %s does not exist", args[0])
			}
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}

			var errs error
			imported := 0
			for _, p := range patterns {
				if err := resolver.AddPattern(p); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("pattern %q: %w", p.ID, err))
					continue
				}
				imported++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d of %d patterns.\n", imported, len(patterns))
			return errs
		},
	}
}

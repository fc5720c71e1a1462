package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoflow/internal/interruption"
)

// newPolicyCmd creates the `policy` command group.
func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manages per-site interruption policies",
	}
	cmd.AddCommand(
		newPolicyShowCmd(),
		newPolicyListCmd("whitelist", "Never handles <type> on <domain>", (*interruption.Resolver).AddToWhitelist),
		newPolicyListCmd("blacklist", "Always handles <type> on <domain>", (*interruption.Resolver).AddToBlacklist),
	)
	return cmd
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [domain]",
		Short: "Shows every policy, or the one applying to domain",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				p, ok := resolver.Policy(args[0])
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "No policy for %s; global defaults apply.\n", args[0])
					return nil
				}
				printPolicies(cmd.OutOrStdout(), []interruption.SitePolicy{p})
				return nil
			}
			printPolicies(cmd.OutOrStdout(), resolver.Policies())
			return nil
		},
	}
}

func newPolicyListCmd(name, short string, apply func(*interruption.Resolver, string, interruption.Type) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <domain> <type>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := interruption.ParseType(args[1])
			if !ok {
				return fmt.Errorf("unknown interruption type %q", args[1])
			}
			resolver, err := resolverFor(cmd)
			if err != nil {
				return err
			}
			if err := apply(resolver, args[0], t); err != nil {
				return err
			}
			p, _ := resolver.Policy(args[0])
			printPolicies(cmd.OutOrStdout(), []interruption.SitePolicy{p})
			return nil
		},
	}
}

func printPolicies(out io.Writer, policies []interruption.SitePolicy) {
	join := func(types []interruption.Type) string {
		if len(types) == 0 {
			return "-"
		}
		parts := make([]string, len(types))
		for i, t := range types {
			parts[i] = string(t)
		}
		return strings.Join(parts, ",")
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tWHITELIST\tBLACKLIST\tCUSTOM PATTERNS")
	for _, p := range policies {
		custom := strings.Join(p.CustomPatterns, ",")
		if custom == "" {
			custom = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Domain, join(p.Whitelist), join(p.Blacklist), custom)
	}
	w.Flush()
}

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the policies checked before dispatch",
	}
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			pe, err := newPolicyEngine(ctx, cfg, tel.Logger)
			if err != nil {
				return err
			}
			if pe == nil {
				fmt.Fprintln(stdout(), "Policy checks are disabled (policy.enabled: false)")
				return nil
			}

			policies := pe.ListPolicies()
			if jsonOutput {
				return printJSON(stdout(), policies)
			}
			tw := newTable(stdout())
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, firstLine(p.Description))
			}
			return tw.Flush()
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

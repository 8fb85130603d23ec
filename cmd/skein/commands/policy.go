package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/skein/pkg/policy"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the action policies",
	}
	cmd.AddCommand(newPolicyListCommand(opts))
	cmd.AddCommand(newPolicyShowCommand(opts))
	return cmd
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and project policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(_ context.Context, r *runtime) error {
				policies := r.policies.ListPolicies()
				if opts.jsonOutput {
					for i := range policies {
						policies[i].Rego = ""
					}
					return writeJSON(r.out, map[string]any{"policies": policies, "count": len(policies)})
				}
				for i := range policies {
					printPolicyLine(r.out, &policies[i])
				}
				if len(policies) == 1 {
					fmt.Fprintln(r.out, "1 policy")
				} else {
					fmt.Fprintf(r.out, "%d policies\n", len(policies))
				}
				return nil
			})
		},
	}
}

func newPolicyShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one policy with its Rego source",
		Args:  requireArgs("a policy name"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(_ context.Context, r *runtime) error {
				p, err := r.policies.GetPolicy(args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(r.out, p)
				}
				printPolicyLine(r.out, p)
				if p.Description != "" {
					writeIndented(r.out, p.Description)
				}
				fmt.Fprintln(r.out)
				fmt.Fprintln(r.out, strings.TrimSpace(p.Rego))
				return nil
			})
		},
	}
}

func printPolicyLine(w io.Writer, p *policy.Policy) {
	state := "enabled"
	if !p.Enabled {
		state = "disabled"
	}
	source := p.Source
	if source == "" {
		source = "built-in"
	}
	fmt.Fprintf(w, "%s  %s  %s  %s\n", p.Name, p.Severity, state, source)
}

// Command rulesctl checks, evaluates and renders ruleset files offline.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/fraudrules/rules"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	limits := rules.DefaultLimits

	rootCmd := &cobra.Command{
		Use:           "rulesctl",
		Short:         "Work with fraud ruleset documents (JSON or YAML)",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().IntVar(&limits.MaxDepth, "max-depth", limits.MaxDepth, "maximum check nesting depth")
	rootCmd.PersistentFlags().IntVar(&limits.MaxChecks, "max-checks", limits.MaxChecks, "maximum children of a list check")
	rootCmd.PersistentFlags().IntVar(&limits.MaxRules, "max-rules", limits.MaxRules, "maximum rules in a ruleset")

	opts := func() rules.DecodeOptions { return rules.DecodeOptions{Limits: limits} }

	rootCmd.AddCommand(validateCmd(opts))
	rootCmd.AddCommand(evaluateCmd(opts))
	rootCmd.AddCommand(renderCmd(opts))
	rootCmd.AddCommand(schemaCmd())

	return rootCmd
}

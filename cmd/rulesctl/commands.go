package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/fraudrules/internal/schema"
	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/rules/celexpr"
)

func validateCmd(opts func() rules.DecodeOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate ruleset files",
		Long: `Validate one or more ruleset files. Each file is decoded with the same
rules the server applies on publish. Files are also checked against the
published JSON Schema; schema findings are warnings unless --strict is set.

Examples:
  rulesctl validate rules.json
  rulesctl validate --strict rules/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				if !validateFile(out, path, opts(), strict) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files invalid", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat JSON Schema findings as errors")
	return cmd
}

func validateFile(out io.Writer, path string, opts rules.DecodeOptions, strict bool) bool {
	node, err := readDocument(path)
	if err != nil {
		fmt.Fprintf(out, "%s: FAIL %v\n", path, err)
		return false
	}

	ok := true
	if err := schema.Validate(node); err != nil {
		level := "WARN"
		if strict {
			level = "FAIL"
			ok = false
		}
		fmt.Fprintf(out, "%s: %s schema: %s\n", path, level, firstLine(err.Error()))
	}

	rs, err := rules.RulesetFromWireWithOptions(node, opts)
	if err != nil {
		if root := rules.RootCause(err); root != nil {
			fmt.Fprintf(out, "%s: FAIL %s at %s", path, root.Code, root.Path)
			if root.Detail != "" {
				fmt.Fprintf(out, ": %s", root.Detail)
			}
			fmt.Fprintln(out)
		} else {
			fmt.Fprintf(out, "%s: FAIL %v\n", path, err)
		}
		return false
	}

	if ok {
		fmt.Fprintf(out, "%s: ok (%d rules, facts: %s)\n", path, rs.Len(), strings.Join(rs.FactKeys(), ", "))
	}
	return ok
}

func evaluateCmd(opts func() rules.DecodeOptions) *cobra.Command {
	var (
		factsJSON string
		factsFile string
		useCEL    bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate [ruleset]",
		Short: "Evaluate a ruleset against one transaction",
		Long: `Evaluate a ruleset file against a set of facts and print the decision.

Examples:
  rulesctl evaluate rules.yaml --facts '{"amount": 1500, "country": "FR"}'
  rulesctl evaluate rules.json --facts-file txn.json --cel`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := loadRuleset(args[0], opts())
			if err != nil {
				return err
			}
			facts, err := readFacts(cmd.InOrStdin(), factsJSON, factsFile)
			if err != nil {
				return err
			}

			var decision rules.Decision
			if useCEL {
				prog, err := celexpr.CompileRuleset(rs)
				if err != nil {
					return err
				}
				if decision, err = prog.Evaluate(facts); err != nil {
					return fmt.Errorf("cel evaluation: %w", err)
				}
			} else {
				decision = rs.Evaluate(facts)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}

	cmd.Flags().StringVar(&factsJSON, "facts", "", "facts as a JSON object")
	cmd.Flags().StringVar(&factsFile, "facts-file", "", "read facts from a JSON file ('-' for stdin)")
	cmd.Flags().BoolVar(&useCEL, "cel", false, "evaluate through the CEL rendering instead of the native evaluator")
	return cmd
}

func renderCmd(opts func() rules.DecodeOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "render [ruleset]",
		Short: "Print each rule as a CEL expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := loadRuleset(args[0], opts())
			if err != nil {
				return err
			}
			prog, err := celexpr.CompileRuleset(rs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, src := range prog.Sources() {
				fmt.Fprintf(out, "%s [%s]\n  %s\n", src.Key, src.Outcome, src.Expression)
			}
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the ruleset JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(schema.Document())
			return err
		},
	}
}

// readDocument decodes a JSON or YAML file (by extension) into wire nodes
func readDocument(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var node any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	return node, nil
}

func loadRuleset(path string, opts rules.DecodeOptions) (*rules.Ruleset, error) {
	node, err := readDocument(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rs, err := rules.RulesetFromWireWithOptions(node, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

func readFacts(stdin io.Reader, inline, file string) (rules.Facts, error) {
	var data []byte
	switch {
	case inline != "" && file != "":
		return nil, errors.New("use either --facts or --facts-file, not both")
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read facts: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read facts: %w", err)
		}
		data = b
	default:
		return nil, errors.New("facts are required: use --facts or --facts-file")
	}

	var facts rules.Facts
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	if facts == nil {
		return nil, errors.New("facts must be a JSON object")
	}
	return facts, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

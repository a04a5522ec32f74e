// Command riskcheck scores messages against the crisis-risk rule table offline.
//
//	riskcheck score "I can't go on like this"
//	riskcheck rules --rules ./rules.yaml
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rulesPath string

	root := &cobra.Command{
		Use:           "riskcheck",
		Short:         "Check crisis-risk rules without running the service",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&rulesPath, "rules", "", "rule table override (YAML); embedded table when empty")

	loadScorer := func() (*risk.Scorer, error) {
		if rulesPath == "" {
			return risk.NewScorer(nil), nil
		}
		rs, err := risk.LoadRulesetFile(rulesPath)
		if err != nil {
			return nil, err
		}
		return risk.NewScorer(rs), nil
	}

	score := &cobra.Command{
		Use:   "score [text...]",
		Short: "Print the assessment for a message as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scorer, err := loadScorer()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scorer.Score(strings.Join(args, " ")))
		},
	}

	rules := &cobra.Command{
		Use:   "rules",
		Short: "Print the active rule table version and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scorer, err := loadScorer()
			if err != nil {
				return err
			}
			rs := scorer.Rules()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:    %s\n", rs.Version)
			fmt.Fprintf(out, "min length: %d\n", rs.MinLength)
			fmt.Fprintf(out, "thresholds: detect=%d medium=%d high=%d\n", rs.Thresholds.Detect, rs.Thresholds.Medium, rs.Thresholds.High)
			for _, level := range []risk.Level{risk.High, risk.Medium, risk.Low} {
				fmt.Fprintf(out, "phrases %-6s %d\n", level+":", rs.PhraseCount(level))
			}
			fmt.Fprintf(out, "contextual: %d\n", len(rs.Contextual))
			fmt.Fprintf(out, "protective: %d\n", len(rs.Protective))
			return nil
		},
	}

	root.AddCommand(score, rules)
	return root
}

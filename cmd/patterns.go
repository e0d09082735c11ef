package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bimmerbailey/strand/internal/chain"
	"github.com/bimmerbailey/strand/internal/output"
)

var patternDescriptions = map[string]string{
	chain.PatternSequence: "steps run in order; each prompt sees the previous step's text as {previous}",
	chain.PatternFanOut:   "a plan step lists tasks, workers run them concurrently, a combine step merges the results",
	chain.PatternFallback: "candidates run cheapest first until one passes the evaluators",
	chain.PatternBranch:   "a classifier picks a label and exactly one route (or the default) handles the input",
	chain.PatternIterate:  "an initial result is refined with human feedback until 'done'",
	chain.PatternRepair:   "a generated artifact is executed; on failure it is repaired once and executed again",
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List the available chain patterns",
	Args:  cobra.NoArgs,
	RunE:  runPatterns,
}

func init() {
	rootCmd.AddCommand(patternsCmd)
}

func runPatterns(cmd *cobra.Command, args []string) error {
	if output.ParseFormat(viper.GetString("format")) == output.FormatJSON {
		type pattern struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		list := make([]pattern, 0, len(chain.Patterns))
		for _, p := range chain.Patterns {
			list = append(list, pattern{Name: p, Description: patternDescriptions[p]})
		}
		return newWriter(cmd).WriteJSON(list)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, p := range chain.Patterns {
		fmt.Fprintf(tw, "%s\t%s\n", p, patternDescriptions[p])
	}
	return tw.Flush()
}

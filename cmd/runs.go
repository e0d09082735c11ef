package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/output"
	"github.com/bimmerbailey/strand/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect saved runs",
	Long: `List, show, and delete runs saved by "strand run".

Examples:
  strand runs list
  strand runs list --since 2h --pipeline blog
  strand runs show 3f2c9a1e-...
  strand runs show 3f2c9a1e-... --format json`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run with its trace and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete saved runs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	runsListCmd.Flags().String("since", "", "only runs started after this (duration like '2h', '7d', or a timestamp)")
	runsListCmd.Flags().String("pipeline", "", "only runs of this pipeline")
	runsListCmd.Flags().IntP("limit", "n", 0, "show at most this many runs (0 = all)")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// openStore opens the configured store. Model settings are not validated
// here, so runs can be inspected on a machine without them.
func openStore() (store.Store, error) {
	cfg, err := unmarshalConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "" || cfg.Store.Backend == "none" {
		return nil, fmt.Errorf("no run store configured (set store.backend to file or redis)")
	}
	return store.Open(cfg.Store)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	sinceStr, _ := cmd.Flags().GetString("since")
	pipelineName, _ := cmd.Flags().GetString("pipeline")
	limit, _ := cmd.Flags().GetInt("limit")

	var since time.Time
	if sinceStr != "" {
		t, err := config.ParseSince(sinceStr, time.Now())
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		since = t
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if !since.IsZero() {
		runs = store.Since(runs, since)
	}
	if pipelineName != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if r.Pipeline == pipelineName {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	if len(runs) == 0 && output.ParseFormat(viper.GetString("format")) != output.FormatJSON {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
		return nil
	}
	return newWriter(cmd).WriteSummaries(runs)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.Load(context.Background(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	return newWriter(cmd).WriteRun(run)
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, id := range args {
		if err := st.Delete(context.Background(), id); err != nil {
			return fmt.Errorf("failed to delete run %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

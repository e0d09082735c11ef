package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/bimmerbailey/strand/internal/config"
	"github.com/bimmerbailey/strand/internal/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate [flags] <file|dir|glob>...",
	Short: "Check pipeline definitions without running them",
	Long: `Parse and validate pipeline definitions. Model and runner names are
checked against the configuration.

Examples:
  strand validate pipelines/
  strand validate "pipelines/*.yaml"
  strand validate pipelines/blog.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	files, err := config.ExpandPipelineFiles(args)
	if err != nil {
		return err
	}

	failed := 0
	for _, file := range files {
		def, err := pipeline.Load(file)
		if err == nil {
			err = checkReferences(cfg, def)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", file, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %s)\n", file, def.Name, def.Pattern)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pipeline(s) invalid", failed, len(files))
	}
	return nil
}

// checkReferences reports model and runner names the configuration does
// not define.
func checkReferences(cfg *config.Config, def *pipeline.Definition) error {
	models := cfg.ModelNames()
	for _, m := range def.Models() {
		if !slices.Contains(models, m) {
			return fmt.Errorf("unknown model %q (configured: %v)", m, models)
		}
	}
	for _, r := range def.Runners() {
		if _, ok := cfg.Execute.Runners[r]; !ok {
			return fmt.Errorf("unknown runner %q", r)
		}
	}
	return nil
}

// Package cli implements the exammatch command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
)

// Build metadata, set by the linker.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	flagConfig  string
	flagRules   string
	flagCatalog string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "exammatch",
	Short: "Radiology exam name standardization engine",
	Long: `exammatch maps free-text radiology exam names from heterogeneous
feeds onto a coded reference terminology, scores every candidate against the
exam's extracted clinical components, and manages the human validation
workflow around the results.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the engine config file")
	rootCmd.PersistentFlags().StringVar(&flagRules, "rules", "", "path to the matching rules file (built-in rules when empty)")
	rootCmd.PersistentFlags().StringVar(&flagCatalog, "catalog", "", "path to the reference catalog JSON file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "exammatch %s (%s)\n", Version, GitCommit)
	},
}

// newLogger builds the process logger from flags.
func newLogger() (logging.Logger, error) {
	level := "info"
	if flagVerbose {
		level = "debug"
	}
	return logging.NewLogger(logging.LogConfig{
		Level:  level,
		Format: "console",
	})
}

// loadRules resolves the rule document from --rules, falling back to the
// built-in table.
func loadRules() (*config.RulesHandle, error) {
	rules, err := config.LoadRules(flagRules)
	if err != nil {
		return nil, err
	}
	return config.NewRulesHandle(rules), nil
}

// loadCatalog resolves the reference catalog from --catalog.
func loadCatalog() (*exam.Catalog, error) {
	if flagCatalog == "" {
		return nil, fmt.Errorf("--catalog is required")
	}
	return exam.LoadCatalogFile(flagCatalog)
}

// loadConfig reads the engine config from --config.
func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return nil, fmt.Errorf("--config is required for this command")
	}
	return config.Load(flagConfig)
}

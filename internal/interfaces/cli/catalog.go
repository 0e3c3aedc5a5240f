package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openradx/exammatch/internal/infrastructure/database/postgres"
)

func init() {
	catalogCmd.AddCommand(catalogInfoCmd)
	catalogCmd.AddCommand(catalogShowCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(migrateCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the reference catalog",
}

var catalogInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the loaded catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		catalog, err := loadCatalog()
		if err != nil {
			return err
		}
		modalities := map[string]int{}
		for _, c := range catalog.All() {
			modalities[c.Components.Modality]++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d concepts\n", catalog.Size())
		for m, n := range modalities {
			if m == "" {
				m = "(none)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  %-6s %d\n", m, n)
		}
		return nil
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show <concept-id>",
	Short: "Print one concept with its components",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := loadCatalog()
		if err != nil {
			return err
		}
		concept := catalog.Get(args[0])
		if concept == nil {
			return fmt.Errorf("no concept %s in catalog", args[0])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(concept)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return postgres.Migrate(cfg.Database, logger)
	},
}

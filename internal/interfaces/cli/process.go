package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/domain/validation"
	"github.com/openradx/exammatch/internal/engine"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
)

var (
	flagModality      string
	flagSource        string
	flagInput         string
	flagJSON          bool
	flagWorkers       int
	flagMetricsListen string
)

func init() {
	processCmd.Flags().StringVar(&flagModality, "modality", "", "modality code attached to every record")
	processCmd.Flags().StringVar(&flagSource, "source", "cli", "data source label attached to every record")
	processCmd.Flags().StringVar(&flagInput, "input", "", "file with one exam name per line, or a JSON array of records")
	processCmd.Flags().BoolVar(&flagJSON, "json", false, "emit full results as JSON")
	processCmd.Flags().IntVar(&flagWorkers, "workers", 0, "batch worker limit (config default when 0)")
	processCmd.Flags().StringVar(&flagMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address for the run")

	rootCmd.AddCommand(processCmd)
}

var processCmd = &cobra.Command{
	Use:   "process [exam name ...]",
	Short: "Standardize exam names against the reference catalog",
	Long: `Standardize exam names given as arguments or read from --input.
Rules are watched for changes for the lifetime of the run, so a long batch
picks up edited thresholds for records that have not started yet.

Without --config the run is self-contained: in-memory validation queue and
the in-process catalog retriever.  With --config the configured retrieval
backend, Postgres validation store, Redis snapshot cache, and Kafka batch
events are wired in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		rules, err := loadRules()
		if err != nil {
			return err
		}
		catalog, err := loadCatalog()
		if err != nil {
			return err
		}
		if flagRules != "" {
			config.WatchRules(flagRules, rules, func(err error) {
				logger.Warn("rule reload failed", logging.Err(err))
			})
		}

		records, err := collectRecords(args)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("nothing to process: pass exam names or --input")
		}

		var opts []engine.Option
		if flagConfig != "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			infraOpts, cleanup, err := buildInfraOptions(cmd.Context(), cfg, rules, catalog, logger)
			if err != nil {
				return err
			}
			defer cleanup()
			opts = append(opts, infraOpts...)

			svc, closeValidation, err := validationService(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer closeValidation()
			opts = append(opts, engine.WithValidation(svc))
		} else {
			opts = append(opts, engine.WithValidation(validation.NewService(validation.NewMemoryStore(), logger)))
		}
		if flagWorkers > 0 {
			opts = append(opts, engine.WithMaxConcurrent(flagWorkers))
		}
		if flagMetricsListen != "" {
			metrics, stop := serveMetrics(flagMetricsListen, logger)
			defer stop()
			opts = append(opts, engine.WithMetrics(metrics))
		}
		eng := engine.New(rules, catalog, logger, opts...)

		items, summary, err := eng.MatchBatch(cmd.Context(), records)
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(items)
		}
		printItems(cmd, items)
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d records: %d matched, %d low confidence, %d unmatched, %d errors (%.0f ms)\n",
			summary.Total, summary.Succeeded, summary.LowConf, summary.NoMatch, summary.Errored,
			float64(summary.Elapsed.Microseconds())/1000)
		return nil
	},
}

// collectRecords merges positional names and the --input file.
func collectRecords(args []string) ([]*exam.Record, error) {
	var records []*exam.Record
	for _, name := range args {
		records = append(records, &exam.Record{
			ExamName:     name,
			ModalityCode: flagModality,
			DataSource:   flagSource,
		})
	}
	if flagInput == "" {
		return records, nil
	}

	data, err := os.ReadFile(flagInput)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var fromFile []*exam.Record
		if err := json.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", flagInput, err)
		}
		return append(records, fromFile...), nil
	}

	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		records = append(records, &exam.Record{
			ExamName:     line,
			ModalityCode: flagModality,
			DataSource:   flagSource,
		})
	}
	return records, scanner.Err()
}

func printItems(cmd *cobra.Command, items []engine.BatchItem) {
	w := cmd.OutOrStdout()
	for _, item := range items {
		r := item.Result
		switch r.Status {
		case exam.StatusSuccess, exam.StatusLowConfidence:
			marker := " "
			if r.Status == exam.StatusLowConfidence {
				marker = "?"
			}
			fmt.Fprintf(w, "%s %-40q -> %s (%s, %.2f)\n",
				marker, item.Record.ExamName, r.CleanName, r.Best.Concept.ConceptID, r.Confidence)
		case exam.StatusNoMatch:
			fmt.Fprintf(w, "x %-40q -> no match\n", item.Record.ExamName)
		default:
			fmt.Fprintf(w, "! %-40q -> %s\n", item.Record.ExamName, r.Error)
		}
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openradx/exammatch/internal/domain/validation"
	"github.com/openradx/exammatch/internal/infrastructure/database/postgres"
	"github.com/openradx/exammatch/internal/infrastructure/database/redis"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
)

var (
	flagDecisionNote    string
	flagDecisionConcept string
	flagReviewer        string
)

func init() {
	validateCmd.AddCommand(validatePendingCmd)
	validateCmd.AddCommand(validateApproveCmd)
	validateCmd.AddCommand(validateRejectCmd)
	validateCmd.AddCommand(validateCorrectCmd)
	validateCmd.AddCommand(validateDeferCmd)
	validateCmd.AddCommand(validateApplyCmd)
	validateCmd.AddCommand(validateFinalizeCmd)

	for _, cmd := range []*cobra.Command{validateApproveCmd, validateRejectCmd, validateCorrectCmd, validateDeferCmd} {
		cmd.Flags().StringVar(&flagDecisionNote, "note", "", "reviewer note")
		cmd.Flags().StringVar(&flagReviewer, "reviewer", "", "reviewer identifier")
	}
	validateCorrectCmd.Flags().StringVar(&flagDecisionConcept, "concept", "", "replacement concept id")
	_ = validateCorrectCmd.MarkFlagRequired("concept")

	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Review and decide match results",
}

// validationService connects the Postgres-backed review workflow, with the
// Redis snapshot publisher when Redis is reachable.
func validationService(ctx context.Context, logger logging.Logger) (*validation.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { pool.Close() }

	var opts []validation.Option
	if client, err := redis.Connect(ctx, cfg.Redis); err != nil {
		logger.Warn("redis unavailable, snapshots stay local", logging.Err(err))
	} else {
		opts = append(opts, validation.WithSnapshotSink(redis.NewSnapshotPublisher(client, cfg.Redis, logger)))
		prev := cleanup
		cleanup = func() {
			_ = client.Close()
			prev()
		}
	}

	svc := validation.NewService(postgres.NewStore(pool), logger, opts...)
	if err := svc.RebuildSnapshot(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return svc, cleanup, nil
}

func decide(cmd *cobra.Command, action validation.Action, uniqueInputID string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	svc, cleanup, err := validationService(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	d := validation.Decision{
		UniqueInputID: uniqueInputID,
		Action:        action,
		ConceptID:     flagDecisionConcept,
		Note:          flagDecisionNote,
		Reviewer:      flagReviewer,
	}
	if err := svc.Decide(cmd.Context(), []validation.Decision{d}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", action, uniqueInputID)
	return nil
}

var validatePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List records awaiting review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := postgres.Connect(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		_ = logger

		records, err := postgres.NewStore(pool).ListByStatus(cmd.Context(), validation.StatusPending)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing pending")
			return nil
		}
		for _, r := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-40q -> %s (%.2f)\n",
				r.UniqueInputID, r.RawText, r.CleanName, r.Confidence)
		}
		return nil
	},
}

var validateApproveCmd = &cobra.Command{
	Use:   "approve <unique-input-id>",
	Short: "Approve the engine's proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, validation.ActionApprove, args[0])
	},
}

var validateRejectCmd = &cobra.Command{
	Use:   "reject <unique-input-id>",
	Short: "Mark the input as failed validation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, validation.ActionReject, args[0])
	},
}

var validateCorrectCmd = &cobra.Command{
	Use:   "correct <unique-input-id>",
	Short: "Approve with a reviewer-chosen concept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, validation.ActionCorrect, args[0])
	},
}

var validateDeferCmd = &cobra.Command{
	Use:   "defer <unique-input-id>",
	Short: "Hold a pending record for a later review round",
	Long: `Defer the decision on a pending record.  A deferred record stays
pending through "validate finalize" instead of being auto-approved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, validation.ActionDefer, args[0])
	},
}

var validateApplyCmd = &cobra.Command{
	Use:   "apply <decisions.json>",
	Short: "Apply a file of reviewer decisions",
	Long: `Apply a JSON array of decisions in one pass, e.g.

  [{"unique_input_id": "9f2c...", "action": "approve"},
   {"unique_input_id": "41ab...", "action": "correct", "concept_id": "RID-CT-HEAD-C"}]

Decisions that cannot be applied are reported and the rest still take effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var decisions []validation.Decision
		if err := json.Unmarshal(data, &decisions); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if len(decisions) == 0 {
			return fmt.Errorf("%s contains no decisions", args[0])
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		svc, cleanup, err := validationService(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := svc.Decide(cmd.Context(), decisions); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d decisions\n", len(decisions))
		return nil
	},
}

var validateFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Auto-approve every remaining pending proposal",
	Long: `Finalize the current review round.  Records already rejected or
corrected keep their decisions, deferred records stay pending, and every
remaining pending record with an engine proposal is approved as-is.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		svc, cleanup, err := validationService(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer cleanup()

		approved, failed, err := svc.FinalizeReview(cmd.Context(), nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "auto-approved %d records (%d failed earlier)\n", approved, failed)
		return nil
	},
}

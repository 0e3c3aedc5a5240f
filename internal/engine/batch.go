package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// BatchItem pairs one record's result with its position in the submitted
// batch.  A per-record failure is captured here instead of aborting the
// batch.
type BatchItem struct {
	Index  int               `json:"index"`
	Record *exam.Record      `json:"record"`
	Result *exam.MatchResult `json:"result"`
}

// BatchSummary describes a completed batch run.
type BatchSummary struct {
	BatchID    string        `json:"batch_id"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	LowConf    int           `json:"low_confidence"`
	NoMatch    int           `json:"no_match"`
	Errored    int           `json:"errored"`
	FromCache  int           `json:"from_cache"`
	Elapsed    time.Duration `json:"elapsed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// EventSink publishes batch lifecycle events, e.g. to Kafka for downstream
// consumers.
type EventSink interface {
	BatchStarted(ctx context.Context, batchID string, size int) error
	BatchCompleted(ctx context.Context, summary BatchSummary) error
}

// MatchBatch standardizes a batch with bounded parallelism.  The item slice
// is parallel to the input: items[i] always holds the outcome for
// records[i].  Rule configuration, catalog, and validation snapshot are read
// once per record, so a hot reload mid-batch affects only records that had
// not started yet.  Cancelling ctx stops unstarted records; their items get
// an error result with the timeout code.
func (e *Engine) MatchBatch(ctx context.Context, records []*exam.Record) ([]BatchItem, BatchSummary, error) {
	batchID := uuid.NewString()
	started := time.Now()
	if e.eventSink != nil {
		if err := e.eventSink.BatchStarted(ctx, batchID, len(records)); err != nil {
			e.logger.Warn("batch start event not published",
				logging.String("batch_id", batchID),
				logging.Err(err))
		}
	}

	items := make([]BatchItem, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrent)

	for i, rec := range records {
		i, rec := i, rec
		items[i] = BatchItem{Index: i, Record: rec}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				items[i].Result = errorResult(rec, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "batch cancelled"))
				return nil
			}
			result, err := e.Match(gctx, rec)
			if err != nil {
				items[i].Result = errorResult(rec, err)
				return nil
			}
			items[i].Result = result
			return nil
		})
	}
	// Workers never return errors; per-record failures live in the items.
	_ = g.Wait()

	summary := summarize(batchID, items, started)
	e.metrics.ObserveBatch(len(records), summary.Elapsed)
	e.logger.Info("batch completed",
		logging.String("batch_id", batchID),
		logging.Int("total", summary.Total),
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("errored", summary.Errored),
		logging.Duration("elapsed", summary.Elapsed))

	if e.eventSink != nil {
		if err := e.eventSink.BatchCompleted(ctx, summary); err != nil {
			e.logger.Warn("batch completion event not published",
				logging.String("batch_id", batchID),
				logging.Err(err))
		}
	}
	return items, summary, ctx.Err()
}

// errorResult wraps a per-record failure as a result so the batch stays
// index-aligned.
func errorResult(rec *exam.Record, err error) *exam.MatchResult {
	return &exam.MatchResult{
		Input: &exam.NormalizedInput{
			RawText:      rec.ExamName,
			ExamCode:     rec.ExamCode,
			ModalityCode: rec.ModalityCode,
			DataSource:   rec.DataSource,
		},
		Status:    exam.StatusError,
		Error:     err.Error(),
		ErrorCode: string(apperrors.GetCode(err)),
	}
}

func summarize(batchID string, items []BatchItem, started time.Time) BatchSummary {
	finished := time.Now()
	s := BatchSummary{
		BatchID:    batchID,
		Total:      len(items),
		StartedAt:  started,
		FinishedAt: finished,
		Elapsed:    finished.Sub(started),
	}
	for _, item := range items {
		if item.Result == nil {
			s.Errored++
			continue
		}
		switch item.Result.Status {
		case exam.StatusSuccess:
			s.Succeeded++
		case exam.StatusLowConfidence:
			s.LowConf++
		case exam.StatusNoMatch:
			s.NoMatch++
		default:
			s.Errored++
		}
		if item.Result.FromCache {
			s.FromCache++
		}
	}
	return s
}

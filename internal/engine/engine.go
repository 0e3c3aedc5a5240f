// Package engine wires the matching stages into the full pipeline: approved
// and failed validation short-circuits, preprocessing, component extraction,
// candidate retrieval, scoring, optional semantic reranking, and result
// assembly.
package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/domain/validation"
	"github.com/openradx/exammatch/internal/engine/extract"
	"github.com/openradx/exammatch/internal/engine/preprocess"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	"github.com/openradx/exammatch/internal/engine/score"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Engine runs the standardization pipeline.  Safe for concurrent use.
type Engine struct {
	rules      *config.RulesHandle
	catalog    *exam.Catalog
	normalizer *preprocess.Normalizer
	extractor  *extract.Extractor
	retriever  retrieve.Retriever
	fallback   *retrieve.CatalogRetriever
	scorer     *score.Scorer
	reranker   Reranker
	validation *validation.Service
	metrics    Metrics
	logger     logging.Logger

	maxAlternates int
	maxConcurrent int
	eventSink     EventSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetriever replaces the default in-process catalog retriever.
func WithRetriever(r retrieve.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithReranker enables second-stage semantic rescoring.
func WithReranker(r Reranker) Option {
	return func(e *Engine) { e.reranker = r }
}

// WithValidation connects the review workflow: approved mappings replay from
// cache, failed inputs are excluded, and fresh results queue for review.
func WithValidation(v *validation.Service) Option {
	return func(e *Engine) { e.validation = v }
}

// WithMetrics connects engine observations to a collector.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEventSink publishes batch lifecycle events.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.eventSink = s }
}

// WithMaxAlternates bounds the alternates list in results.
func WithMaxAlternates(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAlternates = n
		}
	}
}

// WithMaxConcurrent bounds batch worker parallelism.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// New creates an engine over a catalog and a live rule handle.
func New(rules *config.RulesHandle, catalog *exam.Catalog, logger logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	fallback := retrieve.NewCatalogRetriever(catalog)
	e := &Engine{
		rules:         rules,
		catalog:       catalog,
		normalizer:    preprocess.NewNormalizer(rules, logger),
		extractor:     extract.NewExtractor(rules, logger),
		retriever:     fallback,
		fallback:      fallback,
		scorer:        score.NewScorer(rules, logger),
		metrics:       NopMetrics(),
		logger:        logger.Named("engine"),
		maxAlternates: config.DefaultMaxAlternates,
		maxConcurrent: config.DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match standardizes one record.  Errors carry the code of the failing
// stage; a failed-validation exclusion returns ErrCodeExcludedFailedValidation.
func (e *Engine) Match(ctx context.Context, rec *exam.Record) (*exam.MatchResult, error) {
	start := time.Now()
	result, err := e.match(ctx, rec)
	status := "error"
	fromCache := false
	if result != nil {
		status = string(result.Status)
		fromCache = result.FromCache
	}
	e.metrics.ObserveMatch(status, fromCache, time.Since(start))
	return result, err
}

func (e *Engine) match(ctx context.Context, rec *exam.Record) (*exam.MatchResult, error) {
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrCodeMalformedInput, "record is nil")
	}
	uniqueID := rec.UniqueID()

	// Decided inputs never re-enter the pipeline: a failed input is
	// excluded outright and an approved one replays its frozen mapping,
	// regardless of any rule changes since the approval.
	if e.validation != nil {
		if e.validation.IsFailed(uniqueID) {
			return nil, apperrors.Newf(apperrors.ErrCodeExcludedFailedValidation,
				"input %s failed validation and is excluded", uniqueID)
		}
		if mapping, ok := e.validation.Approved(uniqueID); ok {
			return e.cachedResult(rec, mapping), nil
		}
	}

	in, err := e.normalizer.Normalize(rec)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.ErrCodeExpansionOverflow) {
			return nil, err
		}
		// The stream is usable, the table just never settled.
		e.logger.Warn("abbreviation expansion hit the pass cap",
			logging.String("input", rec.ExamName))
	}

	comps, err := e.extractor.Extract(in)
	if err != nil {
		return nil, err
	}
	applyHint(&comps, rec.Hint)

	rules := e.rules.Current()
	candidates, err := e.retrieveCandidates(ctx, in, rules)
	if err != nil {
		return nil, err
	}

	scored, gated := e.scorer.Score(in, comps, candidates)
	if e.reranker != nil && rules.Reranker.Enable && (rec.Hint == nil || !rec.Hint.SkipReranker) {
		scored = e.rerank(ctx, in, scored, rules)
	}

	result := e.assemble(in, scored, gated, rules)
	e.enqueueForReview(ctx, in, result)
	return result, nil
}

// retrieveCandidates queries the configured backend under its timeout.  When
// an external backend fails, the in-process catalog scan takes over so a
// search-cluster outage degrades result quality instead of availability.
func (e *Engine) retrieveCandidates(ctx context.Context, in *exam.NormalizedInput, rules *config.MatchingRules) ([]retrieve.Candidate, error) {
	rctx := ctx
	timeout := time.Duration(rules.Retriever.TimeoutMS) * time.Millisecond
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	candidates, err := e.retriever.Retrieve(rctx, in, rules.Retriever.TopK)
	if err == nil {
		return candidates, nil
	}
	if e.retriever == retrieve.Retriever(e.fallback) {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "candidate retrieval")
	}
	e.logger.Warn("retrieval backend failed, falling back to catalog scan",
		logging.String("input", in.RawText),
		logging.Err(err))
	candidates, err = e.fallback.Retrieve(ctx, in, rules.Retriever.TopK)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "fallback catalog retrieval")
	}
	return candidates, nil
}

// rerank refreshes semantic scores and re-blends.  Any reranker failure
// degrades to the retrieval-stage scores already in place.
func (e *Engine) rerank(ctx context.Context, in *exam.NormalizedInput, scored []*exam.ScoredCandidate, rules *config.MatchingRules) []*exam.ScoredCandidate {
	if len(scored) == 0 {
		return scored
	}
	timeout := time.Duration(rules.Reranker.TimeoutMS) * time.Millisecond
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	refined, err := e.reranker.Rescore(ctx, in, scored)
	if err != nil {
		e.metrics.ObserveRerankerFallback()
		e.logger.Warn("reranker unavailable, keeping retrieval scores",
			logging.String("input", in.RawText),
			logging.Err(err))
		return scored
	}

	fw := rules.WeightsFinal
	for _, sc := range scored {
		v, ok := refined[sc.Concept.ConceptID]
		if !ok {
			continue
		}
		sc.SemanticScore = v
		final := fw.Component*sc.ComponentScore + fw.Reranker*v
		if final > 1 {
			final = 1
		}
		if final < 0 && !sc.Blocking {
			final = 0
		}
		sc.FinalScore = final
	}
	sortCandidates(scored)
	return scored
}

// assemble turns the ranked candidate list into the caller-facing result.
// Blocked candidates never become the best match or an alternate.  When
// retrieval found candidates but none survived, the result explains why the
// nearest one was rejected.
func (e *Engine) assemble(in *exam.NormalizedInput, scored []*exam.ScoredCandidate, gated []score.Gated, rules *config.MatchingRules) *exam.MatchResult {
	result := &exam.MatchResult{Input: in}

	viable := make([]*exam.ScoredCandidate, 0, len(scored))
	for _, sc := range scored {
		if !sc.Blocking {
			viable = append(viable, sc)
		}
	}
	if len(viable) == 0 {
		result.Status = exam.StatusNoMatch
		var reason string
		switch {
		case len(scored) > 0:
			reason = scored[0].BlockingReason
		case len(gated) > 0:
			reason = gated[0].Reason
		}
		if reason != "" {
			result.ErrorCode = string(apperrors.ErrCodeNoViableCandidate)
			result.Error = "no viable candidate: " + reason
		}
		return result
	}

	best := viable[0]
	result.Best = best
	result.Confidence = best.FinalScore
	result.CleanName = best.Concept.FullySpecifiedName
	if best.FinalScore >= rules.AcceptanceThreshold {
		result.Status = exam.StatusSuccess
	} else {
		result.Status = exam.StatusLowConfidence
	}

	limit := e.maxAlternates
	if len(viable)-1 < limit {
		limit = len(viable) - 1
	}
	if limit > 0 {
		result.Alternates = viable[1 : 1+limit]
	}
	return result
}

func (e *Engine) cachedResult(rec *exam.Record, mapping exam.ApprovedMapping) *exam.MatchResult {
	result := &exam.MatchResult{
		Input: &exam.NormalizedInput{
			RawText:      rec.ExamName,
			ExamCode:     rec.ExamCode,
			ModalityCode: rec.ModalityCode,
			DataSource:   rec.DataSource,
		},
		Confidence: mapping.Confidence,
		CleanName:  mapping.CleanName,
		Status:     exam.StatusSuccess,
		FromCache:  true,
	}
	if concept := e.catalog.Get(mapping.ConceptID); concept != nil {
		result.Best = &exam.ScoredCandidate{
			Concept:    concept,
			FinalScore: mapping.Confidence,
		}
	}
	return result
}

// enqueueForReview feeds fresh results into the validation queue.  Queue
// trouble never fails the match.
func (e *Engine) enqueueForReview(ctx context.Context, in *exam.NormalizedInput, result *exam.MatchResult) {
	if e.validation == nil {
		return
	}
	if _, err := e.validation.Enqueue(ctx, in, result); err != nil {
		e.logger.Warn("could not queue result for validation",
			logging.String("input", in.RawText),
			logging.Err(err))
	}
}

// applyHint lets a reviewer override extracted components on reprocessing.
func applyHint(comps *exam.ComponentSet, hint *exam.ReprocessingHint) {
	if hint == nil {
		return
	}
	if hint.ForceModality != "" {
		// Modality codes are uppercase everywhere else in the pipeline.
		comps.Modality = strings.ToUpper(hint.ForceModality)
	}
	if len(hint.ForceTechnique) > 0 {
		comps.Technique = hint.ForceTechnique
		comps.Normalize()
	}
}

func sortCandidates(scored []*exam.ScoredCandidate) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		return scored[i].Concept.ConceptID < scored[j].Concept.ConceptID
	})
}

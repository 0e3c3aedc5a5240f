package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/domain/validation"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

func testCatalog(t *testing.T) *exam.Catalog {
	t.Helper()
	cat, err := exam.NewCatalog([]*exam.ReferenceConcept{
		{
			ConceptID:          "RID-HEAD-C",
			FullySpecifiedName: "CT head with contrast",
			Components: exam.ComponentSet{
				Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWith,
			},
		},
		{
			ConceptID:          "RID-HEAD-N",
			FullySpecifiedName: "CT head without contrast",
			Components: exam.ComponentSet{
				Anatomy: []string{"head"}, Modality: "CT", Contrast: exam.ContrastWithout,
			},
		},
		{
			ConceptID:          "RID-CHEST-C",
			FullySpecifiedName: "CT chest with contrast",
			Components: exam.ComponentSet{
				Anatomy: []string{"chest"}, Modality: "CT", Contrast: exam.ContrastWith,
			},
		},
		{
			ConceptID:          "RID-KNEE-L",
			FullySpecifiedName: "XR knee left",
			Components: exam.ComponentSet{
				Anatomy: []string{"knee"}, Modality: "XR", Laterality: exam.LateralityLeft,
			},
		},
	})
	require.NoError(t, err)
	return cat
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	return New(config.NewRulesHandle(config.DefaultRules()), testCatalog(t), nil, opts...)
}

func TestMatch(t *testing.T) {
	ctx := context.Background()

	t.Run("shorthand input resolves end to end", func(t *testing.T) {
		e := newTestEngine(t)
		result, err := e.Match(ctx, &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"})
		require.NoError(t, err)

		assert.Equal(t, exam.StatusSuccess, result.Status)
		require.NotNil(t, result.Best)
		assert.Equal(t, "RID-HEAD-C", result.Best.Concept.ConceptID)
		assert.Equal(t, "CT head with contrast", result.CleanName)
		assert.GreaterOrEqual(t, result.Confidence, 0.6)
		assert.Equal(t, []string{"ct", "head", "with", "contrast"}, result.Input.Tokens)
	})

	t.Run("alternates exclude the best match", func(t *testing.T) {
		e := newTestEngine(t)
		result, err := e.Match(ctx, &exam.Record{ExamName: "CT head", ModalityCode: "CT"})
		require.NoError(t, err)
		require.NotNil(t, result.Best)
		for _, alt := range result.Alternates {
			assert.NotEqual(t, result.Best.Concept.ConceptID, alt.Concept.ConceptID)
			assert.False(t, alt.Blocking)
		}
	})

	t.Run("unrelated input yields no match", func(t *testing.T) {
		e := newTestEngine(t)
		result, err := e.Match(ctx, &exam.Record{ExamName: "echocardiogram stress protocol"})
		require.NoError(t, err)
		assert.Equal(t, exam.StatusNoMatch, result.Status)
		assert.Nil(t, result.Best)
	})

	t.Run("empty record is rejected", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Match(ctx, &exam.Record{ExamName: "  "})
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMalformedInput))
	})

	t.Run("hint forces the modality", func(t *testing.T) {
		e := newTestEngine(t)
		// Plain text says CT, the reviewer says it was really an XR knee.
		result, err := e.Match(ctx, &exam.Record{
			ExamName: "left knee",
			Hint:     &exam.ReprocessingHint{ForceModality: "XR"},
		})
		require.NoError(t, err)
		require.NotNil(t, result.Best)
		assert.Equal(t, "RID-KNEE-L", result.Best.Concept.ConceptID)
	})

	t.Run("lowercase hint modality still applies", func(t *testing.T) {
		e := newTestEngine(t)
		result, err := e.Match(ctx, &exam.Record{
			ExamName: "left knee",
			Hint:     &exam.ReprocessingHint{ForceModality: "xr"},
		})
		require.NoError(t, err)
		require.NotNil(t, result.Best)
		assert.Equal(t, "RID-KNEE-L", result.Best.Concept.ConceptID)
	})

	t.Run("gate elimination is explained", func(t *testing.T) {
		e := newTestEngine(t)
		// "head" retrieves the CT studies, none of which can serve an
		// ultrasound order.
		result, err := e.Match(ctx, &exam.Record{ExamName: "US head", ModalityCode: "US"})
		require.NoError(t, err)

		assert.Equal(t, exam.StatusNoMatch, result.Status)
		assert.Nil(t, result.Best)
		assert.Equal(t, string(apperrors.ErrCodeNoViableCandidate), result.ErrorCode)
		assert.Contains(t, result.Error, "modality")
	})

	t.Run("identical input matches identically", func(t *testing.T) {
		e := newTestEngine(t)
		rec := &exam.Record{ExamName: "CT head", ModalityCode: "CT"}

		first, err := e.Match(ctx, rec)
		require.NoError(t, err)
		require.NotNil(t, first.Best)

		for i := 0; i < 3; i++ {
			again, err := e.Match(ctx, rec)
			require.NoError(t, err)
			require.NotNil(t, again.Best)
			assert.Equal(t, first.Best.Concept.ConceptID, again.Best.Concept.ConceptID)
			assert.InDelta(t, first.Confidence, again.Confidence, 1e-12)
			require.Len(t, again.Alternates, len(first.Alternates))
			for j := range first.Alternates {
				assert.Equal(t, first.Alternates[j].Concept.ConceptID, again.Alternates[j].Concept.ConceptID)
			}
		}
	})
}

func TestMatchWithValidation(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Engine, *validation.Service) {
		svc := validation.NewService(validation.NewMemoryStore(), nil)
		e := newTestEngine(t, WithValidation(svc))
		return e, svc
	}

	t.Run("approved mapping replays from cache", func(t *testing.T) {
		e, svc := setup(t)
		rec := &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"}

		first, err := e.Match(ctx, rec)
		require.NoError(t, err)
		assert.False(t, first.FromCache)

		_, _, err = svc.FinalizeReview(ctx, nil)
		require.NoError(t, err)

		second, err := e.Match(ctx, rec)
		require.NoError(t, err)
		assert.True(t, second.FromCache)
		assert.Equal(t, "RID-HEAD-C", second.Best.Concept.ConceptID)
		assert.Equal(t, first.CleanName, second.CleanName)
	})

	t.Run("approved mapping survives a rule change", func(t *testing.T) {
		rules := config.NewRulesHandle(config.DefaultRules())
		svc := validation.NewService(validation.NewMemoryStore(), nil)
		e := New(rules, testCatalog(t), nil, WithValidation(svc))
		rec := &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"}

		_, err := e.Match(ctx, rec)
		require.NoError(t, err)
		_, _, err = svc.FinalizeReview(ctx, nil)
		require.NoError(t, err)

		// A threshold nobody could meet; the frozen mapping must still
		// replay.
		harsh := config.DefaultRules()
		harsh.AcceptanceThreshold = 0.999
		harsh.MinimumComponentThresholds.CombinedMin = 0.999
		rules.Swap(harsh)

		result, err := e.Match(ctx, rec)
		require.NoError(t, err)
		assert.True(t, result.FromCache)
		assert.Equal(t, exam.StatusSuccess, result.Status)
	})

	t.Run("failed input is excluded", func(t *testing.T) {
		e, svc := setup(t)
		rec := &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"}

		first, err := e.Match(ctx, rec)
		require.NoError(t, err)
		id := first.Input.UniqueID()

		require.NoError(t, svc.Decide(ctx, []validation.Decision{
			{UniqueInputID: id, Action: validation.ActionReject, Note: "duplicate feed entry"},
		}))

		_, err = e.Match(ctx, rec)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExcludedFailedValidation))
	})

	t.Run("fresh results are queued pending", func(t *testing.T) {
		e, svc := setup(t)
		result, err := e.Match(ctx, &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"})
		require.NoError(t, err)

		_, ok := svc.Approved(result.Input.UniqueID())
		assert.False(t, ok)
		assert.False(t, svc.IsFailed(result.Input.UniqueID()))
	})
}

type failingRetriever struct{ calls int }

func (f *failingRetriever) Retrieve(context.Context, *exam.NormalizedInput, int) ([]retrieve.Candidate, error) {
	f.calls++
	return nil, fmt.Errorf("search cluster unreachable")
}

func TestRetrieverFallback(t *testing.T) {
	ctx := context.Background()

	backend := &failingRetriever{}
	e := newTestEngine(t, WithRetriever(backend))
	result, err := e.Match(ctx, &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"})
	require.NoError(t, err)

	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, exam.StatusSuccess, result.Status)
	require.NotNil(t, result.Best)
	assert.Equal(t, "RID-HEAD-C", result.Best.Concept.ConceptID)
}

type fakeReranker struct {
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeReranker) Rescore(_ context.Context, _ *exam.NormalizedInput, _ []*exam.ScoredCandidate) (map[string]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}

func TestReranker(t *testing.T) {
	ctx := context.Background()

	rulesWithReranker := func() *config.RulesHandle {
		rules := config.DefaultRules()
		rules.Reranker.Enable = true
		return config.NewRulesHandle(rules)
	}

	t.Run("refined scores reorder candidates", func(t *testing.T) {
		// Without the reranker the plain study wins on the no-contrast
		// preference; a strong semantic signal flips the order.
		rr := &fakeReranker{scores: map[string]float64{
			"RID-HEAD-C": 0.99,
			"RID-HEAD-N": 0.10,
		}}
		e := New(rulesWithReranker(), testCatalog(t), nil, WithReranker(rr))

		result, err := e.Match(ctx, &exam.Record{ExamName: "CT head", ModalityCode: "CT"})
		require.NoError(t, err)
		require.NotNil(t, result.Best)
		assert.Equal(t, 1, rr.calls)
		assert.Equal(t, "RID-HEAD-C", result.Best.Concept.ConceptID)
	})

	t.Run("reranker failure degrades to retrieval scores", func(t *testing.T) {
		rr := &fakeReranker{err: apperrors.New(apperrors.ErrCodeRerankerTimeout, "deadline exceeded")}
		e := New(rulesWithReranker(), testCatalog(t), nil, WithReranker(rr))

		result, err := e.Match(ctx, &exam.Record{ExamName: "CT CHED W/C", ModalityCode: "CT"})
		require.NoError(t, err)
		assert.Equal(t, 1, rr.calls)
		assert.Equal(t, "RID-HEAD-C", result.Best.Concept.ConceptID)
	})

	t.Run("hint can skip the reranker", func(t *testing.T) {
		rr := &fakeReranker{scores: map[string]float64{}}
		e := New(rulesWithReranker(), testCatalog(t), nil, WithReranker(rr))

		_, err := e.Match(ctx, &exam.Record{
			ExamName:     "CT head",
			ModalityCode: "CT",
			Hint:         &exam.ReprocessingHint{SkipReranker: true},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, rr.calls)
	})
}

func TestMatchBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("items stay index aligned and errors are captured", func(t *testing.T) {
		e := newTestEngine(t, WithMaxConcurrent(4))
		records := []*exam.Record{
			{ExamName: "CT CHED W/C", ModalityCode: "CT"},
			{ExamName: "   "},
			{ExamName: "CT chest with contrast", ModalityCode: "CT"},
			{ExamName: "echocardiogram stress protocol"},
		}

		items, summary, err := e.MatchBatch(ctx, records)
		require.NoError(t, err)
		require.Len(t, items, 4)

		assert.Equal(t, exam.StatusSuccess, items[0].Result.Status)
		assert.Equal(t, exam.StatusError, items[1].Result.Status)
		assert.Equal(t, string(apperrors.ErrCodeMalformedInput), items[1].Result.ErrorCode)
		assert.Equal(t, exam.StatusSuccess, items[2].Result.Status)
		assert.Equal(t, exam.StatusNoMatch, items[3].Result.Status)

		assert.Equal(t, 4, summary.Total)
		assert.Equal(t, 2, summary.Succeeded)
		assert.Equal(t, 1, summary.NoMatch)
		assert.Equal(t, 1, summary.Errored)
		assert.NotEmpty(t, summary.BatchID)
	})

	t.Run("large batch with bounded workers", func(t *testing.T) {
		e := newTestEngine(t, WithMaxConcurrent(3))
		var records []*exam.Record
		for i := 0; i < 50; i++ {
			records = append(records, &exam.Record{
				ExamName:     fmt.Sprintf("CT head series %d", i),
				ModalityCode: "CT",
			})
		}
		items, summary, err := e.MatchBatch(ctx, records)
		require.NoError(t, err)
		require.Len(t, items, 50)
		for i, item := range items {
			assert.Equal(t, i, item.Index)
			require.NotNil(t, item.Result)
		}
		assert.Equal(t, 50, summary.Total)
	})

	t.Run("cancelled context stops the batch", func(t *testing.T) {
		e := newTestEngine(t, WithMaxConcurrent(1))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		records := []*exam.Record{
			{ExamName: "CT head", ModalityCode: "CT"},
			{ExamName: "CT chest", ModalityCode: "CT"},
		}
		items, _, err := e.MatchBatch(cancelled, records)
		require.Error(t, err)
		require.Len(t, items, 2)
		for _, item := range items {
			require.NotNil(t, item.Result)
			assert.Equal(t, exam.StatusError, item.Result.Status)
		}
	})
}

type captureEvents struct {
	started   int
	completed []BatchSummary
}

func (c *captureEvents) BatchStarted(_ context.Context, _ string, _ int) error {
	c.started++
	return nil
}

func (c *captureEvents) BatchCompleted(_ context.Context, summary BatchSummary) error {
	c.completed = append(c.completed, summary)
	return nil
}

func TestBatchEvents(t *testing.T) {
	sink := &captureEvents{}
	e := newTestEngine(t, WithEventSink(sink))

	_, _, err := e.MatchBatch(context.Background(), []*exam.Record{
		{ExamName: "CT head", ModalityCode: "CT"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sink.started)
	require.Len(t, sink.completed, 1)
	assert.Equal(t, 1, sink.completed[0].Total)
}

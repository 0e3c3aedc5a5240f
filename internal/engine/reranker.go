package engine

import (
	"context"

	"github.com/openradx/exammatch/internal/domain/exam"
)

// Reranker is the optional second-stage semantic scorer.  Given the ranked
// survivors of component scoring it returns refined semantic scores keyed by
// concept ID.  Implementations typically call an embedding or cross-encoder
// service; the engine bounds every call with the configured timeout and falls
// back to the retrieval-stage scores when the call fails.
type Reranker interface {
	Rescore(ctx context.Context, in *exam.NormalizedInput, candidates []*exam.ScoredCandidate) (map[string]float64, error)
}

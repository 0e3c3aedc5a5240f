// Package retrieve narrows the reference catalog to a small candidate set
// for scoring.  The default backend is an in-process lexical scan over the
// catalog; vector and search-cluster backends plug in behind the same
// interface.
package retrieve

import (
	"context"

	"github.com/openradx/exammatch/internal/domain/exam"
)

// Candidate is one catalog concept proposed for scoring together with the
// retrieval-stage similarity that proposed it.
type Candidate struct {
	Concept       *exam.ReferenceConcept
	SemanticScore float64
}

// Retriever proposes the topK most plausible concepts for an input.
// Implementations must be safe for concurrent use and must return candidates
// in deterministic order: descending score, ascending concept ID on ties.
type Retriever interface {
	Retrieve(ctx context.Context, in *exam.NormalizedInput, topK int) ([]Candidate, error)
}

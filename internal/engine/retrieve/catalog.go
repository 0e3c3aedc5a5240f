package retrieve

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/openradx/exammatch/internal/domain/exam"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// checkEvery controls how often the cancellation context is polled during a
// catalog scan.
const checkEvery = 256

// CatalogRetriever scans the whole in-memory catalog and ranks concepts by
// lexical token overlap with the input.  It needs no external service and is
// the fallback when neither the vector nor the search backend is configured.
type CatalogRetriever struct {
	catalog *exam.Catalog
	names   []nameTokens // parallel to catalog.All()
}

type nameTokens struct {
	set map[string]bool
}

// NewCatalogRetriever pre-tokenizes every concept name once.
func NewCatalogRetriever(catalog *exam.Catalog) *CatalogRetriever {
	concepts := catalog.All()
	names := make([]nameTokens, len(concepts))
	for i, c := range concepts {
		names[i] = nameTokens{set: tokenSet(c.FullySpecifiedName)}
	}
	return &CatalogRetriever{catalog: catalog, names: names}
}

// Retrieve ranks by Jaccard overlap between the input token set and the
// concept name token set.  Ties rank by concept ID so repeated runs return
// identical candidate lists.
func (r *CatalogRetriever) Retrieve(ctx context.Context, in *exam.NormalizedInput, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	query := make(map[string]bool, len(in.Tokens))
	for _, t := range in.Tokens {
		query[t] = true
	}

	concepts := r.catalog.All()
	candidates := make([]Candidate, 0, len(concepts))
	for i, c := range concepts {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalTimeout, "catalog scan cancelled")
			}
		}
		score := jaccard(query, r.names[i].set)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, Candidate{Concept: c, SemanticScore: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SemanticScore != candidates[j].SemanticScore {
			return candidates[i].SemanticScore > candidates[j].SemanticScore
		}
		return candidates[i].Concept.ConceptID < candidates[j].Concept.ConceptID
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

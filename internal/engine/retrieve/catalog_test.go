package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openradx/exammatch/internal/domain/exam"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

func testCatalog(t *testing.T) *exam.Catalog {
	t.Helper()
	cat, err := exam.NewCatalog([]*exam.ReferenceConcept{
		{ConceptID: "RID-001", FullySpecifiedName: "CT head without contrast"},
		{ConceptID: "RID-002", FullySpecifiedName: "CT head with contrast"},
		{ConceptID: "RID-003", FullySpecifiedName: "CT chest with contrast"},
		{ConceptID: "RID-004", FullySpecifiedName: "MR knee left"},
	})
	require.NoError(t, err)
	return cat
}

func TestCatalogRetriever(t *testing.T) {
	r := NewCatalogRetriever(testCatalog(t))
	ctx := context.Background()

	t.Run("ranks by token overlap", func(t *testing.T) {
		in := &exam.NormalizedInput{Tokens: []string{"ct", "head", "with", "contrast"}}
		got, err := r.Retrieve(ctx, in, 10)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, "RID-002", got[0].Concept.ConceptID)
		assert.InDelta(t, 1.0, got[0].SemanticScore, 1e-9)
	})

	t.Run("topK bounds the result", func(t *testing.T) {
		in := &exam.NormalizedInput{Tokens: []string{"ct", "contrast"}}
		got, err := r.Retrieve(ctx, in, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("zero overlap is dropped", func(t *testing.T) {
		in := &exam.NormalizedInput{Tokens: []string{"ultrasound", "thyroid"}}
		got, err := r.Retrieve(ctx, in, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ties rank by concept id", func(t *testing.T) {
		in := &exam.NormalizedInput{Tokens: []string{"ct", "head"}}
		got, err := r.Retrieve(ctx, in, 10)
		require.NoError(t, err)
		require.True(t, len(got) >= 2)
		// RID-001 and RID-002 score identically against "ct head".
		assert.Equal(t, "RID-001", got[0].Concept.ConceptID)
		assert.Equal(t, "RID-002", got[1].Concept.ConceptID)
	})

	t.Run("cancelled context reported as retrieval timeout", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		in := &exam.NormalizedInput{Tokens: []string{"ct", "head"}}
		_, err := r.Retrieve(cancelled, in, 10)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRetrievalTimeout))
	})
}

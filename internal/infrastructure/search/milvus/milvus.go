// Package milvus implements semantic candidate retrieval against a Milvus
// collection of concept-name embeddings.
package milvus

import (
	"context"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

const conceptIDField = "concept_id"

// Embedder turns normalized exam text into the vector space of the indexed
// concept names.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever implements retrieve.Retriever on a Milvus collection.  Vector
// hits are resolved against the in-memory catalog; ids unknown to the
// catalog are dropped, which covers the window between a re-index and a
// catalog reload.
type Retriever struct {
	client     client.Client
	catalog    *exam.Catalog
	embedder   Embedder
	collection string
	vectorField string
	logger     logging.Logger
}

// Connect opens a Milvus client and verifies the collection exists.
func Connect(ctx context.Context, cfg config.MilvusConfig) (client.Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Addr,
		DBName:  cfg.DBName,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "connect to milvus")
	}
	ok, err := c.HasCollection(ctx, cfg.CollectionName)
	if err != nil {
		_ = c.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "check milvus collection")
	}
	if !ok {
		_ = c.Close()
		return nil, apperrors.Newf(apperrors.ErrCodeConfigInvalid,
			"milvus collection %q does not exist", cfg.CollectionName)
	}
	return c, nil
}

// NewRetriever builds a retriever over an open client.
func NewRetriever(c client.Client, catalog *exam.Catalog, embedder Embedder, cfg config.MilvusConfig, logger logging.Logger) *Retriever {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	vectorField := cfg.VectorField
	if vectorField == "" {
		vectorField = "embedding"
	}
	return &Retriever{
		client:      c,
		catalog:     catalog,
		embedder:    embedder,
		collection:  cfg.CollectionName,
		vectorField: vectorField,
		logger:      logger.Named("milvus"),
	}
}

func (r *Retriever) Retrieve(ctx context.Context, in *exam.NormalizedInput, topK int) ([]retrieve.Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, in.Text())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "embed input")
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "build search params")
	}
	results, err := r.client.Search(ctx, r.collection, nil, "",
		[]string{conceptIDField},
		[]entity.Vector{entity.FloatVector(vec)},
		r.vectorField, entity.COSINE, topK, sp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalTimeout, "milvus search")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "milvus search")
	}

	var candidates []retrieve.Candidate
	for _, rs := range results {
		idCol := rs.Fields.GetColumn(conceptIDField)
		if idCol == nil {
			continue
		}
		for i := 0; i < rs.ResultCount; i++ {
			id, err := idCol.GetAsString(i)
			if err != nil {
				continue
			}
			concept := r.catalog.Get(id)
			if concept == nil {
				r.logger.Debug("vector hit not in catalog", logging.String("concept_id", id))
				continue
			}
			candidates = append(candidates, retrieve.Candidate{
				Concept:       concept,
				SemanticScore: clampUnit(float64(rs.Scores[i])),
			})
		}
	}
	return candidates, nil
}

// Cosine similarity from Milvus already lives in [-1, 1]; scores feed the
// final blend, which expects [0, 1].
func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package opensearch implements lexical candidate retrieval against an
// OpenSearch index of concept names.  It is the retrieval backend for
// deployments that run a search cluster but no vector store.
package opensearch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v3"
	"github.com/opensearch-project/opensearch-go/v3/opensearchapi"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Connect opens an OpenSearch API client.
func Connect(cfg config.OpenSearchConfig) (*opensearchapi.Client, error) {
	var transport http.RoundTripper
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses: cfg.Addresses,
			Username:  cfg.User,
			Password:  cfg.Password,
			Transport: transport,
		},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "connect to opensearch")
	}
	return client, nil
}

// conceptDocument is the indexed form of one reference concept.
type conceptDocument struct {
	ConceptID          string `json:"concept_id"`
	FullySpecifiedName string `json:"fully_specified_name"`
}

// Retriever implements retrieve.Retriever with a fuzzy full-text query.
// Relevance scores are normalized by the best hit so they land in [0, 1]
// like every other retrieval backend.
type Retriever struct {
	client  *opensearchapi.Client
	catalog *exam.Catalog
	index   string
	logger  logging.Logger
}

// NewRetriever builds a retriever over an open client.
func NewRetriever(client *opensearchapi.Client, catalog *exam.Catalog, cfg config.OpenSearchConfig, logger logging.Logger) *Retriever {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Retriever{
		client:  client,
		catalog: catalog,
		index:   cfg.IndexName,
		logger:  logger.Named("opensearch"),
	}
}

func (r *Retriever) Retrieve(ctx context.Context, in *exam.NormalizedInput, topK int) ([]retrieve.Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	query, err := json.Marshal(map[string]any{
		"size": topK,
		"query": map[string]any{
			"match": map[string]any{
				"fully_specified_name": map[string]any{
					"query":     in.Text(),
					"fuzziness": "AUTO",
				},
			},
		},
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode search query")
	}

	resp, err := r.client.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{r.index},
		Body:    strings.NewReader(string(query)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalTimeout, "opensearch query")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeRetrievalFailed, "opensearch query")
	}

	if len(resp.Hits.Hits) == 0 {
		return nil, nil
	}
	maxScore := float64(resp.Hits.Hits[0].Score)
	if maxScore <= 0 {
		maxScore = 1
	}

	var candidates []retrieve.Candidate
	for _, hit := range resp.Hits.Hits {
		var doc conceptDocument
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			r.logger.Warn("skipping malformed search hit", logging.Err(err))
			continue
		}
		concept := r.catalog.Get(doc.ConceptID)
		if concept == nil {
			r.logger.Debug("search hit not in catalog", logging.String("concept_id", doc.ConceptID))
			continue
		}
		candidates = append(candidates, retrieve.Candidate{
			Concept:       concept,
			SemanticScore: float64(hit.Score) / maxScore,
		})
	}
	return candidates, nil
}

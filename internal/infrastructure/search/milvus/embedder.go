package milvus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openradx/exammatch/internal/config"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// HTTPEmbedder calls an external embedding service over HTTP.  The service is
// expected to run the same model that produced the indexed concept vectors.
type HTTPEmbedder struct {
	endpoint string
	dim      int
	client   *http.Client
}

// NewHTTPEmbedder builds an embedder for cfg.EmbeddingEndpoint.
func NewHTTPEmbedder(cfg config.MilvusConfig) (*HTTPEmbedder, error) {
	if cfg.EmbeddingEndpoint == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfigInvalid,
			"milvus.embedding_endpoint is required for the milvus retriever backend")
	}
	timeout := cfg.EmbeddingTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEmbedder{
		endpoint: cfg.EmbeddingEndpoint,
		dim:      cfg.EmbeddingDim,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode embedding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "call embedding service")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperrors.Newf(apperrors.ErrCodeServiceUnavailable,
			"embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "decode embedding response")
	}
	if e.dim > 0 && len(out.Embedding) != e.dim {
		return nil, apperrors.New(apperrors.ErrCodeInternal,
			fmt.Sprintf("embedding dimension %d does not match configured %d", len(out.Embedding), e.dim))
	}
	return out.Embedding, nil
}

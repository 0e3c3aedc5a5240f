package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/engine"
	"github.com/openradx/exammatch/internal/engine/retrieve"
	"github.com/openradx/exammatch/internal/infrastructure/messaging/kafka"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	promexport "github.com/openradx/exammatch/internal/infrastructure/monitoring/prometheus"
	"github.com/openradx/exammatch/internal/infrastructure/search/milvus"
	"github.com/openradx/exammatch/internal/infrastructure/search/opensearch"
)

func noopCleanup() {}

// buildRetriever constructs the retrieval backend named by the rule document.
// The "catalog" backend returns nil so the engine keeps its built-in
// in-memory retriever.
func buildRetriever(ctx context.Context, cfg *config.Config, rules *config.RulesHandle, catalog *exam.Catalog, logger logging.Logger) (retrieve.Retriever, func(), error) {
	switch rules.Current().Retriever.Backend {
	case "milvus":
		client, err := milvus.Connect(ctx, cfg.Milvus)
		if err != nil {
			return nil, nil, err
		}
		embedder, err := milvus.NewHTTPEmbedder(cfg.Milvus)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		r := milvus.NewRetriever(client, catalog, embedder, cfg.Milvus, logger)
		return r, func() { _ = client.Close() }, nil
	case "opensearch":
		client, err := opensearch.Connect(cfg.OpenSearch)
		if err != nil {
			return nil, nil, err
		}
		return opensearch.NewRetriever(client, catalog, cfg.OpenSearch, logger), noopCleanup, nil
	default:
		return nil, noopCleanup, nil
	}
}

// buildInfraOptions wires the configured infrastructure into engine options:
// the retrieval backend and, when enabled, the Kafka batch event producer.
func buildInfraOptions(ctx context.Context, cfg *config.Config, rules *config.RulesHandle, catalog *exam.Catalog, logger logging.Logger) ([]engine.Option, func(), error) {
	var opts []engine.Option

	retriever, cleanup, err := buildRetriever(ctx, cfg, rules, catalog, logger)
	if err != nil {
		return nil, nil, err
	}
	if retriever != nil {
		opts = append(opts, engine.WithRetriever(retriever))
	}

	if cfg.Kafka.Enable {
		producer := kafka.NewEventProducer(cfg.Kafka, logger)
		opts = append(opts, engine.WithEventSink(producer))
		prev := cleanup
		cleanup = func() {
			_ = producer.Close()
			prev()
		}
	}

	if cfg.Engine.MaxConcurrent > 0 {
		opts = append(opts, engine.WithMaxConcurrent(cfg.Engine.MaxConcurrent))
	}
	if cfg.Engine.MaxAlternates > 0 {
		opts = append(opts, engine.WithMaxAlternates(cfg.Engine.MaxAlternates))
	}
	return opts, cleanup, nil
}

// serveMetrics exposes a Prometheus registry on addr for the lifetime of the
// run and returns the engine metrics hooks backed by it.
func serveMetrics(addr string, logger logging.Logger) (engine.Metrics, func()) {
	registry := prometheus.NewRegistry()
	metrics := promexport.New(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", logging.Err(err))
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	return metrics, stop
}

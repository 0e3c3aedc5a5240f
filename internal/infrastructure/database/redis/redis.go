// Package redis publishes validation snapshots to a shared Redis instance so
// that sibling engine instances replay approvals decided elsewhere.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openradx/exammatch/internal/config"
	"github.com/openradx/exammatch/internal/domain/exam"
	"github.com/openradx/exammatch/internal/domain/validation"
	"github.com/openradx/exammatch/internal/infrastructure/monitoring/logging"
	apperrors "github.com/openradx/exammatch/pkg/errors"
)

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCacheError, "ping redis")
	}
	return client, nil
}

// snapshotDocument is the wire form of a published snapshot.
type snapshotDocument struct {
	Approved map[string]exam.ApprovedMapping `json:"approved"`
	Failed   []string                        `json:"failed"`
	BuiltAt  time.Time                       `json:"built_at"`
}

// SnapshotPublisher implements validation.SnapshotSink on Redis.  The whole
// snapshot is written as one document under a single key, so consumers never
// see a half-updated projection.
type SnapshotPublisher struct {
	client *goredis.Client
	key    string
	logger logging.Logger
}

// NewSnapshotPublisher creates a publisher writing under
// "<prefix>:validation:snapshot".
func NewSnapshotPublisher(client *goredis.Client, cfg config.RedisConfig, logger logging.Logger) *SnapshotPublisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "exammatch"
	}
	return &SnapshotPublisher{
		client: client,
		key:    prefix + ":validation:snapshot",
		logger: logger.Named("redis"),
	}
}

func (p *SnapshotPublisher) PublishSnapshot(ctx context.Context, snap *validation.Snapshot) error {
	doc := snapshotDocument{
		Approved: snap.Approved,
		Failed:   make([]string, 0, len(snap.Failed)),
		BuiltAt:  snap.BuiltAt,
	}
	for id := range snap.Failed {
		doc.Failed = append(doc.Failed, id)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeSerialization, "encode snapshot")
	}
	if err := p.client.Set(ctx, p.key, payload, 0).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeCacheError, "write snapshot")
	}
	p.logger.Debug("snapshot published",
		logging.Int("approved", len(doc.Approved)),
		logging.Int("failed", len(doc.Failed)))
	return nil
}

// LoadSnapshot reads the published snapshot, if any.  Returns nil when no
// snapshot has been published yet.
func (p *SnapshotPublisher) LoadSnapshot(ctx context.Context) (*validation.Snapshot, error) {
	payload, err := p.client.Get(ctx, p.key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeCacheError, "read snapshot")
	}
	var doc snapshotDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeSerialization, "decode snapshot")
	}
	snap := &validation.Snapshot{
		Approved: doc.Approved,
		Failed:   make(map[string]bool, len(doc.Failed)),
		BuiltAt:  doc.BuiltAt,
	}
	for _, id := range doc.Failed {
		snap.Failed[id] = true
	}
	return snap, nil
}

package config

import (
	"fmt"
	"time"
)

// DatabaseConfig holds PostgreSQL connection parameters for the validation
// record store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationPath   string        `mapstructure:"migration_path"`
}

// RedisConfig holds Redis connection parameters for snapshot publication.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// MilvusConfig holds Milvus vector-store connection parameters for the
// semantic candidate retriever.
type MilvusConfig struct {
	Addr           string `mapstructure:"addr"`
	DBName         string `mapstructure:"db_name"`
	CollectionName string `mapstructure:"collection_name"`
	EmbeddingDim   int    `mapstructure:"embedding_dim"`
	VectorField    string `mapstructure:"vector_field"`
	// EmbeddingEndpoint is the HTTP embedding service that produced the
	// indexed vectors.  Query text must be embedded by the same model.
	EmbeddingEndpoint string        `mapstructure:"embedding_endpoint"`
	EmbeddingTimeout  time.Duration `mapstructure:"embedding_timeout"`
}

// OpenSearchConfig holds OpenSearch cluster parameters for the lexical
// retriever fallback.
type OpenSearchConfig struct {
	Addresses          []string `mapstructure:"addresses"`
	User               string   `mapstructure:"user"`
	Password           string   `mapstructure:"password"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	IndexName          string   `mapstructure:"index_name"`
}

// KafkaConfig holds producer parameters for batch lifecycle events.
type KafkaConfig struct {
	Enable       bool     `mapstructure:"enable"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `mapstructure:"format"` // "json" | "console"
	Output string `mapstructure:"output"`
}

// EngineConfig holds batch execution parameters.
type EngineConfig struct {
	// MaxConcurrent bounds the per-batch worker pool.  Scoring is stateless,
	// so records fan out freely up to this limit.
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	// MaxAlternates bounds MatchResult.Alternates.
	MaxAlternates int `mapstructure:"max_alternates"`
	CatalogPath   string `mapstructure:"catalog_path"`
	RulesPath     string `mapstructure:"rules_path"`
}

// Config is the root configuration structure for the engine process.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Milvus     MilvusConfig     `mapstructure:"milvus"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start the process.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("config: database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("config: database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("config: database.db_name is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("config: database.max_conns must be ≥ 1, got %d", c.Database.MaxConns)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be ≥ 0, got %d", c.Redis.DB)
	}

	if c.Kafka.Enable && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address when kafka is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	if c.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("config: engine.max_concurrent must be ≥ 1, got %d", c.Engine.MaxConcurrent)
	}
	if c.Engine.MaxAlternates < 0 {
		return fmt.Errorf("config: engine.max_alternates must be ≥ 0, got %d", c.Engine.MaxAlternates)
	}
	return nil
}

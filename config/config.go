package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
)

const (
	IndexBackendPostgres = "postgres"
	IndexBackendMemory   = "memory"

	StorageBackendMemory = "memory"
	StorageBackendRedis  = "redis"
	StorageBackendSQLite = "sqlite"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// PostgreSQL (product index)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	DatabaseMigrateOnStart        bool          `env:"DB_MIGRATE_ON_START" env-default:"true"`

	// Index and storage backends
	IndexBackend      string `env:"INDEX_BACKEND" env-default:"postgres"`
	StorageBackend    string `env:"STORAGE_BACKEND" env-default:"redis"`
	StorageSQLitePath string `env:"STORAGE_SQLITE_PATH" env-default:"fern-products.db"`

	// Redis (product storage, archive lock)
	RedisHost      string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort      int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword  string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB        int    `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"fern:"`

	// Kafka consumer (product feed)
	KafkaBrokers              []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaInputTopic           string        `env:"KAFKA_INPUT_TOPIC" env-default:"products"`
	KafkaConsumerGroup        string        `env:"KAFKA_CONSUMER_GROUP" env-default:"fern-indexer"`
	KafkaConsumerEnabled      bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`
	KafkaConsumerMaxAttempts  int           `env:"KAFKA_CONSUMER_MAX_ATTEMPTS" env-default:"3"`
	KafkaConsumerRetryBackoff time.Duration `env:"KAFKA_CONSUMER_RETRY_BACKOFF" env-default:"1s"`

	// Kafka producer (change notifications)
	KafkaProducerEnabled bool   `env:"KAFKA_PRODUCER_ENABLED" env-default:"true"`
	KafkaOutputTopic     string `env:"KAFKA_OUTPUT_TOPIC" env-default:"indexer-changes"`
	KafkaBatchSize       int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Graph Database (Memgraph)
	GraphEnabled    bool   `env:"GRAPH_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Auth
	AuthEnabled   bool   `env:"AUTH_ENABLED" env-default:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	AuthClientID  string `env:"AUTH_CLIENT_ID" env-default:""`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPProtocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"true"`

	// Indexer
	AssociateUsingCurrentProducts bool          `env:"INDEXER_ASSOCIATE_USING_CURRENT_PRODUCTS" env-default:"false"`
	ListenerMaxTries              int           `env:"INDEXER_LISTENER_MAX_TRIES" env-default:"3"`
	ListenerTimeout               time.Duration `env:"INDEXER_LISTENER_TIMEOUT" env-default:"30s"`
	ListenerFilter                string        `env:"INDEXER_LISTENER_FILTER" env-default:""`
	ListenerIncludeTypes          []string      `env:"INDEXER_LISTENER_INCLUDE_TYPES" env-default:""`
	ListenerExcludeTypes          []string      `env:"INDEXER_LISTENER_EXCLUDE_TYPES" env-default:""`

	// Archive
	ArchiveEnabled    bool          `env:"ARCHIVE_ENABLED" env-default:"false"`
	ArchivePolicyFile string        `env:"ARCHIVE_POLICY_FILE" env-default:""`
	ArchiveInterval   time.Duration `env:"ARCHIVE_INTERVAL" env-default:"5m"`
	ArchiveLockTTL    time.Duration `env:"ARCHIVE_LOCK_TTL" env-default:"10m"`

	// Default module
	SignatureKeysFile        string `env:"MODULE_SIGNATURE_KEYS_FILE" env-default:""`
	AuthoritativeRegionsFile string `env:"MODULE_AUTHORITATIVE_REGIONS_FILE" env-default:""`
}

// Load reads a .env file when one exists, then binds the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.IndexBackend {
	case IndexBackendPostgres, IndexBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", c.IndexBackend))
	}
	switch c.StorageBackend {
	case StorageBackendMemory, StorageBackendRedis, StorageBackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}
	if c.StorageBackend == StorageBackendSQLite && c.StorageSQLitePath == "" {
		errs = append(errs, errors.New("STORAGE_SQLITE_PATH is required for sqlite storage"))
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		errs = append(errs, errors.New("AUTH_ISSUER_URL and AUTH_CLIENT_ID are required when auth is enabled"))
	}
	if c.ArchiveEnabled && c.ArchivePolicyFile == "" {
		errs = append(errs, errors.New("ARCHIVE_POLICY_FILE is required when archiving is enabled"))
	}
	if c.IndexBackend == IndexBackendMemory && c.StorageBackend != StorageBackendMemory {
		errs = append(errs, errors.New("the memory index requires memory storage"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether a Redis connection is needed. The archive lock reuses it when present.
func (c *Config) UsesRedis() bool {
	return c.StorageBackend == StorageBackendRedis
}

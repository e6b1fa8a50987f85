// Package config defines the global configuration structure for the AirSense
// platform. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Struct Tag Defaults (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"airsense/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the AirSense platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"airsense"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Outlier  OutlierConfig
	Cluster  ClusterConfig
	Ingest   IngestConfig
	Provider ProviderConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CorsOrigins     []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// KafkaConfig holds broker addresses and topic names for the measurement feed.
type KafkaConfig struct {
	Brokers          []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	MeasurementTopic string   `envconfig:"KAFKA_MEASUREMENT_TOPIC" default:"raw-measurements"`
	GroupID          string   `envconfig:"KAFKA_GROUP_ID" default:"airsense-ingestor"`
}

// OutlierConfig holds the default thresholds for the PM2.5 outlier classifier.
// Each field may be overridden per request via dynamic query parameters; these
// values are the ingestion-time defaults.
type OutlierConfig struct {
	RadiusMeters          float64       `envconfig:"OUTLIER_RADIUS_METERS" default:"10000"`
	MeasuredAtInterval    time.Duration `envconfig:"OUTLIER_MEASURED_AT_INTERVAL" default:"2h"`
	MinNearbyCount        int           `envconfig:"OUTLIER_MIN_NEARBY_COUNT" default:"3"`
	ZScoreThreshold       float64       `envconfig:"OUTLIER_Z_SCORE_THRESHOLD" default:"2.0"`
	AbsoluteThreshold     float64       `envconfig:"OUTLIER_ABSOLUTE_THRESHOLD" default:"10"`
	StuckWindow           time.Duration `envconfig:"OUTLIER_STUCK_WINDOW" default:"24h"`
	StuckMinPriorReadings int           `envconfig:"OUTLIER_STUCK_MIN_PRIOR_READINGS" default:"3"`
}

// ClusterConfig holds the default map clustering parameters.
type ClusterConfig struct {
	Radius    float64 `envconfig:"CLUSTER_RADIUS" default:"80"`
	Extent    float64 `envconfig:"CLUSTER_EXTENT" default:"512"`
	MinPoints int     `envconfig:"CLUSTER_MIN_POINTS" default:"2"`
	MaxZoom   int     `envconfig:"CLUSTER_MAX_ZOOM" default:"12"`
}

// IngestConfig holds batching parameters for the measurement writer.
// ChunkSize bounds statement size and ChunkPause bounds lock contention on
// the shared measurement store during large flushes.
type IngestConfig struct {
	BatchSize     int           `envconfig:"INGEST_BATCH_SIZE" default:"1000"`
	ChunkSize     int           `envconfig:"INGEST_CHUNK_SIZE" default:"1000"`
	ChunkPause    time.Duration `envconfig:"INGEST_CHUNK_PAUSE" default:"100ms"`
	FlushInterval time.Duration `envconfig:"INGEST_FLUSH_INTERVAL" default:"30s"`
	MetricsAddr   string        `envconfig:"INGEST_METRICS_ADDR" default:":9090"`
}

// ProviderConfig holds upstream data-provider endpoints and credentials.
type ProviderConfig struct {
	AirGradientBaseURL string        `envconfig:"AIRGRADIENT_BASE_URL" default:"https://api.airgradient.com"`
	AirGradientToken   SecretString  `envconfig:"AIRGRADIENT_TOKEN"`
	OpenAQBaseURL      string        `envconfig:"OPENAQ_BASE_URL" default:"https://api.openaq.org"`
	OpenAQAPIKey       SecretString  `envconfig:"OPENAQ_API_KEY"`
	PollInterval       time.Duration `envconfig:"PROVIDER_POLL_INTERVAL" default:"5m"`
	RequestTimeout     time.Duration `envconfig:"PROVIDER_REQUEST_TIMEOUT" default:"30s"`
	UserAgent          string        `envconfig:"PROVIDER_USER_AGENT" default:"AirSense-Poller/1.0"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)

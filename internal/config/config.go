// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keys are flat so every field maps to one BENCHRANK_ environment variable.
// - New returns the defaults; Load layers file and environment on top.
// - Durations are stored as integers with their unit in the key name.
package config

import (
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// Store selects the epoch store backend.
	Store string `koanf:"store" validate:"oneof=memory postgres"`
	// PostgresDSN is required when Store is postgres.
	PostgresDSN string `koanf:"postgres_dsn" validate:"required_if=Store postgres"`

	// RedisAddr enables the distributed run lock. Empty keeps the lock in process.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`

	// KafkaBrokers is a comma separated broker list. Empty disables epoch events.
	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic"`

	// KFactor and DefaultRating parameterize the ELO engine.
	KFactor       float64 `koanf:"k_factor" validate:"gt=0"`
	DefaultRating float64 `koanf:"default_rating"`
	// ModelCatalog is a comma separated list of known model slugs. Empty
	// accepts every model.
	ModelCatalog string `koanf:"model_catalog"`

	// Opinion source multipliers.
	ReviewWeight        float64 `koanf:"review_weight" validate:"gte=0"`
	QuickFeedbackWeight float64 `koanf:"quick_feedback_weight" validate:"gte=0"`
	CommentWeight       float64 `koanf:"comment_weight" validate:"gte=0"`

	NeutralTrust       float64 `koanf:"neutral_trust" validate:"gte=0,lte=1"`
	MinTrustWeight     float64 `koanf:"min_trust_weight" validate:"gte=0,lte=1"`
	AuthorWeight       float64 `koanf:"author_weight" validate:"gt=0"`
	CollaboratorWeight float64 `koanf:"collaborator_weight" validate:"gt=0"`

	MinBenchmarkPrompts int `koanf:"min_benchmark_prompts" validate:"gte=1"`
	MinReviewerVotes    int `koanf:"min_reviewer_votes" validate:"gte=1"`
	MinConsensusVoters  int `koanf:"min_consensus_voters" validate:"gte=1"`

	// MaxSkipRatio fails a run when more malformed signals than this share
	// were skipped.
	MaxSkipRatio float64 `koanf:"max_skip_ratio" validate:"gte=0,lte=1"`

	// Run lock timing.
	LockStaleAfterMS    int `koanf:"lock_stale_after_ms" validate:"gt=0"`
	HeartbeatIntervalMS int `koanf:"heartbeat_interval_ms" validate:"gte=0,ltfield=LockStaleAfterMS"`
	SupervisorInterval  int `koanf:"supervisor_interval_ms" validate:"gte=0"`

	// ScheduleIntervalS triggers computations periodically. Zero disables it.
	ScheduleIntervalS int `koanf:"schedule_interval_s" validate:"gte=0"`
	RunTimeoutS       int `koanf:"run_timeout_s" validate:"gte=0"`

	// Epoch retention.
	RetainSucceededEpochs int `koanf:"retain_succeeded_epochs" validate:"gte=1"`
	FailedRetentionH      int `koanf:"failed_retention_h" validate:"gte=0"`
	GCWorkers             int `koanf:"gc_workers" validate:"gte=1"`
	GCQueueSize           int `koanf:"gc_queue_size" validate:"gte=1"`

	// ProjectionRefreshMS reloads the published views from the store so
	// readers on other nodes follow publishes. Zero keeps the default.
	ProjectionRefreshMS int `koanf:"projection_refresh_ms" validate:"gte=0"`

	// MaxPageLimit caps GET /rankings/{kind}?limit.
	MaxPageLimit int `koanf:"max_page_limit" validate:"gte=1"`

	// TriggerRatePerSec and TriggerBurst limit POST /computations.
	TriggerRatePerSec float64 `koanf:"trigger_rate_per_sec" validate:"gt=0"`
	TriggerBurst      int     `koanf:"trigger_burst" validate:"gte=1"`

	// Tracing.
	ServiceName         string  `koanf:"service_name" validate:"required"`
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter" validate:"oneof=otlp-grpc otlp-http"`
	TracingEndpoint     string  `koanf:"tracing_endpoint" validate:"required_if=TracingEnabled true"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate" validate:"gte=0,lte=1"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		Store:                 "memory",
		KafkaTopic:            "benchrank.epochs",
		KFactor:               32,
		DefaultRating:         1500,
		ReviewWeight:          1.0,
		QuickFeedbackWeight:   0.5,
		CommentWeight:         0.25,
		NeutralTrust:          0.5,
		MinTrustWeight:        0.05,
		AuthorWeight:          1.0,
		CollaboratorWeight:    0.5,
		MinBenchmarkPrompts:   3,
		MinReviewerVotes:      3,
		MinConsensusVoters:    2,
		MaxSkipRatio:          0.05,
		LockStaleAfterMS:      30_000,
		SupervisorInterval:    10_000,
		ScheduleIntervalS:     0,
		RunTimeoutS:           600,
		RetainSucceededEpochs: 5,
		FailedRetentionH:      24,
		GCWorkers:             1,
		GCQueueSize:           256,
		ProjectionRefreshMS:   5_000,
		MaxPageLimit:          1000,
		TriggerRatePerSec:     1,
		TriggerBurst:          3,
		ServiceName:           "benchrank",
		TracingExporter:       "otlp-grpc",
		TracingSamplingRate:   1,
		TracingInsecure:       true,
	}
}

// LockStaleAfter returns how long a silent lock holder is trusted.
func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleAfterMS) * time.Millisecond
}

// HeartbeatInterval returns the lock refresh period; zero means derived from
// LockStaleAfter.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// SupervisorEvery returns the stale lock check period.
func (c *Config) SupervisorEvery() time.Duration {
	return time.Duration(c.SupervisorInterval) * time.Millisecond
}

// ScheduleInterval returns the periodic trigger interval.
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalS) * time.Second
}

// RunTimeout bounds one scheduled run.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutS) * time.Second
}

// FailedRetention returns how long FAILED epochs are kept.
func (c *Config) FailedRetention() time.Duration {
	return time.Duration(c.FailedRetentionH) * time.Hour
}

// ProjectionRefresh returns the read model reload period.
func (c *Config) ProjectionRefresh() time.Duration {
	return time.Duration(c.ProjectionRefreshMS) * time.Millisecond
}

// Catalog splits ModelCatalog into slugs.
func (c *Config) Catalog() []string {
	return splitList(c.ModelCatalog)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config defines the global configuration structure for the Occasio
// scheduling core. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to
// exit immediately on startup (fail fast).
package config

import "time"

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"occasio"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Domain Configurations
	Database DatabaseConfig
	AWS      AWSConfig
	Notifier NotifierConfig
	Worker   WorkerConfig
	Jobs     JobsConfig
	Trigger  TriggerConfig
	Ops      OpsConfig
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	ConnectTimeout    time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DeliveryQueue is the SQS queue carrying DeliveryMessages from the
	// dispatcher to the worker pool. Its redrive policy routes messages that
	// exceed the receive-count limit to a dead-letter queue.
	DeliveryQueue string `envconfig:"SQS_DELIVERIES" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// NotifierConfig holds the downstream notification service endpoint and the
// circuit breaker settings guarding it.
type NotifierConfig struct {
	BaseURL string        `envconfig:"NOTIFY_BASE_URL" validate:"required,url"`
	Timeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`

	// Circuit breaker tuning. BreakerHalfOpenMax bounds the concurrent
	// trial calls in half-open state; under gobreaker semantics it is also
	// the number of consecutive successes required to close the breaker.
	BreakerFailureThreshold int           `envconfig:"NOTIFY_BREAKER_FAILURES" default:"5"`
	BreakerResetTimeout     time.Duration `envconfig:"NOTIFY_BREAKER_RESET" default:"30s"`
	BreakerHalfOpenMax      int           `envconfig:"NOTIFY_BREAKER_HALF_OPEN_MAX" default:"1"`
}

// WorkerConfig holds worker pool and retry policy tuning.
type WorkerConfig struct {
	// Prefetch is the maximum number of unacknowledged messages a worker
	// process holds concurrently (backpressure against the notify service
	// and the store).
	Prefetch int `envconfig:"WORKER_PREFETCH" default:"10"`

	// WaitTime is the SQS long-poll duration per receive call.
	WaitTime time.Duration `envconfig:"WORKER_WAIT_TIME" default:"20s"`

	// Retry policy: delay = min(BackoffBase * 2^attempt, BackoffMax),
	// widened by +/- JitterFraction.
	MaxAttempts    int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"5"`
	BackoffBase    time.Duration `envconfig:"WORKER_BACKOFF_BASE" default:"5s"`
	BackoffMax     time.Duration `envconfig:"WORKER_BACKOFF_MAX" default:"15m"`
	JitterFraction float64       `envconfig:"WORKER_BACKOFF_JITTER" default:"0.2"`
}

// JobsConfig holds the schedules and windows for the periodic jobs.
// Cron expressions use the standard 5-field format.
type JobsConfig struct {
	PrecomputeSchedule string `envconfig:"JOBS_PRECOMPUTE_CRON" default:"0 0 * * *"`
	DispatchSchedule   string `envconfig:"JOBS_DISPATCH_CRON" default:"* * * * *"`
	RecoverySchedule   string `envconfig:"JOBS_RECOVERY_CRON" default:"*/10 * * * *"`

	// RunTimeout time-boxes a single job run. Runs are safe to abandon
	// mid-way because every mutation is idempotent or conditional.
	RunTimeout time.Duration `envconfig:"JOBS_RUN_TIMEOUT" default:"10m"`

	// Dispatcher tuning.
	DispatchLookahead time.Duration `envconfig:"JOBS_DISPATCH_LOOKAHEAD" default:"1m"`
	DispatchBatchSize int           `envconfig:"JOBS_DISPATCH_BATCH" default:"200"`

	// Recovery tuning. Records stuck in QUEUED longer than StuckThreshold
	// are re-driven; records still SCHEDULED MissedThreshold past their send
	// instant are reported; past LateCutoff they are dead-lettered instead
	// of sent absurdly late.
	StuckThreshold    time.Duration `envconfig:"JOBS_STUCK_THRESHOLD" default:"30m"`
	MissedThreshold   time.Duration `envconfig:"JOBS_MISSED_THRESHOLD" default:"10m"`
	LateCutoff        time.Duration `envconfig:"JOBS_LATE_CUTOFF" default:"48h"`
	RecoveryBatchSize int           `envconfig:"JOBS_RECOVERY_BATCH" default:"200"`
}

// TriggerConfig holds trigger evaluation policy.
type TriggerConfig struct {
	// SendHour/SendMinute is the target local time-of-day for sends.
	SendHour   int `envconfig:"TRIGGER_SEND_HOUR" default:"9" validate:"min=0,max=23"`
	SendMinute int `envconfig:"TRIGGER_SEND_MINUTE" default:"0" validate:"min=0,max=59"`

	// LeapDayFallback decides how a Feb 29 trigger date is honored in a
	// non-leap year: on Feb 28 or on Mar 1. A business decision, so it is
	// configuration rather than code.
	LeapDayFallback string `envconfig:"TRIGGER_LEAP_DAY_FALLBACK" default:"feb28" validate:"oneof=feb28 mar01"`
}

// OpsConfig holds the operational HTTP listener settings (health probes).
type OpsConfig struct {
	Port string `envconfig:"OPS_PORT" default:"8081"`
}

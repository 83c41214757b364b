// Package config loads and defaults the full ingestion and session
// subsystem configuration surface from a YAML file layered over each
// component's own defaults.
package config

import (
	"os"
	"time"

	"github.com/cuemby/repograph/pkg/batch"
	"github.com/cuemby/repograph/pkg/checkpoint"
	"github.com/cuemby/repograph/pkg/kgerrors"
	"github.com/cuemby/repograph/pkg/queue"
	"github.com/cuemby/repograph/pkg/resilience"
	"github.com/cuemby/repograph/pkg/rollback"
	"github.com/cuemby/repograph/pkg/session"
	"github.com/cuemby/repograph/pkg/types"
	"github.com/cuemby/repograph/pkg/workerpool"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Queue           QueueConfig           `yaml:"queue"`
	Workers         WorkerConfig          `yaml:"workers"`
	Errors          ErrorsConfig          `yaml:"errors"`
	Batch           BatchConfig           `yaml:"batch"`
	Sessions        SessionsConfig        `yaml:"sessions"`
	CheckpointJob   CheckpointConfig      `yaml:"checkpointJob"`
	Rollback        RollbackConfig        `yaml:"rollback"`
	ShutdownTimeout time.Duration         `yaml:"shutdownTimeout"`
	MetricsAddr     string                `yaml:"metricsAddr"`
	LogLevel        string                `yaml:"logLevel"`
}

// QueueConfig mirrors queue.Config's YAML surface.
type QueueConfig struct {
	Partitions            int    `yaml:"partitions"`
	EnableBackpressure    bool   `yaml:"enableBackpressure"`
	BackpressureThreshold int    `yaml:"backpressureThreshold"`
	PartitionStrategy     string `yaml:"partitionStrategy"`
	MetricsIntervalMs     int    `yaml:"metricsIntervalMs"`
	BaseDelayMs           int    `yaml:"baseDelayMs"`
	MaxDelayMs            int    `yaml:"maxDelayMs"`
	BackoffMultiplier     float64 `yaml:"backoffMultiplier"`
	JitterFactor          float64 `yaml:"jitterFactor"`
}

// WorkerConfig mirrors workerpool.Config's YAML surface.
type WorkerConfig struct {
	MinWorkers            int      `yaml:"minWorkers"`
	MaxWorkers            int      `yaml:"maxWorkers"`
	WorkerTypes           []string `yaml:"workerTypes"`
	WorkerTimeoutMs       int     `yaml:"workerTimeoutMs"`
	HealthCheckIntervalMs int     `yaml:"healthCheckIntervalMs"`
	RestartThreshold      int     `yaml:"restartThreshold"`
	AutoScale             bool    `yaml:"autoScale"`
	ScaleUpThreshold      float64 `yaml:"scaleUpThreshold"`
	ScaleDownThreshold    float64 `yaml:"scaleDownThreshold"`
	CooldownMs            int     `yaml:"cooldownMs"`
	ShutdownGraceMs       int     `yaml:"shutdownGraceMs"`
}

// ErrorsConfig groups retry, circuit breaker, DLQ, and reporting options.
type ErrorsConfig struct {
	Retry struct {
		MaxAttempts       int      `yaml:"maxAttempts"`
		BaseDelayMs       int      `yaml:"baseDelayMs"`
		MaxDelayMs        int      `yaml:"maxDelayMs"`
		BackoffMultiplier float64  `yaml:"backoffMultiplier"`
		JitterFactor      float64  `yaml:"jitterFactor"`
		RetryableErrors   []string `yaml:"retryableErrors"`
	} `yaml:"retry"`
	CircuitBreaker struct {
		FailureThreshold int `yaml:"failureThreshold"`
		ResetTimeoutMs   int `yaml:"resetTimeoutMs"`
		MonitoringWindowMs int `yaml:"monitoringWindowMs"`
	} `yaml:"circuitBreaker"`
	DeadLetterQueue struct {
		Enabled         bool `yaml:"enabled"`
		MaxSize         int  `yaml:"maxSize"`
		RetentionTimeMs int  `yaml:"retentionTimeMs"`
	} `yaml:"deadLetterQueue"`
	ErrorReporting struct {
		Enabled            bool    `yaml:"enabled"`
		SampleRate         float64 `yaml:"sampleRate"`
		MaxErrorsPerMinute int     `yaml:"maxErrorsPerMinute"`
	} `yaml:"errorReporting"`
}

// BatchConfig mirrors batch.Config's YAML surface.
type BatchConfig struct {
	EntityBatchSize       int `yaml:"entityBatchSize"`
	RelationshipBatchSize int `yaml:"relationshipBatchSize"`
	EmbeddingBatchSize    int `yaml:"embeddingBatchSize"`
	TimeoutMs             int `yaml:"timeoutMs"`
	MaxConcurrentBatches  int `yaml:"maxConcurrentBatches"`
	EnableDAG             bool `yaml:"enableDAG"`
	Streaming struct {
		BatchSize           int `yaml:"batchSize"`
		MaxConcurrentWrites int `yaml:"maxConcurrentWrites"`
		IdempotencyKeyTTLMs int `yaml:"idempotencyKeyTTLMs"`
	} `yaml:"streaming"`
}

// SessionsConfig mirrors session.Config's YAML surface.
type SessionsConfig struct {
	DefaultTTLSeconds     int  `yaml:"defaultTTLSeconds"`
	CheckpointInterval    int  `yaml:"checkpointInterval"`
	MaxEventsPerSession   int  `yaml:"maxEventsPerSession"`
	GraceTTLSeconds       int  `yaml:"graceTTLSeconds"`
	EnableFailureSnapshots bool `yaml:"enableFailureSnapshots"`
}

// CheckpointConfig mirrors checkpoint.Config's YAML surface.
type CheckpointConfig struct {
	Concurrency  int `yaml:"concurrency"`
	RetryDelayMs int `yaml:"retryDelayMs"`
	MaxAttempts  int `yaml:"maxAttempts"`
	DBPath       string `yaml:"dbPath"`
}

// RollbackConfig mirrors rollback.Config's YAML surface.
type RollbackConfig struct {
	MaxRollbackPoints    int  `yaml:"maxRollbackPoints"`
	DefaultTTLSeconds    int  `yaml:"defaultTTLSeconds"`
	EnablePersistence    bool `yaml:"enablePersistence"`
	RequireDatabaseReady bool `yaml:"requireDatabaseReady"`
	DBPath               string `yaml:"dbPath"`
}

// Default returns a fully-populated Config with every component's defaults.
func Default() *Config {
	qd := queue.DefaultConfig()
	wd := workerpool.DefaultConfig()
	rd := resilience.DefaultHandlerConfig()
	bd := batch.DefaultConfig()
	sd := session.DefaultConfig()
	cd := checkpoint.DefaultConfig()
	rbd := rollback.DefaultConfig()

	cfg := &Config{
		Queue: QueueConfig{
			Partitions: qd.Partitions, EnableBackpressure: qd.EnableBackpressure,
			BackpressureThreshold: qd.BackpressureThreshold, PartitionStrategy: string(qd.PartitionStrategy),
			MetricsIntervalMs: int(qd.MetricsInterval.Milliseconds()), BaseDelayMs: int(qd.BaseDelay.Milliseconds()),
			MaxDelayMs: int(qd.MaxDelay.Milliseconds()), BackoffMultiplier: qd.BackoffMultiplier, JitterFactor: qd.JitterFactor,
		},
		Workers: WorkerConfig{
			MinWorkers: wd.MinWorkers, MaxWorkers: wd.MaxWorkers,
			WorkerTimeoutMs: int(wd.WorkerTimeout.Milliseconds()), HealthCheckIntervalMs: int(wd.HealthCheckInterval.Milliseconds()),
			RestartThreshold: wd.RestartThreshold, AutoScale: wd.AutoScale,
			ScaleUpThreshold: wd.ScalingRules.ScaleUpThreshold, ScaleDownThreshold: wd.ScalingRules.ScaleDownThreshold,
			CooldownMs: int(wd.ScalingRules.Cooldown.Milliseconds()), ShutdownGraceMs: int(wd.ShutdownGrace.Milliseconds()),
		},
		Batch: BatchConfig{
			EntityBatchSize: bd.EntityBatchSize, RelationshipBatchSize: bd.RelationshipBatchSize,
			EmbeddingBatchSize: bd.EmbeddingBatchSize, TimeoutMs: int(bd.Timeout.Milliseconds()),
			MaxConcurrentBatches: bd.MaxConcurrentBatches, EnableDAG: bd.EnableDAG,
		},
		Sessions: SessionsConfig{
			DefaultTTLSeconds: int(sd.DefaultTTL.Seconds()), CheckpointInterval: sd.CheckpointInterval,
			MaxEventsPerSession: sd.MaxEventsPerSession, GraceTTLSeconds: int(sd.GraceTTL.Seconds()),
		},
		CheckpointJob: CheckpointConfig{
			Concurrency: cd.Concurrency, RetryDelayMs: int(cd.RetryDelay.Milliseconds()), MaxAttempts: cd.MaxAttempts,
			DBPath: "./data/checkpoint.db",
		},
		Rollback: RollbackConfig{
			MaxRollbackPoints: rbd.MaxRollbackPoints, DefaultTTLSeconds: int(rbd.DefaultTTL.Seconds()),
			EnablePersistence: rbd.EnablePersistence, DBPath: "./data/rollback.db",
		},
		ShutdownTimeout: 30 * time.Second,
		MetricsAddr:     ":9090",
		LogLevel:        "info",
	}
	cfg.Batch.Streaming.BatchSize = bd.EntityBatchSize
	cfg.Batch.Streaming.MaxConcurrentWrites = bd.MaxConcurrentWrites
	cfg.Batch.Streaming.IdempotencyKeyTTLMs = int(bd.IdempotencyKeyTTL.Milliseconds())

	cfg.Errors.Retry.MaxAttempts = rd.Retry.MaxAttempts
	cfg.Errors.Retry.BaseDelayMs = int(rd.Retry.BaseDelay.Milliseconds())
	cfg.Errors.Retry.MaxDelayMs = int(rd.Retry.MaxDelay.Milliseconds())
	cfg.Errors.Retry.BackoffMultiplier = rd.Retry.BackoffMultiplier
	cfg.Errors.Retry.JitterFactor = rd.Retry.JitterFactor
	cfg.Errors.CircuitBreaker.FailureThreshold = rd.CircuitBreaker.FailureThreshold
	cfg.Errors.CircuitBreaker.ResetTimeoutMs = int(rd.CircuitBreaker.ResetTimeout.Milliseconds())
	cfg.Errors.CircuitBreaker.MonitoringWindowMs = int(rd.CircuitBreaker.MonitoringWindow.Milliseconds())
	cfg.Errors.DeadLetterQueue.Enabled = true
	cfg.Errors.DeadLetterQueue.MaxSize = rd.DeadLetter.MaxSize
	cfg.Errors.DeadLetterQueue.RetentionTimeMs = int(rd.DeadLetter.RetentionTime.Milliseconds())
	cfg.Errors.ErrorReporting.Enabled = true
	cfg.Errors.ErrorReporting.SampleRate = rd.SampleRate
	cfg.Errors.ErrorReporting.MaxErrorsPerMinute = rd.MaxErrorsPerMinute

	return cfg
}

// Load reads and parses a YAML config file, applying Default() for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// QueueManagerConfig converts QueueConfig to queue.Config.
func (c *Config) QueueManagerConfig() queue.Config {
	return queue.Config{
		Partitions:            c.Queue.Partitions,
		EnableBackpressure:    c.Queue.EnableBackpressure,
		BackpressureThreshold: c.Queue.BackpressureThreshold,
		PartitionStrategy:     queue.PartitionStrategy(c.Queue.PartitionStrategy),
		MetricsInterval:       time.Duration(c.Queue.MetricsIntervalMs) * time.Millisecond,
		BaseDelay:             time.Duration(c.Queue.BaseDelayMs) * time.Millisecond,
		MaxDelay:              time.Duration(c.Queue.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier:     c.Queue.BackoffMultiplier,
		JitterFactor:          c.Queue.JitterFactor,
	}
}

// WorkerPoolConfig converts WorkerConfig to workerpool.Config.
func (c *Config) WorkerPoolConfig() workerpool.Config {
	workerTypes := make([]types.TaskType, 0, len(c.Workers.WorkerTypes))
	for _, t := range c.Workers.WorkerTypes {
		workerTypes = append(workerTypes, types.TaskType(t))
	}
	return workerpool.Config{
		MinWorkers:          c.Workers.MinWorkers,
		MaxWorkers:          c.Workers.MaxWorkers,
		WorkerTypes:         workerTypes,
		WorkerTimeout:       time.Duration(c.Workers.WorkerTimeoutMs) * time.Millisecond,
		HealthCheckInterval: time.Duration(c.Workers.HealthCheckIntervalMs) * time.Millisecond,
		RestartThreshold:    c.Workers.RestartThreshold,
		AutoScale:           c.Workers.AutoScale,
		ScalingRules: workerpool.ScalingRule{
			ScaleUpThreshold:   c.Workers.ScaleUpThreshold,
			ScaleDownThreshold: c.Workers.ScaleDownThreshold,
			Cooldown:           time.Duration(c.Workers.CooldownMs) * time.Millisecond,
		},
		ShutdownGrace: time.Duration(c.Workers.ShutdownGraceMs) * time.Millisecond,
	}
}

// HandlerConfig converts ErrorsConfig to resilience.HandlerConfig.
func (c *Config) HandlerConfig() resilience.HandlerConfig {
	retryable := make([]kgerrors.Code, 0, len(c.Errors.Retry.RetryableErrors))
	for _, code := range c.Errors.Retry.RetryableErrors {
		retryable = append(retryable, kgerrors.Code(code))
	}
	return resilience.HandlerConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:       c.Errors.Retry.MaxAttempts,
			BaseDelay:         time.Duration(c.Errors.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:          time.Duration(c.Errors.Retry.MaxDelayMs) * time.Millisecond,
			BackoffMultiplier: c.Errors.Retry.BackoffMultiplier,
			JitterFactor:      c.Errors.Retry.JitterFactor,
			RetryableErrors:   retryable,
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: c.Errors.CircuitBreaker.FailureThreshold,
			ResetTimeout:     time.Duration(c.Errors.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
			MonitoringWindow: time.Duration(c.Errors.CircuitBreaker.MonitoringWindowMs) * time.Millisecond,
		},
		DeadLetter: resilience.DeadLetterConfig{
			MaxSize:       c.Errors.DeadLetterQueue.MaxSize,
			RetentionTime: time.Duration(c.Errors.DeadLetterQueue.RetentionTimeMs) * time.Millisecond,
		},
		SampleRate:         c.Errors.ErrorReporting.SampleRate,
		MaxErrorsPerMinute: c.Errors.ErrorReporting.MaxErrorsPerMinute,
	}
}

// BatchProcessorConfig converts BatchConfig to batch.Config.
func (c *Config) BatchProcessorConfig() batch.Config {
	return batch.Config{
		EntityBatchSize:       c.Batch.EntityBatchSize,
		RelationshipBatchSize: c.Batch.RelationshipBatchSize,
		EmbeddingBatchSize:    c.Batch.EmbeddingBatchSize,
		Timeout:               time.Duration(c.Batch.TimeoutMs) * time.Millisecond,
		MaxConcurrentBatches:  c.Batch.MaxConcurrentBatches,
		EnableDAG:             c.Batch.EnableDAG,
		MaxConcurrentWrites:   c.Batch.Streaming.MaxConcurrentWrites,
		IdempotencyKeyTTL:     time.Duration(c.Batch.Streaming.IdempotencyKeyTTLMs) * time.Millisecond,
	}
}

// SessionManagerConfig converts SessionsConfig to session.Config.
func (c *Config) SessionManagerConfig() session.Config {
	return session.Config{
		DefaultTTL:         time.Duration(c.Sessions.DefaultTTLSeconds) * time.Second,
		CheckpointInterval: c.Sessions.CheckpointInterval,
		MaxEventsPerSession: c.Sessions.MaxEventsPerSession,
		GraceTTL:           time.Duration(c.Sessions.GraceTTLSeconds) * time.Second,
	}
}

// CheckpointRunnerConfig converts CheckpointConfig to checkpoint.Config.
func (c *Config) CheckpointRunnerConfig() checkpoint.Config {
	return checkpoint.Config{
		Concurrency:  c.CheckpointJob.Concurrency,
		RetryDelay:   time.Duration(c.CheckpointJob.RetryDelayMs) * time.Millisecond,
		MaxAttempts:  c.CheckpointJob.MaxAttempts,
	}
}

// RollbackManagerConfig converts RollbackConfig to rollback.Config.
func (c *Config) RollbackManagerConfig() rollback.Config {
	return rollback.Config{
		MaxRollbackPoints:    c.Rollback.MaxRollbackPoints,
		DefaultTTL:           time.Duration(c.Rollback.DefaultTTLSeconds) * time.Second,
		EnablePersistence:    c.Rollback.EnablePersistence,
		RequireDatabaseReady: c.Rollback.RequireDatabaseReady,
	}
}

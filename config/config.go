package config

import (
	"fmt"
	"strings"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/collab"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/workflow"
)

// Config is the full conductor configuration.
type Config struct {
	// Store selects and configures the durable state backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Queue configures the bounded execution queue.
	Queue process.Config `yaml:"queue" env:"QUEUE"`

	// Engine configures the workflow engine.
	Engine workflow.EngineConfig `yaml:"engine" env:"ENGINE"`

	// Breaker is the default per-service circuit breaker configuration.
	Breaker breaker.Config `yaml:"breaker" env:"BREAKER"`

	// Critique configures the self-critique protocol defaults.
	Critique collab.CritiqueConfig `yaml:"critique" env:"CRITIQUE"`

	// Discussion configures the discussion protocol defaults.
	Discussion collab.DiscussionConfig `yaml:"discussion" env:"DISCUSSION"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis applies when Backend is "redis".
	Redis store.RedisConfig `yaml:"redis" env:"REDIS"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap output sinks.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "memory",
			Redis:   store.DefaultRedisConfig(),
		},
		Queue:      process.DefaultConfig(),
		Engine:     workflow.DefaultEngineConfig(),
		Breaker:    breaker.DefaultConfig(),
		Critique:   collab.DefaultCritiqueConfig(),
		Discussion: collab.DefaultDiscussionConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// Validate checks cross-field constraints the component packages cannot.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.Queue.MaxConcurrent < 1 {
		errs = append(errs, "queue max_concurrent must be positive")
	}
	if c.Queue.MaxQueueSize < 0 {
		errs = append(errs, "queue max_queue_size must not be negative")
	}
	if c.Engine.MaxParallelSteps < 1 {
		errs = append(errs, "engine max_parallel_steps must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker failure_threshold must be positive")
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "breaker success_threshold must be positive")
	}
	if c.Critique.QualityThreshold < 0 || c.Critique.QualityThreshold > 1 {
		errs = append(errs, "critique quality_threshold must be between 0 and 1")
	}
	if c.Discussion.ConvergenceThreshold < 0 || c.Discussion.ConvergenceThreshold > 1 {
		errs = append(errs, "discussion convergence_threshold must be between 0 and 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

package graph

import (
	"fmt"
	"time"
)

// CheckpointVersion is the schema tag written into every checkpoint. Resume
// refuses a checkpoint carrying a different tag.
const CheckpointVersion = "neuroflow/v1"

// Options configures engine execution.
type Options struct {
	// MaxSteps caps stage invocations per run, including branch stages.
	// 0 disables the cap; guarded cycles terminate on their own.
	MaxSteps int

	// DefaultNodeTimeout applies to every stage without its own timeout.
	// A stage exceeding it fails with a NODE_TIMEOUT StageExecutionError.
	DefaultNodeTimeout time.Duration

	// StageTimeouts overrides DefaultNodeTimeout per stage name.
	StageTimeouts map[string]time.Duration

	// CheckpointVersion overrides the schema tag written into checkpoints.
	CheckpointVersion string

	// Metrics receives execution metrics when non-nil.
	Metrics *PrometheusMetrics

	// Clock stamps checkpoints. Defaults to time.Now.
	Clock func() time.Time
}

// Option is a functional option for configuring an Engine.
//
//	engine := graph.New(reducer, st, emitter,
//	    graph.WithMaxSteps(64),
//	    graph.WithDefaultNodeTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithMaxSteps limits the number of stage invocations in a single run.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("max steps must be >= 0, got %d", n)
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the timeout for stages without an override.
// A timeout is treated as a stage failure, never as a silent continue.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return fmt.Errorf("default node timeout must be >= 0, got %v", d)
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithStageTimeout sets the timeout for a single stage.
func WithStageTimeout(stage string, d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return fmt.Errorf("timeout for %s must be >= 0, got %v", stage, d)
		}
		if cfg.opts.StageTimeouts == nil {
			cfg.opts.StageTimeouts = make(map[string]time.Duration)
		}
		cfg.opts.StageTimeouts[stage] = d
		return nil
	}
}

// WithCheckpointVersion overrides the schema tag stamped on checkpoints.
func WithCheckpointVersion(tag string) Option {
	return func(cfg *engineConfig) error {
		if tag == "" {
			return fmt.Errorf("checkpoint version cannot be empty")
		}
		cfg.opts.CheckpointVersion = tag
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithClock replaces time.Now for checkpoint timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *engineConfig) error {
		if clock == nil {
			return fmt.Errorf("clock cannot be nil")
		}
		cfg.opts.Clock = clock
		return nil
	}
}

// Package config holds the neuroflow runtime configuration.
//
// Values are resolved in three layers: Default, then a YAML file, then
// NEUROFLOW_* environment variables.
//
//	cfg, err := config.Load("neuroflow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete neuroflow configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine" env:"ENGINE"`
	Routing    RoutingConfig    `yaml:"routing" env:"ROUTING"`
	Quality    QualityConfig    `yaml:"quality" env:"QUALITY"`
	Approval   ApprovalConfig   `yaml:"approval" env:"APPROVAL"`
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Journal    JournalConfig    `yaml:"journal" env:"JOURNAL"`
	Recall     RecallConfig     `yaml:"recall" env:"RECALL"`
	Economy    EconomyConfig    `yaml:"economy" env:"ECONOMY"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
	Tracing    TracingConfig    `yaml:"tracing" env:"TRACING"`
}

// EngineConfig bounds a single turn.
type EngineConfig struct {
	// MaxSteps caps stage invocations per turn. 0 disables the cap.
	MaxSteps int `yaml:"max_steps" env:"MAX_STEPS"`
	// StageTimeout applies to every stage. 0 disables it.
	StageTimeout time.Duration `yaml:"stage_timeout" env:"STAGE_TIMEOUT"`
	// CheckpointVersion tags paused sessions; a mismatch refuses resume.
	CheckpointVersion string `yaml:"checkpoint_version" env:"CHECKPOINT_VERSION"`
}

// RoutingConfig holds the severity thresholds of the escalation loop.
type RoutingConfig struct {
	EscalateAbove     float64 `yaml:"escalate_above" env:"ESCALATE_ABOVE"`
	AnalyzeAbove      float64 `yaml:"analyze_above" env:"ANALYZE_ABOVE"`
	EscalationCeiling int     `yaml:"escalation_ceiling" env:"ESCALATION_CEILING"`
	// InferredConfidence stands in when a pattern is named with zero
	// confidence.
	InferredConfidence float64 `yaml:"inferred_confidence" env:"INFERRED_CONFIDENCE"`
}

// QualityConfig drives response scoring and the retry loop.
type QualityConfig struct {
	Threshold      float64  `yaml:"threshold" env:"THRESHOLD"`
	RetryCeiling   int      `yaml:"retry_ceiling" env:"RETRY_CEILING"`
	MinLength      int      `yaml:"min_length" env:"MIN_LENGTH"`
	FailureMarkers []string `yaml:"failure_markers" env:"FAILURE_MARKERS"`
	ActionMarkers  []string `yaml:"action_markers" env:"ACTION_MARKERS"`
}

// Approval policies.
const (
	ApprovalAlways  = "always"
	ApprovalComplex = "complex"
)

// ApprovalConfig decides when a plan pauses for a human.
type ApprovalConfig struct {
	// Policy is "always" or "complex".
	Policy     string `yaml:"policy" env:"POLICY"`
	MaxSteps   int    `yaml:"max_steps" env:"MAX_STEPS"`
	MaxMinutes int    `yaml:"max_minutes" env:"MAX_MINUTES"`
	// Timeout discards a pending approval older than this. 0 disables it.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// GenerationConfig selects the text-generation provider.
type GenerationConfig struct {
	// Provider is google, anthropic, openai or mock.
	Provider  string        `yaml:"provider" env:"PROVIDER"`
	Model     string        `yaml:"model" env:"MODEL"`
	APIKeyEnv string        `yaml:"api_key_env" env:"API_KEY_ENV"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxTokens int           `yaml:"max_tokens" env:"MAX_TOKENS"`
}

// CheckpointConfig selects where step history and paused sessions live.
type CheckpointConfig struct {
	// Driver is memory, sqlite, mysql or redis.
	Driver    string        `yaml:"driver" env:"DRIVER"`
	DSN       string        `yaml:"dsn" env:"DSN"`
	RedisAddr string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// JournalConfig selects the metrics journal backend.
type JournalConfig struct {
	// Driver is memory, sqlite or mysql.
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// RecallConfig configures the similarity index.
type RecallConfig struct {
	// Embedder is hash or openai.
	Embedder   string `yaml:"embedder" env:"EMBEDDER"`
	Dimensions int    `yaml:"dimensions" env:"DIMENSIONS"`
	Model      string `yaml:"model" env:"MODEL"`
	TopK       int    `yaml:"top_k" env:"TOP_K"`
}

// EconomyConfig is the motivation budget.
type EconomyConfig struct {
	StartingBalance int            `yaml:"starting_balance" env:"STARTING_BALANCE"`
	Points          map[string]int `yaml:"points"`
	HistoryLimit    int            `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is console or json.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables it.
	Addr string `yaml:"addr" env:"ADDR"`
}

// TracingConfig selects where workflow spans are exported.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string `yaml:"exporter" env:"EXPORTER"`
	// File receives stdout spans; empty means stderr, keeping the chat readable.
	File string `yaml:"file" env:"FILE"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint   string  `yaml:"endpoint" env:"ENDPOINT"`
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Economy event names.
const (
	EventTaskStarted        = "task_started"
	EventTaskCompleted      = "task_completed"
	EventSmallMilestone     = "small_milestone"
	EventBreakBeforeCrash   = "took_break_before_crash"
	EventPatternInterrupted = "pattern_interrupted"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxSteps:          64,
			StageTimeout:      45 * time.Second,
			CheckpointVersion: "neuroflow/v1",
		},
		Routing: RoutingConfig{
			EscalateAbove:      0.7,
			AnalyzeAbove:       0.3,
			EscalationCeiling:  2,
			InferredConfidence: 0.6,
		},
		Quality: QualityConfig{
			Threshold:      0.5,
			RetryCeiling:   1,
			MinLength:      30,
			FailureMarkers: []string{"i'm having trouble", "something went wrong", "please try again", "error"},
			ActionMarkers:  []string{"step", "start", "first", "next", "minute", "timer", "try"},
		},
		Approval: ApprovalConfig{
			Policy:     ApprovalAlways,
			MaxSteps:   5,
			MaxMinutes: 60,
		},
		Generation: GenerationConfig{
			Provider:  "google",
			APIKeyEnv: "GOOGLE_API_KEY",
			Timeout:   30 * time.Second,
			MaxTokens: 1024,
		},
		Checkpoint: CheckpointConfig{
			Driver:    "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "neuroflow",
			TTL:       24 * time.Hour,
		},
		Journal: JournalConfig{
			Driver: "memory",
		},
		Recall: RecallConfig{
			Embedder:   "hash",
			Dimensions: 256,
			Model:      "text-embedding-3-small",
			TopK:       3,
		},
		Economy: EconomyConfig{
			StartingBalance: 100,
			Points: map[string]int{
				EventTaskStarted:        15,
				EventTaskCompleted:      10,
				EventSmallMilestone:     5,
				EventBreakBeforeCrash:   8,
				EventPatternInterrupted: 12,
			},
			HistoryLimit: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			Endpoint:   "localhost:4317",
			SampleRate: 1,
		},
	}
}

// Validate reports every inconsistent value at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Engine.MaxSteps < 0 {
		bad("engine.max_steps must be >= 0")
	}
	if c.Engine.StageTimeout < 0 {
		bad("engine.stage_timeout must be >= 0")
	}
	if c.Engine.CheckpointVersion == "" {
		bad("engine.checkpoint_version is required")
	}

	r := c.Routing
	if !unit(r.EscalateAbove) || !unit(r.AnalyzeAbove) || !unit(r.InferredConfidence) {
		bad("routing thresholds must be within [0, 1]")
	}
	if r.AnalyzeAbove > r.EscalateAbove {
		bad("routing.analyze_above (%.2f) exceeds escalate_above (%.2f)", r.AnalyzeAbove, r.EscalateAbove)
	}
	if r.EscalationCeiling < 0 {
		bad("routing.escalation_ceiling must be >= 0")
	}

	q := c.Quality
	if !unit(q.Threshold) {
		bad("quality.threshold must be within [0, 1]")
	}
	if q.RetryCeiling < 0 {
		bad("quality.retry_ceiling must be >= 0")
	}
	if q.MinLength < 0 {
		bad("quality.min_length must be >= 0")
	}

	switch c.Approval.Policy {
	case ApprovalAlways, ApprovalComplex:
	default:
		bad("approval.policy %q is not one of always, complex", c.Approval.Policy)
	}
	if c.Approval.Timeout < 0 {
		bad("approval.timeout must be >= 0")
	}

	if !oneOf(c.Generation.Provider, "google", "anthropic", "openai", "mock") {
		bad("generation.provider %q is not supported", c.Generation.Provider)
	}
	if c.Generation.Timeout < 0 {
		bad("generation.timeout must be >= 0")
	}

	switch c.Checkpoint.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Checkpoint.DSN == "" {
			bad("checkpoint.dsn is required for driver %s", c.Checkpoint.Driver)
		}
	case "redis":
		if c.Checkpoint.RedisAddr == "" {
			bad("checkpoint.redis_addr is required for driver redis")
		}
	default:
		bad("checkpoint.driver %q is not supported", c.Checkpoint.Driver)
	}

	switch c.Journal.Driver {
	case "memory":
	case "sqlite", "mysql":
		if c.Journal.DSN == "" {
			bad("journal.dsn is required for driver %s", c.Journal.Driver)
		}
	default:
		bad("journal.driver %q is not supported", c.Journal.Driver)
	}

	if !oneOf(c.Recall.Embedder, "hash", "openai") {
		bad("recall.embedder %q is not supported", c.Recall.Embedder)
	}
	if c.Recall.Embedder == "hash" && c.Recall.Dimensions <= 0 {
		bad("recall.dimensions must be > 0")
	}
	if c.Recall.TopK < 0 {
		bad("recall.top_k must be >= 0")
	}

	if c.Economy.StartingBalance < 0 || c.Economy.StartingBalance > 100 {
		bad("economy.starting_balance must be within [0, 100]")
	}
	if c.Economy.HistoryLimit <= 0 {
		bad("economy.history_limit must be > 0")
	}

	if !oneOf(strings.ToLower(c.Log.Level), "debug", "info", "warn", "error") {
		bad("log.level %q is not supported", c.Log.Level)
	}
	if !oneOf(c.Log.Format, "console", "json") {
		bad("log.format %q is not supported", c.Log.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			bad("tracing.endpoint is required for exporter otlp")
		}
	default:
		bad("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter)
	}
	if !unit(c.Tracing.SampleRate) {
		bad("tracing.sample_rate must be within [0, 1]")
	}

	return errors.Join(errs...)
}

// NeedsApproval reports whether a plan of the given size pauses for review
// under the configured policy.
func (a ApprovalConfig) NeedsApproval(steps, minutes int) bool {
	if a.Policy != ApprovalComplex {
		return true
	}
	return steps > a.MaxSteps || minutes > a.MaxMinutes
}

func unit(f float64) bool { return f >= 0 && f <= 1 }

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.7, cfg.Routing.EscalateAbove)
	assert.Equal(t, 0.3, cfg.Routing.AnalyzeAbove)
	assert.Equal(t, 2, cfg.Routing.EscalationCeiling)
	assert.Equal(t, 0.5, cfg.Quality.Threshold)
	assert.Equal(t, 1, cfg.Quality.RetryCeiling)
	assert.Equal(t, 30, cfg.Quality.MinLength)
	assert.Equal(t, ApprovalAlways, cfg.Approval.Policy)
	assert.Zero(t, cfg.Approval.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 100, cfg.Economy.StartingBalance)
	assert.Equal(t, 15, cfg.Economy.Points[EventTaskStarted])
	assert.Equal(t, "neuroflow/v1", cfg.Engine.CheckpointVersion)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithEnv(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neuroflow.yaml")
	doc := `
routing:
  escalate_above: 0.8
approval:
  policy: complex
  timeout: 15m
generation:
  provider: anthropic
  timeout: 10s
economy:
  points:
    task_started: 20
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := LoadWithEnv(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Routing.EscalateAbove)
	assert.Equal(t, 0.3, cfg.Routing.AnalyzeAbove, "unset fields keep defaults")
	assert.Equal(t, ApprovalComplex, cfg.Approval.Policy)
	assert.Equal(t, 15*time.Minute, cfg.Approval.Timeout)
	assert.Equal(t, "anthropic", cfg.Generation.Provider)
	assert.Equal(t, 10*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 20, cfg.Economy.Points[EventTaskStarted])
	assert.Equal(t, 12, cfg.Economy.Points[EventPatternInterrupted])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neuroflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("quality:\n  threshold: 0.6\n"), 0o600))

	cfg, err := LoadWithEnv(path, envMap(map[string]string{
		"NEUROFLOW_QUALITY_THRESHOLD":          "0.4",
		"NEUROFLOW_QUALITY_FAILURE_MARKERS":    "oops, sorry",
		"NEUROFLOW_ENGINE_STAGE_TIMEOUT":       "5s",
		"NEUROFLOW_CHECKPOINT_DRIVER":          "sqlite",
		"NEUROFLOW_CHECKPOINT_DSN":             "file:neuroflow.db",
		"NEUROFLOW_ROUTING_ESCALATION_CEILING": "3",
		"NEUROFLOW_TRACING_EXPORTER":           "otlp",
	}))
	require.NoError(t, err)

	assert.Equal(t, 0.4, cfg.Quality.Threshold)
	assert.Equal(t, []string{"oops", "sorry"}, cfg.Quality.FailureMarkers)
	assert.Equal(t, 5*time.Second, cfg.Engine.StageTimeout)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, 3, cfg.Routing.EscalationCeiling)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := LoadWithEnv("", envMap(map[string]string{"NEUROFLOW_ENGINE_MAX_STEPS": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NEUROFLOW_ENGINE_MAX_STEPS")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing: [unclosed"), 0o600))

	_, err := LoadWithEnv(path, noEnv)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"threshold range", func(c *Config) { c.Quality.Threshold = 1.5 }, "quality.threshold"},
		{"inverted routing", func(c *Config) { c.Routing.AnalyzeAbove = 0.9 }, "analyze_above"},
		{"negative ceiling", func(c *Config) { c.Routing.EscalationCeiling = -1 }, "escalation_ceiling"},
		{"unknown policy", func(c *Config) { c.Approval.Policy = "sometimes" }, "approval.policy"},
		{"unknown provider", func(c *Config) { c.Generation.Provider = "llama" }, "generation.provider"},
		{"sqlite without dsn", func(c *Config) { c.Checkpoint.Driver = "sqlite" }, "checkpoint.dsn"},
		{"redis without addr", func(c *Config) { c.Checkpoint.Driver = "redis"; c.Checkpoint.RedisAddr = "" }, "redis_addr"},
		{"journal driver", func(c *Config) { c.Journal.Driver = "postgres" }, "journal.driver"},
		{"embedder", func(c *Config) { c.Recall.Embedder = "bert" }, "recall.embedder"},
		{"balance", func(c *Config) { c.Economy.StartingBalance = 150 }, "starting_balance"},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"trace exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "" }, "tracing.endpoint"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApprovalConfig_NeedsApproval(t *testing.T) {
	always := ApprovalConfig{Policy: ApprovalAlways, MaxSteps: 5, MaxMinutes: 60}
	assert.True(t, always.NeedsApproval(1, 5))

	bounded := ApprovalConfig{Policy: ApprovalComplex, MaxSteps: 5, MaxMinutes: 60}
	assert.False(t, bounded.NeedsApproval(5, 60), "limits are inclusive")
	assert.True(t, bounded.NeedsApproval(6, 10))
	assert.True(t, bounded.NeedsApproval(3, 61))
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/pidtune/internal/oracle"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "study.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	sp, err := cfg.ParamSpace()
	require.NoError(t, err)
	assert.Equal(t, []string{"KC", "KI"}, sp.Names())
	assert.Equal(t, 50, cfg.Trials)
	assert.Equal(t, 2*time.Minute, cfg.Executor.Timeout)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Executor.Lease)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
study: tank1_pi_overnight
storage: badger:///var/lib/pidtune
trials: 120
workers: 4
space:
  - {name: KC, low: 0.05, high: 0.5}
  - {name: KI, low: 0.003, high: 0.05, type: log}
executor:
  timeout: 90s
  lease: 10m
oracle:
  kind: exec
  command: ["./run_sim.sh", "--headless"]
  rate: 0.5
convergence:
  enabled: true
  patience: 20
  threshold: 0.005
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tank1_pi_overnight", cfg.Study)
	assert.Equal(t, "badger:///var/lib/pidtune", cfg.Storage)
	assert.Equal(t, 120, cfg.Trials)
	assert.Equal(t, 90*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Executor.Lease)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts, "unset fields keep defaults")
	assert.Equal(t, "log", string(cfg.Space[1].Type))
	assert.True(t, cfg.Convergence.Enabled)
	assert.Equal(t, 20, cfg.Convergence.Patience)

	o, err := cfg.BuildOracle()
	require.NoError(t, err)
	_, isExec := o.(*oracle.Exec)
	assert.False(t, isExec, "rate limited oracle is wrapped")
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "study: x\ntrails: 10\n"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Study, cfg.Study)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvStorage:   "http://coordinator:8080",
		EnvStudy:     "tank2",
		EnvLogLevel:  "debug",
		EnvOracleURL: "http://sim:9000",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Equal(t, "http://coordinator:8080", cfg.Storage)
	assert.Equal(t, "tank2", cfg.Study)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, OracleHTTP, cfg.Oracle.Kind)
	assert.Equal(t, "http://sim:9000", cfg.Oracle.URL)
	require.NoError(t, cfg.Validate())

	unchanged := Default()
	unchanged.ApplyEnv(noEnv)
	assert.Equal(t, Default().Storage, unchanged.Storage)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty study", func(c *Config) { c.Study = "" }},
		{"study path", func(c *Config) { c.Study = "../etc" }},
		{"no storage", func(c *Config) { c.Storage = "" }},
		{"no dimensions", func(c *Config) { c.Space = nil }},
		{"inverted bounds", func(c *Config) { c.Space[0].Low, c.Space[0].High = 0.5, 0.05 }},
		{"duplicate names", func(c *Config) { c.Space[1].Name = "KC" }},
		{"zero workers", func(c *Config) { c.Workers = 0 }},
		{"zero timeout", func(c *Config) { c.Executor.Timeout = 0 }},
		{"zero attempts", func(c *Config) { c.Executor.MaxAttempts = 0 }},
		{"backoff order", func(c *Config) { c.Executor.InitialBackoff = time.Minute; c.Executor.MaxBackoff = time.Second }},
		{"http without url", func(c *Config) { c.Oracle.Kind = OracleHTTP }},
		{"exec without command", func(c *Config) { c.Oracle.Kind = OracleExec }},
		{"unknown oracle", func(c *Config) { c.Oracle.Kind = "matlab" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Space = append(cfg.Space[:0:0], cfg.Space...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), err.Error())
		})
	}
}

func TestStudyOptions_DistinctSeeds(t *testing.T) {
	cfg := Default()
	cfg.Sampler.Seed = 42
	a := cfg.StudyOptions(0)
	b := cfg.StudyOptions(1)
	assert.Equal(t, int64(42), a.Sampler.Seed)
	assert.NotEqual(t, a.Sampler.Seed, b.Sampler.Seed)
	assert.Equal(t, cfg.MaxClaims, a.MaxClaims)
}

func TestExecutorOptions(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/pidtune"
	assert.Equal(t, filepath.Join("/srv/pidtune", "artifacts"), cfg.ExecutorOptions().ArtifactDir)

	cfg.Executor.Artifacts = false
	assert.Empty(t, cfg.ExecutorOptions().ArtifactDir)
}

func TestBuildOracle(t *testing.T) {
	cfg := Default()
	o, err := cfg.BuildOracle()
	require.NoError(t, err)
	_, ok := o.(oracle.Plant)
	assert.True(t, ok)

	cfg.Oracle = OracleConfig{Kind: OracleHTTP, URL: "http://sim:9000"}
	o, err = cfg.BuildOracle()
	require.NoError(t, err)
	_, ok = o.(*oracle.HTTP)
	assert.True(t, ok)

	cfg.Oracle = OracleConfig{Kind: OracleExec}
	_, err = cfg.BuildOracle()
	assert.Error(t, err)
}

// Package config loads the description of a tuning study: which store to
// share it through, the parameter space, the oracle and the worker limits.
//
// Values come from defaults, then an optional YAML file, then PIDTUNE_*
// environment variables; command-line flags are applied last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/pidtune/internal/executor"
	"github.com/cwbudde/pidtune/internal/objective"
	"github.com/cwbudde/pidtune/internal/opt"
	"github.com/cwbudde/pidtune/internal/oracle"
	"github.com/cwbudde/pidtune/internal/space"
	"github.com/cwbudde/pidtune/internal/store"
	"github.com/cwbudde/pidtune/internal/study"
)

// Environment variables read by ApplyEnv.
const (
	EnvStorage   = "PIDTUNE_STORAGE"
	EnvStudy     = "PIDTUNE_STUDY"
	EnvLogLevel  = "PIDTUNE_LOG_LEVEL"
	EnvOracleURL = "PIDTUNE_ORACLE_URL"
)

// Oracle kinds.
const (
	OraclePlant = "plant"
	OracleHTTP  = "http"
	OracleExec  = "exec"
)

// Config is a complete study description.
type Config struct {
	Study   string `yaml:"study" validate:"required"`
	Storage string `yaml:"storage" validate:"required"`

	// DataDir holds the history ledger and trial artifacts.
	DataDir string `yaml:"dataDir" validate:"required"`

	Space []space.Dimension `yaml:"space" validate:"required,min=1,dive"`

	// Trials stops workers once the study holds this many trials; zero
	// means no limit.
	Trials int `yaml:"trials" validate:"gte=0"`

	// Budget caps the trials each worker evaluates; zero means no cap.
	Budget int `yaml:"budget" validate:"gte=0"`

	Workers   int `yaml:"workers" validate:"gte=1,lte=256"`
	MaxClaims int `yaml:"maxClaims" validate:"gte=0"`

	Sampler     SamplerConfig               `yaml:"sampler"`
	Executor    ExecutorConfig              `yaml:"executor"`
	Oracle      OracleConfig                `yaml:"oracle"`
	Convergence objective.ConvergenceConfig `yaml:"convergence"`

	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
}

// SamplerConfig tunes the suggestion strategy.
type SamplerConfig struct {
	StartupTrials int     `yaml:"startupTrials" validate:"gte=1"`
	Candidates    int     `yaml:"candidates" validate:"gte=1"`
	SearchIters   int     `yaml:"searchIters" validate:"gte=0"`
	SearchPop     int     `yaml:"searchPop" validate:"gte=0"`
	Xi            float64 `yaml:"xi" validate:"gte=0"`
	// Seed zero draws a fresh seed per worker.
	Seed int64 `yaml:"seed"`
}

// ExecutorConfig bounds single evaluations.
type ExecutorConfig struct {
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxAttempts    int           `yaml:"maxAttempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initialBackoff" validate:"gte=0"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gte=0"`
	Lease          time.Duration `yaml:"lease" validate:"gt=0"`
	Artifacts      bool          `yaml:"artifacts"`
}

// OracleConfig selects and configures the simulation engine.
type OracleConfig struct {
	Kind string `yaml:"kind" validate:"oneof=plant http exec"`

	URL     string   `yaml:"url" validate:"required_if=Kind http,omitempty,url"`
	Command []string `yaml:"command" validate:"required_if=Kind exec"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`

	// Rate limits session launches per second; zero means unlimited.
	Rate  float64 `yaml:"rate" validate:"gte=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`

	Plant oracle.Plant `yaml:"plant"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	so := study.DefaultOptions()
	eo := executor.DefaultOptions()
	return Config{
		Study:     "tank1",
		Storage:   "sqlite://pidtune.db",
		DataDir:   "./data",
		Space:     space.DefaultPI().Dims,
		Trials:    50,
		Workers:   1,
		MaxClaims: so.MaxClaims,
		Sampler: SamplerConfig{
			StartupTrials: so.Sampler.StartupTrials,
			Candidates:    so.Sampler.Candidates,
			SearchIters:   so.Sampler.SearchIters,
			SearchPop:     so.Sampler.SearchPop,
			Xi:            so.Sampler.Xi,
		},
		Executor: ExecutorConfig{
			Timeout:        eo.Timeout,
			MaxAttempts:    eo.MaxAttempts,
			InitialBackoff: eo.InitialBackoff,
			MaxBackoff:     eo.MaxBackoff,
			Lease:          eo.Lease,
			Artifacts:      true,
		},
		Oracle: OracleConfig{
			Kind:  OraclePlant,
			Plant: oracle.DefaultPlant(),
		},
		Convergence: objective.DisabledConvergenceConfig(),
		LogLevel:    "info",
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from PIDTUNE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvStorage); ok && v != "" {
		c.Storage = v
	}
	if v, ok := lookup(EnvStudy); ok && v != "" {
		c.Study = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvOracleURL); ok && v != "" {
		c.Oracle.URL = v
		if c.Oracle.Kind == OraclePlant {
			c.Oracle.Kind = OracleHTTP
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError reports every invalid field of a config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := "invalid config"
	for i, p := range e.Problems {
		sep := ": "
		if i > 0 {
			sep = "; "
		}
		msg += sep + p
	}
	return msg
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	if c.Study != "" {
		if err := store.ValidateName(c.Study); err != nil {
			problems = append(problems, "study: "+err.Error())
		}
	}
	if len(c.Space) > 0 {
		if err := (space.Space{Dims: c.Space}).Check(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if c.Executor.MaxBackoff < c.Executor.InitialBackoff {
		problems = append(problems, "executor.maxBackoff must not be below executor.initialBackoff")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ParamSpace returns the declared parameter space.
func (c Config) ParamSpace() (space.Space, error) {
	return space.New(c.Space...)
}

// StudyOptions returns the study options for the worker with the given
// index. Workers get distinct seeds so their random startup points differ.
func (c Config) StudyOptions(worker int) study.Options {
	seed := c.Sampler.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return study.Options{
		Sampler: opt.SamplerConfig{
			StartupTrials: c.Sampler.StartupTrials,
			Candidates:    c.Sampler.Candidates,
			SearchIters:   c.Sampler.SearchIters,
			SearchPop:     c.Sampler.SearchPop,
			Xi:            c.Sampler.Xi,
			Seed:          seed + int64(worker)*7919,
		},
		MaxClaims: c.MaxClaims,
	}
}

// ExecutorOptions returns the executor options. Artifacts go to
// <DataDir>/artifacts/<study>.
func (c Config) ExecutorOptions() executor.Options {
	opts := executor.Options{
		Timeout:        c.Executor.Timeout,
		MaxAttempts:    c.Executor.MaxAttempts,
		InitialBackoff: c.Executor.InitialBackoff,
		MaxBackoff:     c.Executor.MaxBackoff,
		Lease:          c.Executor.Lease,
	}
	if c.Executor.Artifacts {
		opts.ArtifactDir = c.ArtifactDir()
	}
	return opts
}

// ArtifactDir is the root of the per-study artifact directories.
func (c Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// BuildOracle returns the configured oracle, rate limited when Rate is set.
func (c Config) BuildOracle() (oracle.Oracle, error) {
	var o oracle.Oracle
	switch c.Oracle.Kind {
	case OraclePlant:
		o = c.Oracle.Plant
	case OracleHTTP:
		if c.Oracle.URL == "" {
			return nil, errors.New("http oracle needs a url")
		}
		o = oracle.NewHTTP(c.Oracle.URL)
	case OracleExec:
		if len(c.Oracle.Command) == 0 {
			return nil, errors.New("exec oracle needs a command")
		}
		o = &oracle.Exec{Command: c.Oracle.Command, Dir: c.Oracle.Dir, Env: c.Oracle.Env}
	default:
		return nil, fmt.Errorf("unknown oracle kind %q", c.Oracle.Kind)
	}
	if c.Oracle.Rate > 0 {
		burst := c.Oracle.Burst
		if burst < 1 {
			burst = 1
		}
		o = oracle.Limit(o, rate.Limit(c.Oracle.Rate), burst)
	}
	return o, nil
}

// Summary returns the settings worth logging at startup.
func (c Config) Summary() []any {
	return []any{
		"study", c.Study,
		"storage", c.Storage,
		"oracle", c.Oracle.Kind,
		"trials", c.Trials,
		"workers", c.Workers,
		"timeout", c.Executor.Timeout,
		"attempts", c.Executor.MaxAttempts,
		"lease", c.Executor.Lease,
		"max_claims", c.MaxClaims,
	}
}

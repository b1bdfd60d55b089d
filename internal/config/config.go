// Package config defines the planrun configuration surface and its defaults.
// Configuration is read through viper from a config file, environment
// variables (PLANRUN_ prefix), and command-line flags, in increasing order
// of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/planrun/planrun/internal/logging"
)

// Config represents the complete planrun configuration
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig controls orchestration behavior
type EngineConfig struct {
	// MaxConcurrency is the size of the step worker pool (default: 3)
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// StepTimeout is the per-step execution timeout (default: 10m, 0 = disabled)
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// ResumePolicy decides what happens to steps found in_progress when
	// resuming from a crash.
	// Options: "retry" (re-run, executor must be idempotent-safe), "fail"
	ResumePolicy string `mapstructure:"resume_policy"`
}

// Resume policies accepted by EngineConfig.ResumePolicy.
const (
	// ResumeRetry re-runs steps found in_progress at startup.
	ResumeRetry = "retry"
	// ResumeFail marks steps found in_progress at startup as failed.
	ResumeFail = "fail"
)

// RetryConfig controls the retry policy for transient step failures
type RetryConfig struct {
	// MaxAttempts is the maximum number of execution attempts per step,
	// including the first (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// Backoff is the delay schedule between attempts. If a step retries
	// more times than the schedule has entries, the last entry repeats.
	Backoff []time.Duration `mapstructure:"backoff"`
}

// IsolationConfig controls workspace and resource pool behavior
type IsolationConfig struct {
	// WorkspaceRoot is the directory under which per-step workspaces are
	// created (default: $TMPDIR/planrun)
	WorkspaceRoot string `mapstructure:"workspace_root"`
	// WorkspaceSlots caps the number of concurrently held leases
	// (default: 8)
	WorkspaceSlots int `mapstructure:"workspace_slots"`
	// TemplateDir, when set, is copied into each new workspace
	TemplateDir string `mapstructure:"template_dir"`
	// PortRangeStart is the first port in the reservable pool (default: 42000)
	PortRangeStart int `mapstructure:"port_range_start"`
	// PortRangeEnd is the last port in the reservable pool (default: 42999)
	PortRangeEnd int `mapstructure:"port_range_end"`
	// PortsPerLease is how many ports each lease reserves (default: 2)
	PortsPerLease int `mapstructure:"ports_per_lease"`
}

// ExecutorConfig controls the subprocess step executor
type ExecutorConfig struct {
	// Command is the program invoked for each step. The step's command text
	// is passed as the first argument; step metadata is passed via
	// PLANRUN_* environment variables.
	Command string `mapstructure:"command"`
	// UseMarker enables the completion-marker protocol: the command signals
	// structured completion by writing a result file in its workspace
	// (default: false)
	UseMarker bool `mapstructure:"use_marker"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is the minimum level to log: DEBUG, INFO, WARN, ERROR (default: INFO)
	Level string `mapstructure:"level"`
	// Dir is where engine.log is written; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers default values for all configuration keys.
// Call before reading the config file so defaults apply even without one.
func SetDefaults() {
	viper.SetDefault("engine.max_concurrency", 3)
	viper.SetDefault("engine.step_timeout", "10m")
	viper.SetDefault("engine.resume_policy", ResumeRetry)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.backoff", []string{"1s", "3s", "5s"})

	viper.SetDefault("isolation.workspace_root", filepath.Join(os.TempDir(), "planrun"))
	viper.SetDefault("isolation.workspace_slots", 8)
	viper.SetDefault("isolation.template_dir", "")
	viper.SetDefault("isolation.port_range_start", 42000)
	viper.SetDefault("isolation.port_range_end", 42999)
	viper.SetDefault("isolation.ports_per_lease", 2)

	viper.SetDefault("executor.command", "")
	viper.SetDefault("executor.use_marker", false)

	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("logging.dir", "")
}

// Load unmarshals the current viper state into a Config and validates it.
// The logging level is normalized to its canonical uppercase form.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if lvl := strings.ToUpper(cfg.Logging.Level); lvl != "" && !slices.Contains(logging.ValidLevels(), lvl) {
		return nil, fmt.Errorf("logging.level %q is not one of %s",
			cfg.Logging.Level, strings.Join(logging.ValidLevels(), ", "))
	}
	cfg.Logging.Level = logging.ParseLevel(cfg.Logging.Level)
	return &cfg, nil
}

// ConfigDir returns the directory where the planrun config file lives.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "planrun")
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the salon engine.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Salon        SalonConfig        `mapstructure:"salon"`
	Router       RouterConfig       `mapstructure:"router"`
	Store        StoreConfig        `mapstructure:"store"`
	Runtime      RuntimeConfig      `mapstructure:"runtime"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// SalonConfig stores session and consensus-analysis settings.
type SalonConfig struct {
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"` // fraction of participants needed for consensus
	MaxHistoryTurns    int     `mapstructure:"max_history_turns"`   // turn window rendered into model context
}

// RouterConfig stores provider dispatch settings.
type RouterConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`    // default retry budget, overridable per request (0-3)
	CLITimeout    time.Duration `mapstructure:"cli_timeout"`    // subprocess wall-clock budget
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`   // per-request HTTP budget
	ProfilesPath  string        `mapstructure:"profiles_path"`  // provider profile store location
	AffinityPath  string        `mapstructure:"affinity_path"`  // CLI session affinity map location
	WatchProfiles bool          `mapstructure:"watch_profiles"` // hot-reload profiles on file change
}

// StoreConfig stores shared-session persistence settings.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"` // directory for the embedded database file
	DBName  string `mapstructure:"db_name"`  // database file name
}

// RuntimeConfig stores agent tool-loop settings.
type RuntimeConfig struct {
	MaxToolIterations int  `mapstructure:"max_tool_iterations"` // cap on request/execute/respond cycles
	ValidateToolArgs  bool `mapstructure:"validate_tool_args"`  // schema-check tool arguments before dispatch
}

// OrchestratorConfig stores multi-agent turn execution settings.
type OrchestratorConfig struct {
	ExecutionMode  string        `mapstructure:"execution_mode"`  // "parallel", "sequential", "priority"
	TurnTimeout    time.Duration `mapstructure:"turn_timeout"`    // budget for one full multi-agent turn
	MaxConcurrency int           `mapstructure:"max_concurrency"` // worker pool size for parallel mode
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("salon.consensus_threshold", 0.6)
	v.SetDefault("salon.max_history_turns", 30)

	v.SetDefault("router.max_retries", 1)
	v.SetDefault("router.cli_timeout", 120*time.Second)
	v.SetDefault("router.http_timeout", 30*time.Second)
	v.SetDefault("router.profiles_path", "data/provider_profiles.json")
	v.SetDefault("router.affinity_path", "data/cli_sessions.json")
	v.SetDefault("router.watch_profiles", false)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.db_name", "shared_sessions.db")

	v.SetDefault("runtime.max_tool_iterations", 4)
	v.SetDefault("runtime.validate_tool_args", true)

	v.SetDefault("orchestrator.execution_mode", "sequential")
	v.SetDefault("orchestrator.turn_timeout", 300*time.Second)
	v.SetDefault("orchestrator.max_concurrency", 5)
}

// Load reads configuration from an optional file path plus SCRIBE_* environment
// variables, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("scribe")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks cross-field constraints and clamps nothing: bad values are
// reported, not silently repaired.
func (c *Config) Validate() error {
	if c.Salon.ConsensusThreshold <= 0 || c.Salon.ConsensusThreshold > 1 {
		return fmt.Errorf("salon.consensus_threshold must be in (0, 1], got %v", c.Salon.ConsensusThreshold)
	}
	if c.Salon.MaxHistoryTurns < 1 {
		return fmt.Errorf("salon.max_history_turns must be >= 1, got %d", c.Salon.MaxHistoryTurns)
	}
	if c.Router.MaxRetries < 0 || c.Router.MaxRetries > 3 {
		return fmt.Errorf("router.max_retries must be in [0, 3], got %d", c.Router.MaxRetries)
	}
	if c.Router.CLITimeout <= 0 || c.Router.HTTPTimeout <= 0 {
		return fmt.Errorf("router timeouts must be positive")
	}
	if c.Runtime.MaxToolIterations < 1 {
		return fmt.Errorf("runtime.max_tool_iterations must be >= 1, got %d", c.Runtime.MaxToolIterations)
	}
	switch c.Orchestrator.ExecutionMode {
	case "parallel", "sequential", "priority":
	default:
		return fmt.Errorf("orchestrator.execution_mode must be parallel, sequential or priority, got %q", c.Orchestrator.ExecutionMode)
	}
	if c.Orchestrator.MaxConcurrency < 1 {
		return fmt.Errorf("orchestrator.max_concurrency must be >= 1, got %d", c.Orchestrator.MaxConcurrency)
	}
	return nil
}

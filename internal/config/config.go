// Package config loads agentd settings from defaults, the global and
// project config files and AGENT_RUNTIME_* environment variables, in that
// order of increasing precedence. Model credentials come from the shared
// LLM_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/agent-core-go/pkg/llm"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"agent_runtime/internal/service/session"
	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/mcp"
	"agent_runtime/pkg/orchestrator"
	"agent_runtime/pkg/tools"
)

const (
	appName   = "agent_runtime"
	envPrefix = "AGENT_RUNTIME"
)

// NATSConfig controls the embedded event broker.
type NATSConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// StoreDir enables JetStream persistence when set.
	StoreDir string `mapstructure:"store_dir" yaml:"store_dir,omitempty"`

	// Port lets external operators subscribe. Zero keeps the broker in-process.
	Port int `mapstructure:"port" yaml:"port,omitempty"`
}

// StoreConfig controls the SQLite event store. An empty path disables it.
type StoreConfig struct {
	Path     string `mapstructure:"path" yaml:"path"`
	PoolSize int    `mapstructure:"pool_size" yaml:"pool_size,omitempty"`
}

// Config holds runtime configuration.
type Config struct {
	ListenAddr    string `mapstructure:"listen_addr" yaml:"listen_addr"`
	WorkspaceRoot string `mapstructure:"workspace_root" yaml:"workspace_root"`
	IPAllowlist   string `mapstructure:"ip_allowlist" yaml:"ip_allowlist"`
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON       bool   `mapstructure:"log_json" yaml:"log_json"`

	MaxTurns     int      `mapstructure:"max_turns" yaml:"max_turns"`
	MaxTokens    int      `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature  *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`

	ContextStrategy string `mapstructure:"context_strategy" yaml:"context_strategy"`
	TokenBudget     int    `mapstructure:"token_budget" yaml:"token_budget"`
	TargetTokens    int    `mapstructure:"target_tokens" yaml:"target_tokens,omitempty"`

	Interactive            bool `mapstructure:"interactive" yaml:"interactive"`
	AllowBash              bool `mapstructure:"allow_bash" yaml:"allow_bash"`
	AllowOperator          bool `mapstructure:"allow_operator" yaml:"allow_operator"`
	BashTimeoutSeconds     int  `mapstructure:"bash_timeout_seconds" yaml:"bash_timeout_seconds"`
	OperatorTimeoutSeconds int  `mapstructure:"operator_timeout_seconds" yaml:"operator_timeout_seconds"`
	QueueSize              int  `mapstructure:"queue_size" yaml:"queue_size"`

	NATS       NATSConfig         `mapstructure:"nats" yaml:"nats"`
	Store      StoreConfig        `mapstructure:"store" yaml:"store"`
	MCPServers []mcp.ServerConfig `mapstructure:"mcp_servers" yaml:"mcp_servers,omitempty"`

	// LLM runtime configuration stays in the shared agent-core package.
	LLM llm.RuntimeConfig `mapstructure:"-" yaml:"-"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:             ":8080",
		WorkspaceRoot:          "./workspace",
		LogLevel:               "info",
		MaxTurns:               200,
		MaxTokens:              8192,
		ContextStrategy:        session.StrategyAmortized,
		TokenBudget:            120_000,
		AllowBash:              true,
		AllowOperator:          true,
		BashTimeoutSeconds:     60,
		OperatorTimeoutSeconds: 30,
		QueueSize:              4,
		NATS:                   NATSConfig{Enabled: true},
		Store:                  StoreConfig{Path: "./agent_runtime.db"},
	}
}

// Options overrides where Load looks for its inputs.
type Options struct {
	GlobalPath  string
	ProjectPath string
	Getenv      func(string) string
}

// Load loads configuration from the default locations and the process environment.
func Load() (Config, error) {
	return LoadWith(Options{})
}

// LoadWith loads configuration with explicit file locations and environment.
func LoadWith(opts Options) (Config, error) {
	if opts.GlobalPath == "" {
		opts.GlobalPath = GlobalPath()
	}
	if opts.ProjectPath == "" {
		opts.ProjectPath = ProjectPath()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fileExists(opts.GlobalPath) {
		v.SetConfigFile(opts.GlobalPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading global config: %w", err)
		}
	}
	if fileExists(opts.ProjectPath) {
		v.SetConfigFile(opts.ProjectPath)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.LLM = llm.LoadRuntimeConfig(opts.Getenv)
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("workspace_root", d.WorkspaceRoot)
	v.SetDefault("ip_allowlist", d.IPAllowlist)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("max_turns", d.MaxTurns)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("system_prompt", d.SystemPrompt)
	v.SetDefault("context_strategy", d.ContextStrategy)
	v.SetDefault("token_budget", d.TokenBudget)
	v.SetDefault("target_tokens", d.TargetTokens)
	v.SetDefault("interactive", d.Interactive)
	v.SetDefault("allow_bash", d.AllowBash)
	v.SetDefault("allow_operator", d.AllowOperator)
	v.SetDefault("bash_timeout_seconds", d.BashTimeoutSeconds)
	v.SetDefault("operator_timeout_seconds", d.OperatorTimeoutSeconds)
	v.SetDefault("queue_size", d.QueueSize)
	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.store_dir", d.NATS.StoreDir)
	v.SetDefault("nats.port", d.NATS.Port)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.pool_size", d.Store.PoolSize)
}

// Validate checks the settings a server or one-shot run needs.
func (c Config) Validate() error {
	var errs []error
	if c.MaxTurns <= 0 {
		errs = append(errs, errors.New("max_turns must be positive"))
	}
	switch c.ContextStrategy {
	case session.StrategyAmortized, session.StrategySummarizing:
	default:
		errs = append(errs, fmt.Errorf("context_strategy must be amortized or summarizing, got %q", c.ContextStrategy))
	}
	if c.TokenBudget <= 0 {
		errs = append(errs, errors.New("token_budget must be positive"))
	}
	if c.LLM.LLMAPIBaseURL == "" || c.LLM.LLMAPIKey == "" || c.LLM.LLMAPIModel == "" {
		errs = append(errs, errors.New("LLM_API_BASE_URL, LLM_API_KEY, and LLM_API_MODEL are required"))
	}
	for _, s := range c.MCPServers {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp server %q needs a name and a command", s.Name))
		}
	}
	return errors.Join(errs...)
}

// Session converts the settings into the session manager's configuration.
func (c Config) Session() session.Config {
	perms := tools.DefaultPermissions()
	perms.AllowBash = c.AllowBash
	perms.AllowOperator = c.AllowOperator

	ctxCfg := contextmgr.DefaultConfig()
	ctxCfg.TokenBudget = c.TokenBudget
	ctxCfg.TargetTokens = c.TargetTokens

	return session.Config{
		WorkspaceRoot: c.WorkspaceRoot,
		Agent: orchestrator.Config{
			MaxTurns:     c.MaxTurns,
			MaxTokens:    c.MaxTokens,
			Temperature:  c.Temperature,
			SystemPrompt: c.SystemPrompt,
		},
		ContextStrategy: c.ContextStrategy,
		Context:         ctxCfg,
		Interactive:     c.Interactive,
		Permissions:     perms,
		BashTimeout:     c.BashTimeoutSeconds,
		OperatorTimeout: c.OperatorTimeout(),
		QueueSize:       c.QueueSize,
		MCPServers:      c.MCPServers,
	}
}

// OperatorTimeout returns how long operator commands may take.
func (c Config) OperatorTimeout() time.Duration {
	return time.Duration(c.OperatorTimeoutSeconds) * time.Second
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns ~/.config/agent_runtime/config.yaml or the
// $XDG_CONFIG_HOME equivalent.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName, "config.yaml")
}

// ProjectPath returns the config file in the working directory.
func ProjectPath() string {
	return appName + ".yml"
}

// Write marshals cfg to path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file looked up from the working directory upwards
const LocalConfigName = ".task-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig         `toml:"general"`
	LLM           LLMConfig             `toml:"llm"`
	Retry         RetryConfig           `toml:"retry"`
	Locks         LocksConfig           `toml:"locks"`
	Agent         AgentConfig           `toml:"agent"`
	Roles         map[string]RoleConfig `toml:"roles"`
	Commands      CommandsConfig        `toml:"commands"`
	Notifications NotificationsConfig   `toml:"notifications"`
	Web           WebConfig             `toml:"web"`
	Maintenance   MaintenanceConfig     `toml:"maintenance"`
	Log           LogConfig             `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	PlansDir     string `toml:"plans_dir"`
	DatabasePath string `toml:"database_path"`
}

// LLMConfig selects and configures the language-model provider
type LLMConfig struct {
	Provider    string           `toml:"provider"`
	Backend     string           `toml:"backend"`
	Endpoint    string           `toml:"endpoint"`
	APIKeyEnv   string           `toml:"api_key_env"`
	APIVersion  string           `toml:"api_version"`
	Model       string           `toml:"model"`
	PlanModel   string           `toml:"plan_model"`
	MaxTokens   int              `toml:"max_tokens"`
	Temperature float64          `toml:"temperature"`
	USDToEUR    float64          `toml:"usd_to_eur"`
	Prices      map[string]Price `toml:"prices"`
}

// Price is the USD cost per million tokens of a model
type Price struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// RetryConfig controls rate-limit retries against the model endpoint
type RetryConfig struct {
	MaxRetries  int     `toml:"max_retries"`
	BaseDelayMs int     `toml:"base_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
}

// LocksConfig controls run locks and state persistence
type LocksConfig struct {
	TTLMinutes  int `toml:"ttl_minutes"`
	SaveRetries int `toml:"save_retries"`
}

// AgentConfig holds the round budgets of the dispatch loop
type AgentConfig struct {
	PlanMaxRounds    int `toml:"plan_max_rounds"`
	ExecuteMaxRounds int `toml:"execute_max_rounds"`
}

// RoleConfig is the capability profile of an agent role
type RoleConfig struct {
	AllowedPaths         []string `toml:"allowed_paths"`
	ReadOnlyPaths        []string `toml:"read_only_paths"`
	Tools                []string `toml:"tools"`
	MaxFilesChanged      int      `toml:"max_files_changed"`
	MaxTotalChangedLines int      `toml:"max_total_changed_lines"`
}

// CommandsConfig holds the project commands run by the process tools
type CommandsConfig struct {
	Test           []string `toml:"test"`
	Build          []string `toml:"build"`
	Lint           []string `toml:"lint"`
	TypeCheck      []string `toml:"type_check"`
	TimeoutMinutes int      `toml:"timeout_minutes"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port      int    `toml:"port"`
	Host      string `toml:"host"`
	APIKeyEnv string `toml:"api_key_env"`
}

// MaintenanceConfig schedules the stale-lock janitor
type MaintenanceConfig struct {
	Cron string `toml:"cron"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// BaseReadTools are available to every role
var BaseReadTools = []string{
	"read_file",
	"list_files",
	"find_files_by_name",
	"search_in_files",
	"get_project_info",
	"read_json_compact",
	"get_run_log",
	"ts_get_outline",
}

func withTools(extra ...string) []string {
	out := make([]string, 0, len(BaseReadTools)+len(extra))
	out = append(out, BaseReadTools...)
	return append(out, extra...)
}

// DefaultRoles returns the built-in role profiles
func DefaultRoles() map[string]RoleConfig {
	return map[string]RoleConfig{
		"planner": {
			AllowedPaths:         []string{"src/", "tests/", "docs/"},
			ReadOnlyPaths:        []string{"src/", "tests/", "docs/"},
			Tools:                withTools(),
			MaxFilesChanged:      0,
			MaxTotalChangedLines: 0,
		},
		"coder": {
			AllowedPaths:         []string{"src/", "tests/", "docs/"},
			ReadOnlyPaths:        []string{"docs/"},
			Tools:                withTools("apply_patch", "write_file", "ts_check", "run_tests", "run_build", "run_lint"),
			MaxFilesChanged:      50,
			MaxTotalChangedLines: 2000,
		},
		"tester": {
			AllowedPaths:  []string{"src/", "tests/"},
			ReadOnlyPaths: []string{"src/", "tests/"},
			Tools:         withTools("ts_check", "run_tests"),
		},
		"critic": {
			AllowedPaths:  []string{"src/", "tests/"},
			ReadOnlyPaths: []string{"src/", "tests/"},
			Tools:         withTools("ts_check", "run_lint"),
		},
		"documenter": {
			AllowedPaths:         []string{"src/", "docs/"},
			ReadOnlyPaths:        []string{"src/"},
			Tools:                withTools("apply_patch", "write_file"),
			MaxFilesChanged:      10,
			MaxTotalChangedLines: 800,
		},
	}
}

// DefaultPrices returns the built-in model price table
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"gpt-4.1":         {InputPerMillion: 10, OutputPerMillion: 30},
		"gpt-4.1-mini":    {InputPerMillion: 0.5, OutputPerMillion: 1.5},
		"gpt-4o-mini":     {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"claude-opus-4-1": {InputPerMillion: 25, OutputPerMillion: 100},
	}
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			PlansDir:     filepath.Join("docs", "plans"),
			DatabasePath: filepath.Join(home, ".task-orch", "runs.db"),
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Backend:     "openai",
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			APIKeyEnv:   "OPENAI_API_KEY",
			APIVersion:  "2023-06-01",
			Model:       "gpt-4.1-mini",
			PlanModel:   "gpt-4.1-mini",
			MaxTokens:   4096,
			Temperature: 0.2,
			USDToEUR:    0.93,
			Prices:      DefaultPrices(),
		},
		Retry: RetryConfig{
			MaxRetries:  2,
			BaseDelayMs: 1500,
			Multiplier:  2,
		},
		Locks: LocksConfig{
			TTLMinutes:  10,
			SaveRetries: 5,
		},
		Agent: AgentConfig{
			PlanMaxRounds:    20,
			ExecuteMaxRounds: 8,
		},
		Roles: DefaultRoles(),
		Commands: CommandsConfig{
			Test:           []string{"npm", "test"},
			Build:          []string{"npm", "run", "build"},
			Lint:           []string{"npm", "run", "lint"},
			TypeCheck:      []string{"npx", "tsc", "--noEmit", "--pretty", "false"},
			TimeoutMinutes: 10,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port:      8787,
			Host:      "127.0.0.1",
			APIKeyEnv: "TASK_ORCH_API_KEY",
		},
		Maintenance: MaintenanceConfig{
			Cron: "*/5 * * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, cfg.Validate()
}

// FindLocalConfig searches the working directory and its parents for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit config path, else a local project config, else the global one
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic", "gollm":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Agent.PlanMaxRounds <= 0 || c.Agent.ExecuteMaxRounds <= 0 {
		return fmt.Errorf("agent round budgets must be positive")
	}
	if c.Locks.TTLMinutes <= 0 {
		return fmt.Errorf("locks.ttl_minutes must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}

// Role returns the profile of a named role
func (c *Config) Role(name string) (RoleConfig, error) {
	r, ok := c.Roles[name]
	if !ok {
		return RoleConfig{}, fmt.Errorf("unknown role %q (known: %s)", name, strings.Join(c.RoleNames(), ", "))
	}
	return r, nil
}

// RoleNames returns the configured role names, sorted
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LockTTL returns the run lock TTL
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locks.TTLMinutes) * time.Minute
}

// RetryBaseDelay returns the first rate-limit backoff delay
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// CommandTimeout returns the timeout for test/build/lint commands
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Commands.TimeoutMinutes) * time.Minute
}

// APIKey resolves the model endpoint key from the configured environment variable
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// WebAPIKey resolves the HTTP API key; empty disables authentication
func (c *Config) WebAPIKey() string {
	if c.Web.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Web.APIKeyEnv)
}

// ModelFor returns the model used for a mode
func (c *Config) ModelFor(plan bool) string {
	if plan && c.LLM.PlanModel != "" {
		return c.LLM.PlanModel
	}
	return c.LLM.Model
}

// ResolveProjectRoot returns an absolute project root, preferring override
func (c *Config) ResolveProjectRoot(override string) (string, error) {
	root := override
	if root == "" {
		root = c.General.ProjectRoot
	}
	if root == "" {
		return os.Getwd()
	}
	return filepath.Abs(ExpandPath(root))
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "task-orch", "config.toml")
}

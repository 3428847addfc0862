package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for tessella-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8280"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Registry database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Analytics pipeline configuration
	Analytics AnalyticsConfig `yaml:"analytics"`

	// Plan-generation LLM endpoint (optional; the heuristic builder runs without it)
	AI AIConfig `yaml:"ai"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"tessella"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"tessella_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// AnalyticsConfig holds the tunables of the deterministic analytics pipeline.
// Ceilings are enforced twice: at plan build (clamp) and at validation (re-clamp).
type AnalyticsConfig struct {
	// Enabled gates the whole pipeline; when false every question defers to
	// generic retrieval.
	Enabled bool `yaml:"enabled" env:"ANALYTICS_ENABLED" env-default:"true"`
	// DefaultRowLimit applies when a plan specifies no limit.
	DefaultRowLimit uint32 `yaml:"default_row_limit" env:"ANALYTICS_DEFAULT_ROW_LIMIT" env-default:"50"`
	// MaxListRows is the ceiling for list/filter results.
	MaxListRows uint32 `yaml:"max_list_rows" env:"ANALYTICS_MAX_LIST_ROWS" env-default:"500"`
	// MaxGroupRows is the ceiling for group-by results.
	MaxGroupRows uint32 `yaml:"max_group_rows" env:"ANALYTICS_MAX_GROUP_ROWS" env-default:"1000"`
	// QueryTimeoutSeconds bounds wall-clock execution time per statement.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"ANALYTICS_QUERY_TIMEOUT_SECONDS" env-default:"15"`
	// TableRetirementSeconds is how long a superseded table generation is kept
	// before its physical table is dropped. Must comfortably exceed the query
	// timeout so in-flight readers finish against the old generation.
	TableRetirementSeconds int `yaml:"table_retirement_seconds" env:"ANALYTICS_TABLE_RETIREMENT_SECONDS" env-default:"60"`
	// MinMatchScore is the routing ambiguity threshold: the minimum number of
	// column/sheet token matches before a question counts as tabular.
	MinMatchScore int `yaml:"min_match_score" env:"ANALYTICS_MIN_MATCH_SCORE" env-default:"1"`
	// ProfileSampleValues caps the distinct values sampled for low-cardinality
	// string columns in dataset profiles.
	ProfileSampleValues int `yaml:"profile_sample_values" env:"ANALYTICS_PROFILE_SAMPLE_VALUES" env-default:"20"`
}

// QueryTimeout returns the execution timeout as a duration.
func (c *AnalyticsConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// TableRetirement returns the generation retirement delay as a duration.
func (c *AnalyticsConfig) TableRetirement() time.Duration {
	return time.Duration(c.TableRetirementSeconds) * time.Second
}

// AIConfig holds the plan-generation LLM endpoint configuration.
type AIConfig struct {
	// Provider selects the client implementation: "openai" (any OpenAI-compatible
	// endpoint) or "anthropic". Empty disables the LLM pass of the plan builder.
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:""`
	Endpoint string `yaml:"endpoint" env:"AI_ENDPOINT" env-default:""`
	Model    string `yaml:"model" env:"AI_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"AI_API_KEY"` // Secret - not in YAML
}

// IsAvailable returns true if a plan-generation LLM is configured.
func (c *AIConfig) IsAvailable() bool {
	return c.Provider != "" && c.Model != ""
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing config.yaml is not an error: environment variables and defaults apply.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Analytics.DefaultRowLimit == 0 {
		return fmt.Errorf("analytics default_row_limit must be positive")
	}
	if c.Analytics.MaxListRows < c.Analytics.DefaultRowLimit {
		return fmt.Errorf("analytics max_list_rows (%d) must not be below default_row_limit (%d)",
			c.Analytics.MaxListRows, c.Analytics.DefaultRowLimit)
	}
	if c.Analytics.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("analytics query_timeout_seconds must be positive")
	}
	if c.Analytics.TableRetirementSeconds < c.Analytics.QueryTimeoutSeconds {
		return fmt.Errorf("analytics table_retirement_seconds (%d) must not be below query_timeout_seconds (%d)",
			c.Analytics.TableRetirementSeconds, c.Analytics.QueryTimeoutSeconds)
	}
	if c.AI.Provider != "" && c.AI.Provider != "openai" && c.AI.Provider != "anthropic" {
		return fmt.Errorf("unknown ai provider %q (want openai or anthropic)", c.AI.Provider)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultMaxAggregation caps user-aggregated event groups.
	DefaultMaxAggregation = 200

	// DefaultEventLimit is the page size used when a request names none.
	DefaultEventLimit = 20
)

// Config holds all configuration for ehri.
type Config struct {
	Graph   GraphConfig   `mapstructure:"graph"`
	Neo4j   Neo4jConfig   `mapstructure:"neo4j"`
	Events  EventsConfig  `mapstructure:"events"`
	ACL     ACLConfig     `mapstructure:"acl"`
	API     APIConfig     `mapstructure:"api"`
	Claude  ClaudeConfig  `mapstructure:"claude"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// GraphConfig selects the graph backend.
type GraphConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Neo4jConfig holds Neo4j connection settings.
type Neo4jConfig struct {
	URI                     string        `mapstructure:"uri"`
	Username                string        `mapstructure:"username"`
	Password                string        `mapstructure:"password"`
	Database                string        `mapstructure:"database"`
	MaxPoolSize             int           `mapstructure:"max_pool_size"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	MaxTransactionRetryTime time.Duration `mapstructure:"max_transaction_retry_time"`
}

// String returns a safe representation of Neo4jConfig with the password masked.
func (c Neo4jConfig) String() string {
	return fmt.Sprintf("Neo4jConfig{URI:%s, Username:%s, Password:%s, Database:%s}",
		c.URI, c.Username, maskSecret(c.Password), c.Database)
}

// EventsConfig holds event view defaults.
type EventsConfig struct {
	DefaultLimit   int    `mapstructure:"default_limit"`
	Aggregation    string `mapstructure:"aggregation"`
	MaxAggregation int    `mapstructure:"max_aggregation"`
}

// ACLConfig holds permission settings.
type ACLConfig struct {
	AdminGroup string `mapstructure:"admin_group"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

// ClaudeConfig holds Anthropic Claude API settings.
type ClaudeConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// String returns a safe representation of ClaudeConfig with the API key masked.
func (c ClaudeConfig) String() string {
	return fmt.Sprintf("ClaudeConfig{APIKey:%s, Model:%s}", maskSecret(c.APIKey), c.Model)
}

// maskSecret shows first 4 + last 4 chars, replacing the middle with asterisks.
func maskSecret(key string) string {
	const visible = 4
	if len(key) <= visible*2 {
		return "***"
	}
	return key[:visible] + "****" + key[len(key)-visible:]
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig toggles OpenTelemetry spans around graph transactions.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("graph.backend", "sqlite")
	v.SetDefault("graph.sqlite_path", filepath.Join(homeDir(), ".ehri", "graph.db"))

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "neo4j")
	v.SetDefault("neo4j.max_pool_size", 50)
	v.SetDefault("neo4j.connection_timeout", 30*time.Second)
	v.SetDefault("neo4j.max_transaction_retry_time", 15*time.Second)

	v.SetDefault("events.default_limit", DefaultEventLimit)
	v.SetDefault("events.aggregation", "strict")
	v.SetDefault("events.max_aggregation", DefaultMaxAggregation)

	v.SetDefault("acl.admin_group", "admin")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.auth_token", "")

	v.SetDefault("claude.model", "claude-haiku-4-5-20251001")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("tracing.enabled", false)

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(homeDir(), ".ehri"))
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("EHRI")
	v.AutomaticEnv()

	// Map specific env vars
	_ = v.BindEnv("claude.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("graph.backend", "EHRI_GRAPH_BACKEND")
	_ = v.BindEnv("graph.sqlite_path", "EHRI_GRAPH_SQLITE_PATH")
	_ = v.BindEnv("neo4j.uri", "EHRI_NEO4J_URI")
	_ = v.BindEnv("neo4j.password", "EHRI_NEO4J_PASSWORD")
	_ = v.BindEnv("api.listen_addr", "EHRI_API_LISTEN_ADDR")
	_ = v.BindEnv("api.auth_token", "EHRI_API_AUTH_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is OK; use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if !slices.Contains([]string{"memory", "sqlite", "neo4j"}, c.Graph.Backend) {
		return fmt.Errorf("graph.backend must be one of memory, sqlite, neo4j; got %q", c.Graph.Backend)
	}
	if c.Graph.Backend == "sqlite" && c.Graph.SQLitePath == "" {
		return fmt.Errorf("graph.sqlite_path must not be empty")
	}
	if c.Graph.Backend == "neo4j" {
		if c.Neo4j.URI == "" {
			return fmt.Errorf("neo4j.uri must not be empty")
		}
		if c.Neo4j.MaxPoolSize <= 0 {
			return fmt.Errorf("neo4j.max_pool_size must be greater than 0")
		}
		if c.Neo4j.ConnectionTimeout <= 0 {
			return fmt.Errorf("neo4j.connection_timeout must be greater than 0")
		}
	}
	if c.Events.DefaultLimit < 0 {
		return fmt.Errorf("events.default_limit must be >= 0")
	}
	if !slices.Contains([]string{"off", "strict", "user"}, c.Events.Aggregation) {
		return fmt.Errorf("events.aggregation must be one of off, strict, user; got %q", c.Events.Aggregation)
	}
	if c.Events.MaxAggregation <= 0 {
		return fmt.Errorf("events.max_aggregation must be greater than 0")
	}
	if c.ACL.AdminGroup == "" {
		return fmt.Errorf("acl.admin_group must not be empty")
	}
	if !slices.Contains([]string{"debug", "info"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug or info; got %q", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	LLM         LLMConfig                 `json:"llm" yaml:"llm"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Target      TargetConfig              `json:"target" yaml:"target"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Worker      WorkerConfig              `json:"worker" yaml:"worker"`
	RateLimit   RateLimitConfig           `json:"rate_limit" yaml:"rate_limit"`
	Policy      PolicyConfig              `json:"policy" yaml:"policy"`
	Export      ExportConfig              `json:"export" yaml:"export"`
}

type BasicConfig struct {
	ServerAddress        string   `json:"server_address" yaml:"server_address"`
	DatabaseType         string   `json:"database_type" yaml:"database_type"`
	LogLevel             string   `json:"log_level" yaml:"log_level"`
	LogFormat            string   `json:"log_format" yaml:"log_format"`
	StreamTimeoutSeconds int      `json:"stream_timeout_seconds" yaml:"stream_timeout_seconds"`
	CORSOrigins          []string `json:"cors_origins" yaml:"cors_origins"`
	HistoryLimit         *int     `json:"history_limit" yaml:"history_limit"`
}

// LLMConfig selects the provider entry used for every pipeline call.
type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	UseTools       *bool   `json:"use_tools" yaml:"use_tools"`
}

type ProviderConfig struct {
	Type    string `json:"type" yaml:"type"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// TargetConfig describes the database questions are answered against.
type TargetConfig struct {
	Driver        string   `json:"driver" yaml:"driver"`
	DSN           string   `json:"dsn" yaml:"dsn"`
	SeedSample    bool     `json:"seed_sample" yaml:"seed_sample"`
	ExcludeTables []string `json:"exclude_tables" yaml:"exclude_tables"`
}

type RedisConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	SchemaTTLSeconds int    `json:"schema_ttl_seconds" yaml:"schema_ttl_seconds"`
}

type WorkerConfig struct {
	MinWorkers         int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int `json:"max_workers" yaml:"max_workers"`
	QueueSize          int `json:"queue_size" yaml:"queue_size"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst"`
}

type PolicyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// ExportConfig points at an S3-compatible bucket. An empty endpoint disables uploads.
type ExportConfig struct {
	Endpoint         string `json:"endpoint" yaml:"endpoint"`
	Region           string `json:"region" yaml:"region"`
	Bucket           string `json:"bucket" yaml:"bucket"`
	AccessKeyID      string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey  string `json:"secret_access_key" yaml:"secret_access_key"`
	UseSSL           bool   `json:"use_ssl" yaml:"use_ssl"`
	Prefix           string `json:"prefix" yaml:"prefix"`
	AutoCreateBucket bool   `json:"auto_create_bucket" yaml:"auto_create_bucket"`
}

// Default returns a configuration that runs against local sqlite files and DashScope.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:        ":8090",
			DatabaseType:         "sqlite3",
			LogLevel:             "info",
			LogFormat:            "console",
			StreamTimeoutSeconds: 120,
			CORSOrigins:          []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		LLM: LLMConfig{
			Provider:       "dashscope",
			Temperature:    0.7,
			TimeoutSeconds: 60,
		},
		Providers: map[string]ProviderConfig{
			"dashscope": {
				Type:    "openai-compatible",
				BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
				Model:   "qwen3-max",
			},
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "./data/app.db"},
		},
		Target: TargetConfig{
			Driver:        "sqlite3",
			DSN:           "./data/sales.db",
			SeedSample:    true,
			ExcludeTables: []string{"sessions", "messages"},
		},
		Redis: RedisConfig{
			Host:             "127.0.0.1",
			Port:             6379,
			SchemaTTLSeconds: 300,
		},
		Worker: WorkerConfig{
			MinWorkers:         2,
			MaxWorkers:         16,
			QueueSize:          64,
			IdleTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			Burst:             5,
		},
		Policy: PolicyConfig{Enabled: true},
		Export: ExportConfig{Prefix: "exports"},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error; the built-in defaults are returned instead.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(absPath)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if isSQLiteDriver(name) {
			db.DSN = resolveFileDSN(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}
	if isSQLiteDriver(cfg.Target.Driver) || strings.EqualFold(cfg.Target.Driver, "duckdb") {
		cfg.Target.DSN = resolveFileDSN(baseDir, cfg.Target.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment needs.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return errors.New("llm.provider must be configured")
	}
	if _, ok := c.Providers[c.LLM.Provider]; !ok {
		return fmt.Errorf("provider %s not configured", c.LLM.Provider)
	}
	if c.Target.Driver == "" {
		return errors.New("target.driver must be configured")
	}
	if c.BasicConfig.DatabaseType == "" {
		return errors.New("basic_config.database_type must be configured")
	}
	if _, ok := c.Databases[c.BasicConfig.DatabaseType]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseType)
	}
	return nil
}

// ActiveProvider returns the provider entry selected by llm.provider.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.Providers[c.LLM.Provider]
}

// ToolsEnabled reports whether SQL generation uses function calling.
func (c *Config) ToolsEnabled() bool {
	return c.LLM.UseTools == nil || *c.LLM.UseTools
}

// HistoryLimit returns the number of prior messages sent as conversation context.
func (c *Config) HistoryLimit() int {
	if c.BasicConfig.HistoryLimit == nil {
		return 6
	}
	if *c.BasicConfig.HistoryLimit < 0 {
		return 0
	}
	return *c.BasicConfig.HistoryLimit
}

func isSQLiteDriver(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

// resolveFileDSN anchors relative database files at the config directory.
func resolveFileDSN(baseDir, dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || filepath.IsAbs(dsn) {
		return dsn
	}
	return filepath.Join(baseDir, dsn)
}

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv so tests can inject their own environment.
type LookupFunc func(string) (string, bool)

// ApplyEnv overlays environment variables on top of the file configuration.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	applyString(lookup, "DATA_ASSISTANT_ADDR", &cfg.BasicConfig.ServerAddress)
	applyString(lookup, "DATA_ASSISTANT_LOG_LEVEL", &cfg.BasicConfig.LogLevel)
	applyString(lookup, "DATA_ASSISTANT_LLM_PROVIDER", &cfg.LLM.Provider)
	applyString(lookup, "DATA_ASSISTANT_TARGET_DRIVER", &cfg.Target.Driver)
	applyString(lookup, "DATA_ASSISTANT_TARGET_DSN", &cfg.Target.DSN)

	if v, ok := nonEmpty(lookup, "DATA_ASSISTANT_DB"); ok {
		cfg.BasicConfig.DatabaseType = v
		if _, exists := cfg.Databases[v]; !exists {
			if cfg.Databases == nil {
				cfg.Databases = make(map[string]DatabaseConfig)
			}
			cfg.Databases[v] = DatabaseConfig{}
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	provider := cfg.Providers[cfg.LLM.Provider]
	applyString(lookup, "DATA_ASSISTANT_MODEL", &provider.Model)
	applyString(lookup, "DATA_ASSISTANT_BASE_URL", &provider.BaseURL)
	// DASHSCOPE_API_KEY only fills a missing key; DATA_ASSISTANT_API_KEY always wins.
	if provider.APIKey == "" {
		applyString(lookup, "DASHSCOPE_API_KEY", &provider.APIKey)
	}
	applyString(lookup, "DATA_ASSISTANT_API_KEY", &provider.APIKey)
	cfg.Providers[cfg.LLM.Provider] = provider

	if v, ok := nonEmpty(lookup, "DATA_ASSISTANT_TEMPERATURE"); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse DATA_ASSISTANT_TEMPERATURE: %w", err)
		}
		cfg.LLM.Temperature = parsed
	}

	if v, ok := nonEmpty(lookup, "DATA_ASSISTANT_REDIS_ADDR"); ok {
		host, portStr, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("parse DATA_ASSISTANT_REDIS_ADDR: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("parse DATA_ASSISTANT_REDIS_ADDR port: %w", err)
		}
		cfg.Redis.Enabled = true
		cfg.Redis.Host = host
		cfg.Redis.Port = port
	}
	return nil
}

func applyString(lookup LookupFunc, key string, target *string) {
	if v, ok := nonEmpty(lookup, key); ok {
		*target = v
	}
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

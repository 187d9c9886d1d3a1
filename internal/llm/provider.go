package llm

import (
	"context"
	"strings"
	"time"

	"dataassistant/internal/config"
)

// New builds the chat client selected by cfg.LLM.Provider. Providers typed
// "openai-compatible" use the raw HTTP client; openai, claude and gemini go
// through eino.
func New(ctx context.Context, cfg *config.Config) (ChatClient, error) {
	name := cfg.LLM.Provider
	prov := cfg.ActiveProvider()
	timeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second

	kind := strings.ToLower(strings.TrimSpace(prov.Type))
	if kind == "" {
		kind = strings.ToLower(name)
	}
	switch kind {
	case "openai", "claude", "gemini":
		client, err := NewEinoClient(ctx, EinoConfig{
			Provider:    kind,
			BaseURL:     prov.BaseURL,
			Model:       prov.Model,
			APIKey:      prov.APIKey,
			Temperature: cfg.LLM.Temperature,
			Timeout:     timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return NewClient(ClientConfig{
			BaseURL:     prov.BaseURL,
			APIKey:      prov.APIKey,
			Model:       prov.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     timeout,
		}), nil
	}
}

package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
)

// NewProvider builds the provider selected by cfg.LLM.Provider
func NewProvider(cfg *config.Config) (Provider, error) {
	key := cfg.APIKey()
	switch cfg.LLM.Provider {
	case "openai":
		return NewOpenAI(OpenAIConfig{
			Endpoint:    cfg.LLM.Endpoint,
			APIKey:      key,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	case "anthropic":
		endpoint := cfg.LLM.Endpoint
		if endpoint == config.Default().LLM.Endpoint {
			endpoint = ""
		}
		return NewAnthropic(AnthropicConfig{
			Endpoint:    endpoint,
			APIKey:      key,
			APIVersion:  cfg.LLM.APIVersion,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}), nil
	case "gollm":
		return NewGollm(GollmConfig{
			Backend:     cfg.LLM.Backend,
			APIKey:      key,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// NewRetryPolicy builds the rate-limit policy from config and logs each retry
func NewRetryPolicy(cfg *config.Config, logger *zap.Logger) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = cfg.Retry.MaxRetries
	if d := cfg.RetryBaseDelay(); d > 0 {
		p.BaseDelay = d
	}
	if cfg.Retry.Multiplier > 0 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	if logger != nil {
		p.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("rate limited, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
	}
	return p
}

// NewPriceTableFromConfig converts the configured prices
func NewPriceTableFromConfig(cfg *config.Config) PriceTable {
	prices := make(map[string]Price, len(cfg.LLM.Prices))
	for name, p := range cfg.LLM.Prices {
		prices[name] = Price{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	return NewPriceTable(prices, cfg.LLM.USDToEUR)
}

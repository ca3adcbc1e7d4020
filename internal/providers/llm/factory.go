package llm

import (
	"context"
	"fmt"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
)

// NewProvider creates the chat provider named by configuration. The
// same provider serves generation, summarization and evaluation.
func NewProvider(ctx context.Context, cfg *config.AppConfig) (core.ChatProvider, error) {
	log.FromCtx(ctx).Info().
		Str("provider", cfg.Provider).
		Msg("starting llm provider")

	switch cfg.Provider {
	case "openai":
		c := config.NewOpenAIConfig(ctx)
		return NewOpenAI(c.APIKey, c.Model), nil
	case "openrouter":
		c := config.NewOpenRouterConfig(ctx)
		return NewOpenRouter(c.APIKey, c.Model), nil
	case "ollama":
		c := config.NewOllamaConfig(ctx)
		return NewOllama(c.BaseURL, c.APIKey, c.Model), nil
	case "custom":
		c := config.NewCustomConfig(ctx)
		return NewOpenAICompatible(OpenAICompatibleConfig{
			BaseURL:    c.BaseURL,
			APIKey:     c.APIKey,
			Model:      c.Model,
			AuthHeader: "Authorization",
			AuthPrefix: "Bearer ",
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

package config

import (
	"context"

	"github.com/caarlos0/env/v11"
	"github.com/engramlabs/engram/pkg/log"
)

type OpenRouterConfig struct {
	APIKey string `env:"OPENROUTER_API_KEY,required,notEmpty"`
	Model  string `env:"OPENROUTER_MODEL" envDefault:"anthropic/claude-3.7-sonnet"`
}

func NewOpenRouterConfig(ctx context.Context) *OpenRouterConfig {
	c := &OpenRouterConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse OpenRouter config")
	}
	return c
}

type OpenAIConfig struct {
	APIKey string `env:"OPENAI_API_KEY,required,notEmpty"`
	Model  string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
}

func NewOpenAIConfig(ctx context.Context) *OpenAIConfig {
	c := &OpenAIConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse OpenAI config")
	}
	return c
}

type OllamaConfig struct {
	BaseURL string `env:"OLLAMA_BASE_URL" envDefault:"http://localhost:11434"`
	APIKey  string `env:"OLLAMA_API_KEY"`
	Model   string `env:"OLLAMA_MODEL" envDefault:"llama3.1"`
}

func NewOllamaConfig(ctx context.Context) *OllamaConfig {
	c := &OllamaConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse Ollama config")
	}
	return c
}

type CustomConfig struct {
	BaseURL string `env:"CUSTOM_OPENAI_BASE_URL,required,notEmpty"`
	APIKey  string `env:"CUSTOM_OPENAI_API_KEY"`
	Model   string `env:"CUSTOM_OPENAI_MODEL,required,notEmpty"`
}

func NewCustomConfig(ctx context.Context) *CustomConfig {
	c := &CustomConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse custom provider config")
	}
	return c
}

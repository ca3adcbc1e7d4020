package config

import (
	"context"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/engramlabs/engram/pkg/log"
)

type AppConfig struct {
	RuntimePath string `env:"ENGRAM_RUNTIME_PATH" envDefault:".engram"`

	// Provider selects the chat backend shared by all three oracles.
	Provider string `env:"LLM_PROVIDER" envDefault:"openrouter"`

	// ConversationID names the conversation the CLI front-end resumes.
	ConversationID string `env:"ENGRAM_CONVERSATION" envDefault:"default"`
}

func NewAppConfig(ctx context.Context) *AppConfig {
	c := &AppConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse app config")
	}
	return c
}

func (c AppConfig) GetRuntimePath() string {
	return c.RuntimePath
}

func (c AppConfig) GetDatabasePath() string {
	return filepath.Join(c.RuntimePath, "engram.db")
}

func (c AppConfig) GetPersonaPath() string {
	return filepath.Join(c.RuntimePath, "PERSONA.md")
}

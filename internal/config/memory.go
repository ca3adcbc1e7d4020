package config

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/engramlabs/engram/pkg/log"
)

// MemoryConfig holds the consolidation and assembly policy. The word
// thresholds drive the trigger; the token budget bounds the assembled
// context block.
type MemoryConfig struct {
	// WordHighWater trips consolidation once the active, non-ephemeral
	// turns exceed it.
	WordHighWater int `env:"MEMORY_WORD_HIGH_WATER" envDefault:"2500"`

	// WordConsolidate is the minimum word mass folded per run.
	WordConsolidate int `env:"MEMORY_WORD_CONSOLIDATE" envDefault:"1250"`

	// RecentTurns is how many visible turns ride along verbatim.
	RecentTurns int `env:"MEMORY_RECENT_TURNS" envDefault:"5"`

	// ContextTokenBudget caps the rendered context block. Zero disables
	// the cap and the baseline include-everything policy applies.
	ContextTokenBudget int `env:"MEMORY_CONTEXT_TOKEN_BUDGET" envDefault:"0"`

	OracleTimeout time.Duration `env:"MEMORY_ORACLE_TIMEOUT" envDefault:"60s"`
	OracleRetries int           `env:"MEMORY_ORACLE_RETRIES" envDefault:"2"`

	// MaxConversationLength guards the interactive loop against runaway
	// scripted drivers.
	MaxConversationLength int `env:"MEMORY_MAX_CONVERSATION_LENGTH" envDefault:"1000"`
}

func NewMemoryConfig(ctx context.Context) *MemoryConfig {
	c := &MemoryConfig{}
	if err := env.Parse(c); err != nil {
		log.FromCtx(ctx).Fatal().Err(err).Msg("failed to parse memory config")
	}
	return c
}

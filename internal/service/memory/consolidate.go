package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/retry"
)

const consolidationSystemPrompt = "You are the memory maintenance half of a conversational agent. Output only valid JSON."

// Consolidator folds a window of turns into durable knowledge: one
// summary, plus new and updated entities and facts. A failed oracle
// call leaves the turn log untouched, so the same window is selected
// again on the next trigger.
type Consolidator struct {
	repo    core.KnowledgeRepository
	ai      core.ChatProvider
	retrier *retry.Retrier
	timeout time.Duration
}

func NewConsolidator(repo core.KnowledgeRepository, ai core.ChatProvider, cfg *config.MemoryConfig) *Consolidator {
	retryCfg := retry.NewDefaultConfig()
	retryCfg.MaxRetries = cfg.OracleRetries

	return &Consolidator{
		repo:    repo,
		ai:      ai,
		retrier: retry.NewRetrier(retryCfg),
		timeout: cfg.OracleTimeout,
	}
}

func (c *Consolidator) Consolidate(ctx context.Context, conversationID string, window []core.Turn) error {
	if len(window) == 0 {
		return nil
	}
	logger := log.FromCtx(ctx)

	knowledge, err := c.repo.ActiveKnowledge(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load knowledge for consolidation: %w", err)
	}

	prompt := buildConsolidationPrompt(renderKnowledgeContext(knowledge), renderTranscript(window))
	request := []core.Message{
		{Role: core.RoleSystem, Content: consolidationSystemPrompt},
		{Role: core.RoleUser, Content: prompt},
	}

	var response core.Message
	err = c.retrier.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		m, err := c.ai.Chat(callCtx, request)
		if err != nil {
			return err
		}
		response = m
		return nil
	})
	if err != nil {
		// Nothing was hidden; the window stays eligible.
		return fmt.Errorf("consolidation oracle: %w", err)
	}

	parsed, err := parseConsolidationResponse(response.Content)
	if err != nil {
		return err
	}

	apply := buildApply(conversationID, window, parsed)
	if err := c.repo.ApplyConsolidation(ctx, apply); err != nil {
		return err
	}

	logger.Info().
		Int("turns", len(window)).
		Int("new_facts", len(apply.NewFacts)).
		Int("updated_facts", len(apply.UpdatedFacts)).
		Int("new_entities", len(apply.NewEntities)).
		Msg("consolidated window into knowledge")
	return nil
}

// buildApply translates the oracle response into one atomic mutation.
// Invalid fact kinds fall back to base; score clamping and alias
// resolution happen at the storage boundary.
func buildApply(conversationID string, window []core.Turn, parsed consolidationResponse) core.ConsolidationApply {
	atTurn := window[len(window)-1].ID

	hideIDs := make([]int64, 0, len(window))
	for _, t := range window {
		hideIDs = append(hideIDs, t.ID)
	}

	apply := core.ConsolidationApply{
		ConversationID: conversationID,
		AtTurnIndex:    atTurn,
		HideTurnIDs:    hideIDs,
		Summary: core.NewSummary{
			Body:               parsed.Summary.Body,
			Importance:         parsed.Summary.Importance,
			Salience:           parsed.Summary.Salience,
			RelatedEntityNames: parsed.Summary.RelatedEntities,
		},
	}

	for _, e := range parsed.NewEntities {
		apply.NewEntities = append(apply.NewEntities, core.NewEntity{
			Aliases: e.Aliases,
			Brief:   e.Brief,
		})
	}
	for _, e := range parsed.UpdatedEntities {
		apply.UpdatedEntities = append(apply.UpdatedEntities, core.UpdatedEntity{
			NewEntity:    core.NewEntity{Aliases: e.Aliases, Brief: e.Brief},
			SupersedesID: e.SupersedesID,
		})
	}
	for _, f := range parsed.NewFacts {
		apply.NewFacts = append(apply.NewFacts, toNewFact(f))
	}
	for _, f := range parsed.UpdatedFacts {
		apply.UpdatedFacts = append(apply.UpdatedFacts, core.UpdatedFact{
			NewFact:      toNewFact(f.oracleFact),
			SupersedesID: f.SupersedesID,
		})
	}
	return apply
}

func toNewFact(f oracleFact) core.NewFact {
	kind := core.FactKind(f.Kind)
	if !kind.Valid() {
		kind = core.FactBase
	}
	return core.NewFact{
		Body:               f.Body,
		Kind:               kind,
		Importance:         f.Importance,
		Salience:           f.Salience,
		RelatedEntityNames: f.RelatedEntities,
	}
}

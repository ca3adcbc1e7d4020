package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/retry"
)

const evaluationSystemPrompt = "You grade how useful each piece of provided context was. Output only valid JSON."

// Evaluator closes the feedback loop: after a generation call it asks
// the evaluation oracle to score each injected context item and
// records the scores as append-only usage records.
type Evaluator struct {
	repo    core.KnowledgeRepository
	ai      core.ChatProvider
	retrier *retry.Retrier
	timeout time.Duration
}

func NewEvaluator(repo core.KnowledgeRepository, ai core.ChatProvider, cfg *config.MemoryConfig) *Evaluator {
	retryCfg := retry.NewDefaultConfig()
	retryCfg.MaxRetries = cfg.OracleRetries

	return &Evaluator{
		repo:    repo,
		ai:      ai,
		retrier: retry.NewRetrier(retryCfg),
		timeout: cfg.OracleTimeout,
	}
}

// Evaluate scores the block that was used to produce newTurn. A block
// with no items is skipped without an oracle call. Scores for ids that
// were not actually in the block are dropped: the oracle sometimes
// invents ids, and an invented id must not grow a usage history.
func (e *Evaluator) Evaluate(ctx context.Context, conversationID string, block core.ContextBlock, priorTurns []core.Turn, newTurn core.Turn) error {
	if block.Empty() {
		return nil
	}
	logger := log.FromCtx(ctx)

	prompt := buildEvaluationPrompt(
		renderEvaluationContext(block),
		renderTranscript(priorTurns),
		fmt.Sprintf("Assistant's new response: %s", newTurn.Content),
	)
	request := []core.Message{
		{Role: core.RoleSystem, Content: evaluationSystemPrompt},
		{Role: core.RoleUser, Content: prompt},
	}

	var response core.Message
	err := e.retrier.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		m, err := e.ai.Chat(callCtx, request)
		if err != nil {
			return err
		}
		response = m
		return nil
	})
	if err != nil {
		return fmt.Errorf("evaluation oracle: %w", err)
	}

	evals, err := parseEvaluationResponse(response.Content)
	if err != nil {
		return err
	}

	included := make(map[int64]bool, len(block.ItemIDs))
	for _, id := range block.ItemIDs {
		included[id] = true
	}

	var records []core.UsageRecord
	for _, ev := range evals {
		if !included[ev.ID] {
			logger.Warn().Int64("id", ev.ID).Msg("evaluation references an id not in the context block, dropping")
			continue
		}
		records = append(records, core.UsageRecord{
			ContextItemID: ev.ID,
			AtTurnIndex:   newTurn.ID,
			Usefulness:    clampUsefulness(ev.Usefulness),
		})
	}

	if len(records) == 0 {
		return nil
	}
	if err := e.repo.AddUsageRecords(ctx, records); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	logger.Debug().Int("records", len(records)).Msg("recorded context usefulness")
	return nil
}

// renderEvaluationContext mirrors RenderBlock but marks the entity
// briefs as ungraded: they carry no ids and the oracle should not
// score them.
func renderEvaluationContext(block core.ContextBlock) string {
	graded := core.ContextBlock{Summaries: block.Summaries, Facts: block.Facts}

	var header string
	if len(block.Entities) > 0 {
		parts := []string{"## Key Entities (not graded, for your information only):"}
		for _, e := range block.Entities {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Name(), e.Brief))
		}
		header = strings.Join(parts, "\n") + "\n\n"
	}

	return header + "# Things for you to evaluate:\n" + RenderBlock(graded)
}

func clampUsefulness(v int) int {
	if v < 0 {
		return 0
	}
	if v > 2 {
		return 2
	}
	return v
}

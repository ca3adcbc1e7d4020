package chat

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/internal/service/memory"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/retry"
)

// DegradedResponse is returned when the generation oracle fails after
// retries. It is clearly marked rather than fabricated, and it still
// lands in the turn log so the conversation record stays honest.
const DegradedResponse = "(no response)"

// Engine runs one conversation turn end to end: append the user turn,
// assemble context, generate, append the response, then hand feedback
// evaluation and the consolidation check to the background queue.
type Engine struct {
	turns        core.TurnRepository
	knowledge    core.KnowledgeRepository
	ai           core.ChatProvider
	assembler    *memory.Assembler
	consolidator *memory.Consolidator
	evaluator    *memory.Evaluator
	policy       memory.Policy
	queue        *memory.Queue

	retrier      *retry.Retrier
	timeout      time.Duration
	systemPrompt string
}

func NewEngine(
	ctx context.Context,
	appCfg *config.AppConfig,
	memCfg *config.MemoryConfig,
	turns core.TurnRepository,
	knowledge core.KnowledgeRepository,
	ai core.ChatProvider,
	queue *memory.Queue,
) *Engine {
	retryCfg := retry.NewDefaultConfig()
	retryCfg.MaxRetries = memCfg.OracleRetries

	return &Engine{
		turns:        turns,
		knowledge:    knowledge,
		ai:           ai,
		assembler:    memory.NewAssembler(ctx, knowledge, turns, memCfg),
		consolidator: memory.NewConsolidator(knowledge, ai, memCfg),
		evaluator:    memory.NewEvaluator(knowledge, ai, memCfg),
		policy:       memory.NewPolicy(memCfg),
		queue:        queue,
		retrier:      retry.NewRetrier(retryCfg),
		timeout:      memCfg.OracleTimeout,
		systemPrompt: loadPersona(appCfg.GetPersonaPath()),
	}
}

func loadPersona(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

// ProcessTurn handles one user turn and returns the assistant's
// response. Turn processing for one conversation is strictly
// sequential: it first waits out any in-flight background work, so
// assembly always observes the post-consolidation knowledge state.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID, input string) (string, error) {
	logger := log.FromCtx(ctx)

	e.queue.Wait(conversationID)

	userTurn := core.NewTurn(conversationID, core.RoleUser, input)
	userID, err := e.turns.Append(ctx, userTurn)
	if err != nil {
		return "", fmt.Errorf("failed to save user turn: %w", err)
	}
	userTurn.ID = userID

	block, err := e.assembler.Assemble(ctx, conversationID)
	if err != nil {
		return "", err
	}

	visible, err := e.turns.ActiveTurns(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch history: %w", err)
	}

	response, degraded := e.generate(ctx, block, visible)

	assistantTurn := core.NewTurn(conversationID, core.RoleAssistant, response)
	assistantID, err := e.turns.Append(ctx, assistantTurn)
	if err != nil {
		return "", fmt.Errorf("failed to save assistant turn: %w", err)
	}
	assistantTurn.ID = assistantID

	// The prior conversation the evaluator sees excludes the new turn.
	prior := visible

	if !degraded {
		e.queue.Enqueue(conversationID, "feedback", func(ctx context.Context) error {
			return e.evaluator.Evaluate(ctx, conversationID, block, prior, assistantTurn)
		})
	}

	e.queue.Enqueue(conversationID, "consolidation", e.consolidationJob(conversationID))

	if degraded {
		logger.Warn().Str("conversation", conversationID).Msg("returning degraded response")
	}
	return response, nil
}

// generate calls the generation oracle with persona + context block +
// visible history. The context block rides along as an ephemeral
// system message: it is injected for this call only and never
// persisted.
func (e *Engine) generate(ctx context.Context, block core.ContextBlock, visible []core.Turn) (string, bool) {
	messages := make([]core.Message, 0, len(visible)+2)
	if e.systemPrompt != "" {
		messages = append(messages, core.Message{Role: core.RoleSystem, Content: e.systemPrompt})
	}
	if rendered := memory.RenderBlock(block); rendered != "" {
		messages = append(messages, core.Message{
			Role:    core.RoleSystem,
			Content: "RELEVANT MEMORY:\n" + rendered,
		})
	}
	for _, t := range visible {
		messages = append(messages, t.ToMessage())
	}

	var response core.Message
	err := e.retrier.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		m, err := e.ai.Chat(callCtx, messages)
		if err != nil {
			return err
		}
		response = m
		return nil
	})
	if err != nil {
		log.FromCtx(ctx).Error().Err(err).Msg("generation failed after retries")
		return DegradedResponse, true
	}
	return response.Content, false
}

// consolidationJob re-reads the log inside the background worker and
// re-checks the trigger there. If an earlier queued run already shrank
// the window, this one is suppressed instead of double-archiving.
func (e *Engine) consolidationJob(conversationID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		active, err := e.turns.ActiveTurns(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("consolidation trigger check: %w", err)
		}
		if !e.policy.ShouldConsolidate(active) {
			return nil
		}
		window, startIndex := e.policy.SelectWindow(active)
		log.FromCtx(ctx).Info().
			Str("conversation", conversationID).
			Int("window", len(window)).
			Int64("start_index", startIndex).
			Msg("consolidation triggered")
		return e.consolidator.Consolidate(ctx, conversationID, window)
	}
}

// Flush waits for the conversation's background work to settle. The
// front-ends call it before exiting so no consolidation is lost.
func (e *Engine) Flush(conversationID string) {
	e.queue.Wait(conversationID)
}

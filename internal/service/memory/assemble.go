package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
)

// Assembler builds the bounded context block injected before every
// generation call. The baseline policy includes every non-retired
// item; ranking only kicks in when a token budget is configured and
// the rendered block would exceed it.
type Assembler struct {
	knowledge core.KnowledgeRepository
	turns     core.TurnRepository

	recentTurns int
	tokenBudget int
	encoder     *tiktoken.Tiktoken
}

func NewAssembler(ctx context.Context, knowledge core.KnowledgeRepository, turns core.TurnRepository, cfg *config.MemoryConfig) *Assembler {
	a := &Assembler{
		knowledge:   knowledge,
		turns:       turns,
		recentTurns: cfg.RecentTurns,
		tokenBudget: cfg.ContextTokenBudget,
	}

	if cfg.ContextTokenBudget > 0 {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Offline or missing encoding data: fall back to the word
			// estimate in countTokens.
			log.FromCtx(ctx).Warn().Err(err).Msg("tiktoken unavailable, using word-based token estimate")
		} else {
			a.encoder = enc
		}
	}
	return a
}

// Assemble is a pure read: it never mutates the store, and on any
// storage error it returns nothing rather than a partial block.
func (a *Assembler) Assemble(ctx context.Context, conversationID string) (core.ContextBlock, error) {
	k, err := a.knowledge.ActiveKnowledge(ctx, conversationID)
	if err != nil {
		return core.ContextBlock{}, fmt.Errorf("assemble context: %w", err)
	}

	recent, err := a.turns.RecentTurns(ctx, conversationID, a.recentTurns)
	if err != nil {
		return core.ContextBlock{}, fmt.Errorf("assemble recent turns: %w", err)
	}

	block := core.ContextBlock{
		Entities:    k.Entities,
		Summaries:   k.Summaries, // already oldest first
		Facts:       k.Facts,
		RecentTurns: recent,
	}
	block.ItemIDs = collectItemIDs(block)

	if a.tokenBudget > 0 && a.countTokens(RenderBlock(block)) > a.tokenBudget {
		block, err = a.truncate(ctx, conversationID, block)
		if err != nil {
			return core.ContextBlock{}, err
		}
	}

	return block, nil
}

func collectItemIDs(block core.ContextBlock) []int64 {
	ids := make([]int64, 0, len(block.Summaries)+len(block.Facts))
	for _, s := range block.Summaries {
		ids = append(ids, s.ID)
	}
	for _, f := range block.Facts {
		ids = append(ids, f.ID)
	}
	return ids
}

// RenderBlock serializes the block for prompt injection. The [ID:n]
// tags let the evaluation oracle reference items back.
func RenderBlock(block core.ContextBlock) string {
	var parts []string

	if len(block.Entities) > 0 {
		parts = append(parts, "## Key Entities:")
		for _, e := range block.Entities {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Name(), e.Brief))
		}
	}

	if len(block.Summaries) > 0 {
		parts = append(parts, "\n## Conversation Summary:")
		for _, s := range block.Summaries {
			parts = append(parts, fmt.Sprintf("[ID:%d] %s", s.ID, s.Body))
		}
	}

	if len(block.Facts) > 0 {
		parts = append(parts, "\n## Facts:")
		for _, f := range block.Facts {
			parts = append(parts, fmt.Sprintf("[ID:%d] %s", f.ID, f.Body))
		}
	}

	return strings.Join(parts, "\n")
}

func (a *Assembler) countTokens(text string) int {
	if a.encoder != nil {
		return len(a.encoder.Encode(text, nil, nil))
	}
	// Rough English heuristic: a token is about three quarters of a word.
	return core.CountWords(text) * 4 / 3
}

type scoredItem struct {
	id        int64
	isSummary bool
	index     int
	score     float64
}

// truncate drops the lowest-scoring facts and summaries until the
// rendered block fits the budget. Entities and recent turns always
// stay. Ties break toward the lower id so output is deterministic.
func (a *Assembler) truncate(ctx context.Context, conversationID string, block core.ContextBlock) (core.ContextBlock, error) {
	stats, err := a.knowledge.UsageStats(ctx, block.ItemIDs)
	if err != nil {
		return core.ContextBlock{}, fmt.Errorf("usage stats for ranking: %w", err)
	}

	var latestTurn int64
	if n := len(block.RecentTurns); n > 0 {
		latestTurn = block.RecentTurns[n-1].ID
	}

	scored := make([]scoredItem, 0, len(block.ItemIDs))
	for i, s := range block.Summaries {
		scored = append(scored, scoredItem{
			id: s.ID, isSummary: true, index: i,
			score: itemScore(s.ContextItemMeta, stats[s.ID], latestTurn),
		})
	}
	for i, f := range block.Facts {
		scored = append(scored, scoredItem{
			id: f.ID, index: i,
			score: itemScore(f.ContextItemMeta, stats[f.ID], latestTurn),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].id < scored[j].id
	})

	// Keep items in rank order until the block fits. Rendering from
	// scratch each step is fine at the store sizes the policy allows.
	keepSummary := make(map[int64]bool)
	keepFact := make(map[int64]bool)
	for _, item := range scored {
		if item.isSummary {
			keepSummary[item.id] = true
		} else {
			keepFact[item.id] = true
		}
		candidate := filterBlock(block, keepSummary, keepFact)
		if a.countTokens(RenderBlock(candidate)) > a.tokenBudget {
			if item.isSummary {
				delete(keepSummary, item.id)
			} else {
				delete(keepFact, item.id)
			}
			break
		}
	}

	out := filterBlock(block, keepSummary, keepFact)
	out.ItemIDs = collectItemIDs(out)
	log.FromCtx(ctx).Debug().
		Str("conversation", conversationID).
		Int("kept", len(out.ItemIDs)).
		Int("dropped", len(block.ItemIDs)-len(out.ItemIDs)).
		Msg("context block truncated to budget")
	return out, nil
}

func filterBlock(block core.ContextBlock, keepSummary, keepFact map[int64]bool) core.ContextBlock {
	out := core.ContextBlock{
		Entities:    block.Entities,
		RecentTurns: block.RecentTurns,
	}
	for _, s := range block.Summaries {
		if keepSummary[s.ID] {
			out.Summaries = append(out.Summaries, s)
		}
	}
	for _, f := range block.Facts {
		if keepFact[f.ID] {
			out.Facts = append(out.Facts, f)
		}
	}
	return out
}

// itemScore combines importance, salience, recency and the
// Laplace-smoothed usefulness ratio. Smoothing keeps never-provided
// items from dividing by zero and gives them the benefit of the doubt.
func itemScore(meta core.ContextItemMeta, stats core.UsageStats, latestTurn int64) float64 {
	score := float64(meta.Importance + meta.Salience)

	// Recency counts from the latest version, not the original.
	lastTouched := meta.CreatedAtTurn
	if meta.UpdatedAtTurn != nil {
		lastTouched = *meta.UpdatedAtTurn
	}
	distance := float64(latestTurn - lastTouched)
	if distance < 0 {
		distance = 0
	}
	score += 10.0 / (1.0 + distance/50.0)

	score += 10.0 * float64(stats.TimesUseful+1) / float64(stats.TimesProvided+2)
	return score
}

package memory

import (
	"context"
	"strings"

	"github.com/engramlabs/engram/internal/core"
)

// mockKnowledgeRepo records mutations and serves canned reads.
type mockKnowledgeRepo struct {
	knowledge core.Knowledge
	stats     map[int64]core.UsageStats

	applied  []core.ConsolidationApply
	recorded []core.UsageRecord

	applyErr error
	readErr  error
}

func (m *mockKnowledgeRepo) ActiveKnowledge(ctx context.Context, conversationID string) (core.Knowledge, error) {
	if m.readErr != nil {
		return core.Knowledge{}, m.readErr
	}
	return m.knowledge, nil
}

func (m *mockKnowledgeRepo) EntityByAlias(ctx context.Context, conversationID, alias string) (core.Entity, error) {
	for _, e := range m.knowledge.Entities {
		for _, a := range e.Aliases {
			if a == alias {
				return e, nil
			}
		}
	}
	return core.Entity{}, core.ErrNotFound
}

func (m *mockKnowledgeRepo) ApplyConsolidation(ctx context.Context, apply core.ConsolidationApply) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, apply)
	return nil
}

func (m *mockKnowledgeRepo) AddUsageRecords(ctx context.Context, records []core.UsageRecord) error {
	m.recorded = append(m.recorded, records...)
	return nil
}

func (m *mockKnowledgeRepo) UsageStats(ctx context.Context, itemIDs []int64) (map[int64]core.UsageStats, error) {
	out := make(map[int64]core.UsageStats)
	for _, id := range itemIDs {
		out[id] = m.stats[id]
	}
	return out, nil
}

// mockTurnRepo is an in-memory turn log good enough for assembler and
// engine tests.
type mockTurnRepo struct {
	turns  []core.Turn
	nextID int64
}

func (m *mockTurnRepo) Append(ctx context.Context, t core.Turn) (int64, error) {
	if t.Ephemeral {
		return 0, nil
	}
	m.nextID++
	t.ID = m.nextID
	m.turns = append(m.turns, t)
	return t.ID, nil
}

func (m *mockTurnRepo) ActiveTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	var out []core.Turn
	for _, t := range m.turns {
		if t.ConversationID == conversationID && !t.Hidden {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTurnRepo) RecentTurns(ctx context.Context, conversationID string, limit int) ([]core.Turn, error) {
	active, _ := m.ActiveTurns(ctx, conversationID)
	if len(active) > limit {
		active = active[len(active)-limit:]
	}
	return active, nil
}

func (m *mockTurnRepo) MarkHidden(ctx context.Context, conversationID string, turnIDs []int64) error {
	hide := make(map[int64]bool, len(turnIDs))
	for _, id := range turnIDs {
		hide[id] = true
	}
	for i := range m.turns {
		if m.turns[i].ConversationID == conversationID && hide[m.turns[i].ID] {
			m.turns[i].Hidden = true
		}
	}
	return nil
}

func (m *mockTurnRepo) AllTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	var out []core.Turn
	for _, t := range m.turns {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

// mockProvider replays scripted responses in order.
type mockProvider struct {
	responses []string
	errs      []error
	calls     [][]core.Message
}

func (m *mockProvider) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	i := len(m.calls)
	m.calls = append(m.calls, history)
	if i < len(m.errs) && m.errs[i] != nil {
		return core.Message{}, m.errs[i]
	}
	resp := ""
	if i < len(m.responses) {
		resp = m.responses[i]
	}
	return core.Message{Role: core.RoleAssistant, Content: resp}, nil
}

func turnOfWords(id int64, sender string, words int) core.Turn {
	t := core.NewTurn("conv", sender, strings.TrimSpace(strings.Repeat("word ", words)))
	t.ID = id
	return t
}

func fact(id int64, body string, importance, salience int, createdAt int64) core.Fact {
	return core.Fact{
		ContextItemMeta: core.ContextItemMeta{
			ID:             id,
			ConversationID: "conv",
			Importance:     importance,
			Salience:       salience,
			CreatedAtTurn:  createdAt,
		},
		Body: body,
		Kind: core.FactBase,
	}
}

func summary(id int64, body string, importance, salience int, createdAt int64) core.MessageSummary {
	return core.MessageSummary{
		ContextItemMeta: core.ContextItemMeta{
			ID:             id,
			ConversationID: "conv",
			Importance:     importance,
			Salience:       salience,
			CreatedAtTurn:  createdAt,
		},
		Body: body,
	}
}

func entity(id int64, brief string, aliases ...string) core.Entity {
	return core.Entity{
		ID:             id,
		ConversationID: "conv",
		Aliases:        aliases,
		Brief:          brief,
	}
}

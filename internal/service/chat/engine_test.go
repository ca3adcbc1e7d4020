package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/internal/service/memory"
)

type stubTurns struct {
	turns  []core.Turn
	nextID int64
}

func (s *stubTurns) Append(ctx context.Context, t core.Turn) (int64, error) {
	if t.Ephemeral {
		return 0, nil
	}
	s.nextID++
	t.ID = s.nextID
	s.turns = append(s.turns, t)
	return t.ID, nil
}

func (s *stubTurns) ActiveTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	var out []core.Turn
	for _, t := range s.turns {
		if !t.Hidden {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTurns) RecentTurns(ctx context.Context, conversationID string, limit int) ([]core.Turn, error) {
	active, _ := s.ActiveTurns(ctx, conversationID)
	if len(active) > limit {
		active = active[len(active)-limit:]
	}
	return active, nil
}

func (s *stubTurns) MarkHidden(ctx context.Context, conversationID string, turnIDs []int64) error {
	hide := make(map[int64]bool, len(turnIDs))
	for _, id := range turnIDs {
		hide[id] = true
	}
	for i := range s.turns {
		if hide[s.turns[i].ID] {
			s.turns[i].Hidden = true
		}
	}
	return nil
}

func (s *stubTurns) AllTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	return s.turns, nil
}

type stubKnowledge struct {
	knowledge core.Knowledge
	applied   []core.ConsolidationApply
	recorded  []core.UsageRecord
	hider     interface {
		MarkHidden(ctx context.Context, conversationID string, turnIDs []int64) error
	}
}

func (s *stubKnowledge) ActiveKnowledge(ctx context.Context, conversationID string) (core.Knowledge, error) {
	return s.knowledge, nil
}

func (s *stubKnowledge) EntityByAlias(ctx context.Context, conversationID, alias string) (core.Entity, error) {
	return core.Entity{}, core.ErrNotFound
}

func (s *stubKnowledge) ApplyConsolidation(ctx context.Context, apply core.ConsolidationApply) error {
	s.applied = append(s.applied, apply)
	// Mirror the store: the summary becomes readable knowledge.
	s.knowledge.Summaries = append(s.knowledge.Summaries, core.MessageSummary{
		ContextItemMeta: core.ContextItemMeta{
			ID:             int64(100 + len(s.applied)),
			ConversationID: apply.ConversationID,
			Importance:     apply.Summary.Importance,
			Salience:       apply.Summary.Salience,
			CreatedAtTurn:  apply.AtTurnIndex,
		},
		Body:             apply.Summary.Body,
		ContainedTurnIDs: apply.HideTurnIDs,
	})
	if s.hider != nil {
		return s.hider.MarkHidden(ctx, apply.ConversationID, apply.HideTurnIDs)
	}
	return nil
}

func (s *stubKnowledge) AddUsageRecords(ctx context.Context, records []core.UsageRecord) error {
	s.recorded = append(s.recorded, records...)
	return nil
}

func (s *stubKnowledge) UsageStats(ctx context.Context, itemIDs []int64) (map[int64]core.UsageStats, error) {
	return map[int64]core.UsageStats{}, nil
}

type stubProvider struct {
	responses []string
	errs      []error
	calls     [][]core.Message
}

func (s *stubProvider) Chat(ctx context.Context, history []core.Message) (core.Message, error) {
	i := len(s.calls)
	s.calls = append(s.calls, history)
	if i < len(s.errs) && s.errs[i] != nil {
		return core.Message{}, s.errs[i]
	}
	resp := ""
	if i < len(s.responses) {
		resp = s.responses[i]
	}
	return core.Message{Role: core.RoleAssistant, Content: resp}, nil
}

func testConfigs(t *testing.T) (*config.AppConfig, *config.MemoryConfig) {
	t.Helper()
	appCfg := &config.AppConfig{
		RuntimePath:    t.TempDir(),
		Provider:       "custom",
		ConversationID: "conv",
	}
	memCfg := &config.MemoryConfig{
		WordHighWater:   2500,
		WordConsolidate: 1250,
		RecentTurns:     5,
		OracleTimeout:   time.Second,
		OracleRetries:   0,
	}
	return appCfg, memCfg
}

func newTestEngine(t *testing.T, memCfg *config.MemoryConfig, turns *stubTurns, knowledge *stubKnowledge, ai *stubProvider) *Engine {
	t.Helper()
	appCfg, defCfg := testConfigs(t)
	if memCfg == nil {
		memCfg = defCfg
	}
	queue := memory.NewQueue(context.Background())
	t.Cleanup(func() { queue.Close() })
	return NewEngine(context.Background(), appCfg, memCfg, turns, knowledge, ai, queue)
}

func TestProcessTurn(t *testing.T) {
	t.Parallel()

	turns := &stubTurns{}
	knowledge := &stubKnowledge{}
	ai := &stubProvider{responses: []string{"hello, traveler"}}
	e := newTestEngine(t, nil, turns, knowledge, ai)

	response, err := e.ProcessTurn(context.Background(), "conv", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Flush("conv")

	if response != "hello, traveler" {
		t.Errorf("response = %q", response)
	}
	if len(turns.turns) != 2 {
		t.Fatalf("logged %d turns, want 2", len(turns.turns))
	}
	if turns.turns[0].Sender != core.RoleUser || turns.turns[1].Sender != core.RoleAssistant {
		t.Errorf("turn senders = %q, %q", turns.turns[0].Sender, turns.turns[1].Sender)
	}
	// Empty memory block: the evaluation oracle is never consulted.
	if len(ai.calls) != 1 {
		t.Errorf("provider called %d times, want 1", len(ai.calls))
	}
}

func TestProcessTurn_MemoryRidesAlongEphemerally(t *testing.T) {
	t.Parallel()

	turns := &stubTurns{}
	knowledge := &stubKnowledge{
		knowledge: core.Knowledge{
			Facts: []core.Fact{{
				ContextItemMeta: core.ContextItemMeta{ID: 3, ConversationID: "conv", Importance: 5, Salience: 5},
				Body:            "the gate needs a password",
				Kind:            core.FactBase,
			}},
		},
	}
	ai := &stubProvider{responses: []string{"try 'swordfish'", `[{"id": 3, "usefulness": 2}]`}}
	e := newTestEngine(t, nil, turns, knowledge, ai)

	if _, err := e.ProcessTurn(context.Background(), "conv", "what was the password?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Flush("conv")

	// The injected memory must not land in the persistent log.
	for _, turn := range turns.turns {
		if turn.Sender == core.RoleSystem {
			t.Errorf("context block persisted as turn: %+v", turn)
		}
	}

	// But it must reach the generation call as a system message.
	gen := ai.calls[0]
	foundMemory := false
	for _, m := range gen {
		if m.Role == core.RoleSystem && len(m.Content) > 0 {
			foundMemory = true
		}
	}
	if !foundMemory {
		t.Error("generation call carried no memory block")
	}

	// And the feedback loop graded it afterwards.
	if len(knowledge.recorded) != 1 || knowledge.recorded[0].ContextItemID != 3 {
		t.Errorf("usage records = %+v", knowledge.recorded)
	}
}

func TestProcessTurn_DegradedResponse(t *testing.T) {
	t.Parallel()

	turns := &stubTurns{}
	knowledge := &stubKnowledge{
		knowledge: core.Knowledge{
			Facts: []core.Fact{{
				ContextItemMeta: core.ContextItemMeta{ID: 3, ConversationID: "conv"},
				Body:            "a fact",
				Kind:            core.FactBase,
			}},
		},
	}
	ai := &stubProvider{errs: []error{errors.New("upstream down")}}
	e := newTestEngine(t, nil, turns, knowledge, ai)

	response, err := e.ProcessTurn(context.Background(), "conv", "hello?")
	if err != nil {
		t.Fatalf("degraded turn should not error: %v", err)
	}
	e.Flush("conv")

	if response != DegradedResponse {
		t.Errorf("response = %q, want %q", response, DegradedResponse)
	}
	// The marker still lands in the log.
	if len(turns.turns) != 2 || turns.turns[1].Content != DegradedResponse {
		t.Errorf("turns = %+v", turns.turns)
	}
	// No feedback on a degraded turn: one provider call total.
	if len(ai.calls) != 1 {
		t.Errorf("provider called %d times, want 1", len(ai.calls))
	}
	if len(knowledge.recorded) != 0 {
		t.Errorf("usage recorded for a degraded turn: %+v", knowledge.recorded)
	}
}

func TestProcessTurn_TriggersConsolidation(t *testing.T) {
	t.Parallel()

	_, memCfg := testConfigs(t)
	memCfg.WordHighWater = 10
	memCfg.WordConsolidate = 5

	turns := &stubTurns{}
	knowledge := &stubKnowledge{hider: turns}
	ai := &stubProvider{responses: []string{
		"a reply that is long enough to trip the trigger",
		`{"summary": {"body": "met at the gate", "importance": 5, "salience": 5}}`,
	}}
	e := newTestEngine(t, memCfg, turns, knowledge, ai)

	if _, err := e.ProcessTurn(context.Background(), "conv", "a greeting that also has several words in it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Flush("conv")

	if len(knowledge.applied) != 1 {
		t.Fatalf("applied %d consolidations, want 1", len(knowledge.applied))
	}
	apply := knowledge.applied[0]
	if len(apply.HideTurnIDs) != 2 {
		t.Errorf("hide ids = %v, want both turns", apply.HideTurnIDs)
	}
	if apply.Summary.Body != "met at the gate" {
		t.Errorf("summary = %q", apply.Summary.Body)
	}

	// The window is hidden, so the next trigger check starts clean.
	active, _ := turns.ActiveTurns(context.Background(), "conv")
	if len(active) != 0 {
		t.Errorf("turns still active after consolidation: %+v", active)
	}
}

func TestProcessTurn_SecondTurnSeesConsolidatedState(t *testing.T) {
	t.Parallel()

	_, memCfg := testConfigs(t)
	memCfg.WordHighWater = 10
	memCfg.WordConsolidate = 5

	turns := &stubTurns{}
	knowledge := &stubKnowledge{hider: turns}
	ai := &stubProvider{responses: []string{
		"a reply that is long enough to trip the trigger",
		`{"summary": {"body": "met at the gate", "importance": 5, "salience": 5}}`,
		"a short reply",
		`[{"id": 101, "usefulness": 1}]`,
	}}
	e := newTestEngine(t, memCfg, turns, knowledge, ai)

	if _, err := e.ProcessTurn(context.Background(), "conv", "a greeting that also has several words in it"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No flush in between: the second turn's own read barrier has to
	// wait out the background consolidation.
	if _, err := e.ProcessTurn(context.Background(), "conv", "and then?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Flush("conv")

	if len(ai.calls) != 4 {
		t.Fatalf("provider called %d times, want 4", len(ai.calls))
	}

	// The second generation call runs against the consolidated state:
	// the summary rides along, the folded exchange does not.
	gen := ai.calls[2]
	sawSummary := false
	for _, m := range gen {
		if m.Role == core.RoleSystem && strings.Contains(m.Content, "met at the gate") {
			sawSummary = true
		}
		if strings.Contains(m.Content, "trip the trigger") && m.Role != core.RoleSystem {
			t.Errorf("consolidated turn still in history: %+v", m)
		}
	}
	if !sawSummary {
		t.Error("second generation call carried no consolidation summary")
	}

	// And the feedback loop grades the summary that was injected.
	if len(knowledge.recorded) != 1 || knowledge.recorded[0].ContextItemID != 101 {
		t.Errorf("usage records = %+v", knowledge.recorded)
	}
}

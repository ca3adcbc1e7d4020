package core

import "context"

// TurnRepository owns the append-only turn log.
type TurnRepository interface {
	// Append stores a turn and returns its assigned index. Indices are
	// strictly increasing and never reused.
	Append(ctx context.Context, t Turn) (int64, error)
	// ActiveTurns returns the non-hidden turns, oldest first.
	ActiveTurns(ctx context.Context, conversationID string) ([]Turn, error)
	// RecentTurns returns the last limit non-hidden turns, oldest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	// MarkHidden is idempotent: hiding an already-hidden turn is a no-op,
	// so a retried consolidation cannot fail here.
	MarkHidden(ctx context.Context, conversationID string, turnIDs []int64) error
	// AllTurns returns every turn including hidden ones (audit trail).
	AllTurns(ctx context.Context, conversationID string) ([]Turn, error)
}

// KnowledgeRepository owns entities, facts, summaries and usage
// records. Stored items are immutable; versioning happens through
// ApplyConsolidation.
type KnowledgeRepository interface {
	// ActiveKnowledge returns the non-retired store contents.
	ActiveKnowledge(ctx context.Context, conversationID string) (Knowledge, error)
	// EntityByAlias resolves an entity by exact alias match, including
	// non-canonical aliases. Returns ErrNotFound when no alias matches.
	EntityByAlias(ctx context.Context, conversationID, alias string) (Entity, error)
	// ApplyConsolidation applies one consolidation result atomically:
	// hides the window turns, inserts the summary and the new
	// entities/facts, and versions the updated ones. Either every effect
	// lands or none do.
	ApplyConsolidation(ctx context.Context, apply ConsolidationApply) error
	// AddUsageRecords appends usage records. Never mutates existing ones.
	AddUsageRecords(ctx context.Context, records []UsageRecord) error
	// UsageStats returns per-item aggregates for the given item ids.
	UsageStats(ctx context.Context, itemIDs []int64) (map[int64]UsageStats, error)
}

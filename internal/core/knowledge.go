package core

import "time"

// FactKind discriminates the fact variants. The optional link fields on
// Fact are only meaningful for the matching kind.
type FactKind string

const (
	FactBase      FactKind = "base"
	FactQuestion  FactKind = "question"
	FactObjective FactKind = "objective"
	FactTheory    FactKind = "theory"
)

func (k FactKind) Valid() bool {
	switch k {
	case FactBase, FactQuestion, FactObjective, FactTheory:
		return true
	}
	return false
}

const (
	ScoreMin = 0
	ScoreMax = 10
)

// ContextItemMeta is the shared part of Fact and MessageSummary. Items
// live in a single id space and are immutable once written: an update
// inserts a new row and sets RetiredBy on the superseded one. An item
// with RetiredBy set never appears in assembled context.
type ContextItemMeta struct {
	ID             int64
	ConversationID string
	Importance     int // 0..10
	Salience       int // 0..10
	CreatedAtTurn  int64
	UpdatedAtTurn  *int64
	RetiredBy      *int64
	CreatedAt      time.Time
}

func (m ContextItemMeta) Retired() bool {
	return m.RetiredBy != nil
}

// Fact is a short, timeless statement. Kind-specific links:
// a theory cites EvidenceIDs, a question cites candidate TheoryIDs,
// an objective may point at a ParentObjectiveID.
type Fact struct {
	ContextItemMeta
	Body              string
	Kind              FactKind
	RelatedEntityIDs  []int64
	EvidenceIDs       []int64
	TheoryIDs         []int64
	ParentObjectiveID *int64
}

// MessageSummary is the durable record of one consolidation run: the
// exact window of turns it folded plus the knowledge it touched.
type MessageSummary struct {
	ContextItemMeta
	Body             string
	RelatedEntityIDs []int64
	RelatedFactIDs   []int64
	ContainedTurnIDs []int64
}

// Entity is a named thing the conversation keeps referring to. The
// first alias is the canonical display name; every alias is unique
// across the store and resolvable by exact match. Entities version the
// same way context items do.
type Entity struct {
	ID                int64
	ConversationID    string
	Aliases           []string
	Brief             string
	RetiredBy         *int64
	RelatedFactIDs    []int64
	RelatedSummaryIDs []int64
	CreatedAtTurn     int64
	CreatedAt         time.Time
}

func (e Entity) Name() string {
	if len(e.Aliases) > 0 {
		return e.Aliases[0]
	}
	return ""
}

func (e Entity) Retired() bool {
	return e.RetiredBy != nil
}

// UsageRecord scores one context item's usefulness for one generated
// turn: 0 noise, 1 plausibly relevant, 2 clearly influenced the
// response. Records are append-only.
type UsageRecord struct {
	ID            int64
	ContextItemID int64
	AtTurnIndex   int64
	Usefulness    int
	CreatedAt     time.Time
}

// UsageStats are the per-item aggregates derived from UsageRecords.
type UsageStats struct {
	TimesProvided int
	TimesUseful   int
}

// ContextBlock is the assembled knowledge handed to the generation
// call. ItemIDs lists exactly the fact/summary ids rendered into Text;
// feedback evaluation scores those ids and no others.
type ContextBlock struct {
	Entities    []Entity
	Summaries   []MessageSummary
	Facts       []Fact
	RecentTurns []Turn
	ItemIDs     []int64
}

func (b ContextBlock) Empty() bool {
	return len(b.ItemIDs) == 0
}

// Knowledge is a read-only snapshot of the active (non-retired) store
// contents for one conversation.
type Knowledge struct {
	Entities  []Entity
	Facts     []Fact
	Summaries []MessageSummary
}

// NewFact is oracle output not yet resolved against the store: related
// entities are referenced by alias, links by fact body position.
type NewFact struct {
	Body               string
	Kind               FactKind
	Importance         int
	Salience           int
	RelatedEntityNames []string
}

// UpdatedFact supersedes the active fact with id SupersedesID.
type UpdatedFact struct {
	NewFact
	SupersedesID int64
}

type NewEntity struct {
	Aliases []string
	Brief   string
}

// UpdatedEntity supersedes the active entity with id SupersedesID.
type UpdatedEntity struct {
	NewEntity
	SupersedesID int64
}

type NewSummary struct {
	Body               string
	Importance         int
	Salience           int
	RelatedEntityNames []string
}

// ConsolidationApply is the single atomic mutation produced by one
// consolidation run: either every effect lands or none do.
type ConsolidationApply struct {
	ConversationID  string
	AtTurnIndex     int64
	HideTurnIDs     []int64
	Summary         NewSummary
	NewEntities     []NewEntity
	UpdatedEntities []UpdatedEntity
	NewFacts        []NewFact
	UpdatedFacts    []UpdatedFact
}

package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/core"
)

func seedTurns(t *testing.T, db *sql.DB, n int) *TurnsRepo {
	t.Helper()
	repo := NewTurnsRepo(db)
	for i := 0; i < n; i++ {
		sender := core.RoleUser
		if i%2 == 1 {
			sender = core.RoleAssistant
		}
		_, err := repo.Append(context.Background(), core.NewTurn("conv", sender, "some conversation text"))
		require.NoError(t, err)
	}
	return repo
}

func firstApply() core.ConsolidationApply {
	return core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    4,
		HideTurnIDs:    []int64{1, 2, 3, 4},
		Summary: core.NewSummary{
			Body:               "we met the keeper at the archive",
			Importance:         6,
			Salience:           5,
			RelatedEntityNames: []string{"Mara"},
		},
		NewEntities: []core.NewEntity{
			{Aliases: []string{"Mara", "the Keeper"}, Brief: "keeper of the archive"},
		},
		NewFacts: []core.NewFact{
			{
				Body:       "the archive is sealed at night",
				Kind:       core.FactBase,
				Importance: 12, // clamped to 10
				Salience:   -1, // clamped to 0
				RelatedEntityNames: []string{
					"the Keeper",
					"Nobody Known", // unresolved, link dropped
				},
			},
		},
	}
}

func TestApplyConsolidation_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	turns := seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))

	// The window is gone from the visible log.
	active, err := turns.ActiveTurns(ctx, "conv")
	require.NoError(t, err)
	require.Empty(t, active)

	k, err := repo.ActiveKnowledge(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, k.Entities, 1)
	require.Len(t, k.Facts, 1)
	require.Len(t, k.Summaries, 1)

	e := k.Entities[0]
	require.Equal(t, []string{"Mara", "the Keeper"}, e.Aliases)
	require.Equal(t, "Mara", e.Name())
	require.Equal(t, int64(4), e.CreatedAtTurn)

	f := k.Facts[0]
	require.Equal(t, "the archive is sealed at night", f.Body)
	require.Equal(t, core.FactBase, f.Kind)
	require.Equal(t, 10, f.Importance)
	require.Equal(t, 0, f.Salience)
	require.Equal(t, []int64{e.ID}, f.RelatedEntityIDs)
	require.Nil(t, f.UpdatedAtTurn)
	require.False(t, f.Retired())

	s := k.Summaries[0]
	require.Equal(t, "we met the keeper at the archive", s.Body)
	require.Equal(t, []int64{1, 2, 3, 4}, s.ContainedTurnIDs)
	require.Equal(t, []int64{f.ID}, s.RelatedFactIDs)
	require.Equal(t, []int64{e.ID}, s.RelatedEntityIDs)

	// Back-references mirror the forward links.
	require.Equal(t, []int64{f.ID}, e.RelatedFactIDs)
	require.Equal(t, []int64{s.ID}, e.RelatedSummaryIDs)
}

func TestEntityByAlias(t *testing.T) {
	db := newTestDB(t)
	seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))

	// Any alias resolves, canonical or not.
	byCanonical, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)
	byOther, err := repo.EntityByAlias(ctx, "conv", "the Keeper")
	require.NoError(t, err)
	require.Equal(t, byCanonical.ID, byOther.ID)
	require.Equal(t, []string{"Mara", "the Keeper"}, byOther.Aliases)

	_, err = repo.EntityByAlias(ctx, "conv", "Nobody Known")
	require.ErrorIs(t, err, core.ErrNotFound)

	// Aliases do not leak across conversations.
	_, err = repo.EntityByAlias(ctx, "other", "Mara")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestApplyConsolidation_Versioning(t *testing.T) {
	db := newTestDB(t)
	turns := seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))

	k, err := repo.ActiveKnowledge(ctx, "conv")
	require.NoError(t, err)
	oldFactID := k.Facts[0].ID
	oldEntityID := k.Entities[0].ID

	// Two more turns, then a second consolidation that supersedes the
	// fact and the entity.
	for i := 0; i < 2; i++ {
		_, err := turns.Append(ctx, core.NewTurn("conv", core.RoleUser, "more conversation"))
		require.NoError(t, err)
	}
	second := core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    6,
		HideTurnIDs:    []int64{5, 6},
		Summary:        core.NewSummary{Body: "the archive was opened", Importance: 5, Salience: 5},
		UpdatedEntities: []core.UpdatedEntity{
			{
				NewEntity:    core.NewEntity{Aliases: []string{"Mara", "the Keeper"}, Brief: "keeper who opened the archive"},
				SupersedesID: oldEntityID,
			},
		},
		UpdatedFacts: []core.UpdatedFact{
			{
				NewFact:      core.NewFact{Body: "the archive stands open", Kind: core.FactBase, Importance: 7, Salience: 6},
				SupersedesID: oldFactID,
			},
		},
	}
	require.NoError(t, repo.ApplyConsolidation(ctx, second))

	k, err = repo.ActiveKnowledge(ctx, "conv")
	require.NoError(t, err)

	// Only the new versions are active.
	require.Len(t, k.Facts, 1)
	require.Equal(t, "the archive stands open", k.Facts[0].Body)
	require.NotEqual(t, oldFactID, k.Facts[0].ID)
	require.NotNil(t, k.Facts[0].UpdatedAtTurn)
	require.Equal(t, int64(6), *k.Facts[0].UpdatedAtTurn)

	require.Len(t, k.Entities, 1)
	require.Equal(t, "keeper who opened the archive", k.Entities[0].Brief)
	require.NotEqual(t, oldEntityID, k.Entities[0].ID)

	// Retiring freed the aliases for the new version.
	e, err := repo.EntityByAlias(ctx, "conv", "the Keeper")
	require.NoError(t, err)
	require.Equal(t, k.Entities[0].ID, e.ID)

	// Both summaries stay active; summaries never supersede each other.
	require.Len(t, k.Summaries, 2)
}

func TestApplyConsolidation_AliasCollisionKeepsFirstOwner(t *testing.T) {
	db := newTestDB(t)
	seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))
	holder, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)

	second := core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    4,
		Summary:        core.NewSummary{Body: "another pass", Importance: 3, Salience: 3},
		NewEntities: []core.NewEntity{
			{Aliases: []string{"Mara", "the Archivist"}, Brief: "a different figure"},
		},
	}
	require.NoError(t, repo.ApplyConsolidation(ctx, second))

	// The contested alias stays with its original owner; the free one
	// lands on the new entity.
	still, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)
	require.Equal(t, holder.ID, still.ID)

	archivist, err := repo.EntityByAlias(ctx, "conv", "the Archivist")
	require.NoError(t, err)
	require.NotEqual(t, holder.ID, archivist.ID)
}

func TestApplyConsolidation_FullyContestedEntityIsDropped(t *testing.T) {
	db := newTestDB(t)
	seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))
	holder, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)

	// Every alias of the duplicate is already held, so the insert is
	// dropped instead of landing a nameless entity.
	second := core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    4,
		Summary:        core.NewSummary{Body: "another pass", Importance: 3, Salience: 3},
		NewEntities: []core.NewEntity{
			{Aliases: []string{"Mara", "the Keeper"}, Brief: "a duplicate figure"},
		},
	}
	require.NoError(t, repo.ApplyConsolidation(ctx, second))

	k, err := repo.ActiveKnowledge(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, k.Entities, 1)
	require.Equal(t, holder.ID, k.Entities[0].ID)
	require.Equal(t, "keeper of the archive", k.Entities[0].Brief)
}

func TestApplyConsolidation_ContestedUpdateKeepsOldVersion(t *testing.T) {
	db := newTestDB(t)
	seedTurns(t, db, 4)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.ApplyConsolidation(ctx, firstApply()))
	mara, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)

	// A second entity claims "the Archivist".
	second := core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    4,
		Summary:        core.NewSummary{Body: "another pass", Importance: 3, Salience: 3},
		NewEntities: []core.NewEntity{
			{Aliases: []string{"the Archivist"}, Brief: "a different figure"},
		},
	}
	require.NoError(t, repo.ApplyConsolidation(ctx, second))

	// An update that would leave Mara's replacement nameless is dropped,
	// and the old version stays active.
	third := core.ConsolidationApply{
		ConversationID: "conv",
		AtTurnIndex:    4,
		Summary:        core.NewSummary{Body: "a third pass", Importance: 3, Salience: 3},
		UpdatedEntities: []core.UpdatedEntity{
			{
				NewEntity:    core.NewEntity{Aliases: []string{"the Archivist"}, Brief: "renamed over a taken alias"},
				SupersedesID: mara.ID,
			},
		},
	}
	require.NoError(t, repo.ApplyConsolidation(ctx, third))

	still, err := repo.EntityByAlias(ctx, "conv", "Mara")
	require.NoError(t, err)
	require.Equal(t, mara.ID, still.ID)
	require.Equal(t, "keeper of the archive", still.Brief)
}

func TestApplyConsolidation_RollsBackAsOneUnit(t *testing.T) {
	db := newTestDB(t)
	turns := seedTurns(t, db, 2)
	repo := NewKnowledgeRepo(db)
	ctx := context.Background()

	apply := firstApply()
	// Turn 999 does not exist: the summary-turn link violates its
	// foreign key after the turns were already hidden in-transaction.
	apply.HideTurnIDs = []int64{1, 2, 999}

	err := repo.ApplyConsolidation(ctx, apply)
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrStorageFailure)

	// Nothing landed: turns are still visible, the store is empty.
	active, err := turns.ActiveTurns(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, active, 2)

	k, err := repo.ActiveKnowledge(ctx, "conv")
	require.NoError(t, err)
	require.Empty(t, k.Entities)
	require.Empty(t, k.Facts)
	require.Empty(t, k.Summaries)
}

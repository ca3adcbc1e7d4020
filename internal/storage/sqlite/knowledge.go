package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
)

type KnowledgeRepo struct {
	db *sql.DB
}

func NewKnowledgeRepo(db *sql.DB) *KnowledgeRepo {
	return &KnowledgeRepo{db: db}
}

func (r *KnowledgeRepo) ActiveKnowledge(ctx context.Context, conversationID string) (core.Knowledge, error) {
	var k core.Knowledge

	entities, err := r.loadActiveEntities(ctx, conversationID)
	if err != nil {
		return k, err
	}

	facts, err := r.loadActiveFacts(ctx, conversationID)
	if err != nil {
		return k, err
	}

	summaries, err := r.loadActiveSummaries(ctx, conversationID)
	if err != nil {
		return k, err
	}

	// Entity back-references are the inverse of the fact/summary links.
	byID := make(map[int64]*core.Entity, len(entities))
	for i := range entities {
		byID[entities[i].ID] = &entities[i]
	}
	for _, f := range facts {
		for _, eid := range f.RelatedEntityIDs {
			if e, ok := byID[eid]; ok {
				e.RelatedFactIDs = append(e.RelatedFactIDs, f.ID)
			}
		}
	}
	for _, s := range summaries {
		for _, eid := range s.RelatedEntityIDs {
			if e, ok := byID[eid]; ok {
				e.RelatedSummaryIDs = append(e.RelatedSummaryIDs, s.ID)
			}
		}
	}

	k.Entities = entities
	k.Facts = facts
	k.Summaries = summaries
	return k, nil
}

func (r *KnowledgeRepo) loadActiveEntities(ctx context.Context, conversationID string) ([]core.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, brief, created_at_turn, created_at
		 FROM entities WHERE conversation_id = ? AND retired_by IS NULL ORDER BY id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []core.Entity
	for rows.Next() {
		var e core.Entity
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Brief, &e.CreatedAtTurn, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aliasRows, err := r.db.QueryContext(ctx,
		`SELECT a.entity_id, a.alias
		 FROM entity_aliases a
		 JOIN entities e ON e.id = a.entity_id
		 WHERE e.conversation_id = ? AND e.retired_by IS NULL
		 ORDER BY a.entity_id, a.position`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity aliases: %w", err)
	}
	defer aliasRows.Close()

	aliases := make(map[int64][]string)
	for aliasRows.Next() {
		var entityID int64
		var alias string
		if err := aliasRows.Scan(&entityID, &alias); err != nil {
			return nil, fmt.Errorf("failed to scan entity alias: %w", err)
		}
		aliases[entityID] = append(aliases[entityID], alias)
	}
	if err := aliasRows.Err(); err != nil {
		return nil, err
	}

	for i := range entities {
		entities[i].Aliases = aliases[entities[i].ID]
	}
	return entities, nil
}

func (r *KnowledgeRepo) loadActiveFacts(ctx context.Context, conversationID string) ([]core.Fact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ci.id, ci.conversation_id, ci.importance, ci.salience,
		        ci.created_at_turn, ci.updated_at_turn, ci.retired_by, ci.created_at,
		        f.body, f.fact_kind, f.parent_objective_id
		 FROM context_items ci
		 JOIN facts f ON f.item_id = ci.id
		 WHERE ci.conversation_id = ? AND ci.retired_by IS NULL
		 ORDER BY ci.id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []core.Fact
	index := make(map[int64]int)
	for rows.Next() {
		var f core.Fact
		var updatedAt, retiredBy, parentObjective sql.NullInt64
		var kind string
		if err := rows.Scan(&f.ID, &f.ConversationID, &f.Importance, &f.Salience,
			&f.CreatedAtTurn, &updatedAt, &retiredBy, &f.CreatedAt,
			&f.Body, &kind, &parentObjective); err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		f.Kind = core.FactKind(kind)
		if updatedAt.Valid {
			v := updatedAt.Int64
			f.UpdatedAtTurn = &v
		}
		if retiredBy.Valid {
			v := retiredBy.Int64
			f.RetiredBy = &v
		}
		if parentObjective.Valid {
			v := parentObjective.Int64
			f.ParentObjectiveID = &v
		}
		index[f.ID] = len(facts)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links := []struct {
		query  string
		assign func(i int, id int64)
	}{
		{
			query: `SELECT fe.fact_id, fe.entity_id FROM fact_entities fe
			        JOIN context_items ci ON ci.id = fe.fact_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) { facts[i].RelatedEntityIDs = append(facts[i].RelatedEntityIDs, id) },
		},
		{
			query: `SELECT fv.theory_id, fv.evidence_id FROM fact_evidence fv
			        JOIN context_items ci ON ci.id = fv.theory_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) { facts[i].EvidenceIDs = append(facts[i].EvidenceIDs, id) },
		},
		{
			query: `SELECT ft.question_id, ft.theory_id FROM fact_theories ft
			        JOIN context_items ci ON ci.id = ft.question_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) { facts[i].TheoryIDs = append(facts[i].TheoryIDs, id) },
		},
	}
	for _, l := range links {
		linkRows, err := r.db.QueryContext(ctx, l.query, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to query fact links: %w", err)
		}
		for linkRows.Next() {
			var factID, linkedID int64
			if err := linkRows.Scan(&factID, &linkedID); err != nil {
				linkRows.Close()
				return nil, fmt.Errorf("failed to scan fact link: %w", err)
			}
			if i, ok := index[factID]; ok {
				l.assign(i, linkedID)
			}
		}
		if err := linkRows.Err(); err != nil {
			linkRows.Close()
			return nil, err
		}
		linkRows.Close()
	}

	return facts, nil
}

func (r *KnowledgeRepo) loadActiveSummaries(ctx context.Context, conversationID string) ([]core.MessageSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ci.id, ci.conversation_id, ci.importance, ci.salience,
		        ci.created_at_turn, ci.updated_at_turn, ci.retired_by, ci.created_at, s.body
		 FROM context_items ci
		 JOIN summaries s ON s.item_id = ci.id
		 WHERE ci.conversation_id = ? AND ci.retired_by IS NULL
		 ORDER BY ci.id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []core.MessageSummary
	index := make(map[int64]int)
	for rows.Next() {
		var s core.MessageSummary
		var updatedAt, retiredBy sql.NullInt64
		if err := rows.Scan(&s.ID, &s.ConversationID, &s.Importance, &s.Salience,
			&s.CreatedAtTurn, &updatedAt, &retiredBy, &s.CreatedAt, &s.Body); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		if updatedAt.Valid {
			v := updatedAt.Int64
			s.UpdatedAtTurn = &v
		}
		if retiredBy.Valid {
			v := retiredBy.Int64
			s.RetiredBy = &v
		}
		index[s.ID] = len(summaries)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links := []struct {
		query  string
		assign func(i int, id int64)
	}{
		{
			query: `SELECT se.summary_id, se.entity_id FROM summary_entities se
			        JOIN context_items ci ON ci.id = se.summary_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) {
				summaries[i].RelatedEntityIDs = append(summaries[i].RelatedEntityIDs, id)
			},
		},
		{
			query: `SELECT sf.summary_id, sf.fact_id FROM summary_facts sf
			        JOIN context_items ci ON ci.id = sf.summary_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) {
				summaries[i].RelatedFactIDs = append(summaries[i].RelatedFactIDs, id)
			},
		},
		{
			query: `SELECT st.summary_id, st.turn_id FROM summary_turns st
			        JOIN context_items ci ON ci.id = st.summary_id
			        WHERE ci.conversation_id = ? AND ci.retired_by IS NULL`,
			assign: func(i int, id int64) {
				summaries[i].ContainedTurnIDs = append(summaries[i].ContainedTurnIDs, id)
			},
		},
	}
	for _, l := range links {
		linkRows, err := r.db.QueryContext(ctx, l.query, conversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to query summary links: %w", err)
		}
		for linkRows.Next() {
			var summaryID, linkedID int64
			if err := linkRows.Scan(&summaryID, &linkedID); err != nil {
				linkRows.Close()
				return nil, fmt.Errorf("failed to scan summary link: %w", err)
			}
			if i, ok := index[summaryID]; ok {
				l.assign(i, linkedID)
			}
		}
		if err := linkRows.Err(); err != nil {
			linkRows.Close()
			return nil, err
		}
		linkRows.Close()
	}

	return summaries, nil
}

func (r *KnowledgeRepo) EntityByAlias(ctx context.Context, conversationID, alias string) (core.Entity, error) {
	var e core.Entity
	err := r.db.QueryRowContext(ctx,
		`SELECT e.id, e.conversation_id, e.brief, e.created_at_turn, e.created_at
		 FROM entities e
		 JOIN entity_aliases a ON a.entity_id = e.id
		 WHERE e.conversation_id = ? AND a.alias = ? AND e.retired_by IS NULL
		 LIMIT 1`,
		conversationID, alias,
	).Scan(&e.ID, &e.ConversationID, &e.Brief, &e.CreatedAtTurn, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Entity{}, core.ErrNotFound
	}
	if err != nil {
		return core.Entity{}, fmt.Errorf("failed to resolve entity alias: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT alias FROM entity_aliases WHERE entity_id = ? ORDER BY position`, e.ID)
	if err != nil {
		return core.Entity{}, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return core.Entity{}, fmt.Errorf("failed to scan alias: %w", err)
		}
		e.Aliases = append(e.Aliases, a)
	}
	return e, rows.Err()
}

func clampScore(v int) int {
	if v < core.ScoreMin {
		return core.ScoreMin
	}
	if v > core.ScoreMax {
		return core.ScoreMax
	}
	return v
}

// ApplyConsolidation lands the whole consolidation result in one
// transaction: window turns hidden, summary and new knowledge
// inserted, updated items versioned. A failure anywhere rolls back
// everything, leaving the window eligible for the next trigger.
func (r *KnowledgeRepo) ApplyConsolidation(ctx context.Context, apply core.ConsolidationApply) error {
	logger := log.FromCtx(ctx)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", core.ErrStorageFailure, err)
	}
	defer tx.Rollback()

	if len(apply.HideTurnIDs) > 0 {
		args := make([]any, 0, len(apply.HideTurnIDs)+1)
		args = append(args, apply.ConversationID)
		for _, id := range apply.HideTurnIDs {
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`UPDATE turns SET hidden = 1 WHERE conversation_id = ? AND id IN (%s)`,
			placeholders(len(apply.HideTurnIDs)))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("%w: hide turns: %v", core.ErrStorageFailure, err)
		}
	}

	// New and versioned entities first: fact/summary alias resolution
	// must see them.
	for _, ne := range apply.NewEntities {
		if _, err := insertEntity(ctx, tx, apply, ne, nil); err != nil {
			return err
		}
	}
	for _, ue := range apply.UpdatedEntities {
		supersedes := ue.SupersedesID
		if _, err := insertEntity(ctx, tx, apply, ue.NewEntity, &supersedes); err != nil {
			return err
		}
	}

	resolve := func(names []string) []int64 {
		var ids []int64
		for _, name := range names {
			var id int64
			err := tx.QueryRowContext(ctx,
				`SELECT e.id FROM entities e
				 JOIN entity_aliases a ON a.entity_id = e.id
				 WHERE e.conversation_id = ? AND a.alias = ? AND e.retired_by IS NULL
				 LIMIT 1`,
				apply.ConversationID, name).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				// Oracle referenced an entity we don't know. Drop the
				// link, keep the item.
				logger.Warn().Str("alias", name).Msg("dropping unresolved entity alias")
				continue
			}
			if err != nil {
				logger.Warn().Err(err).Str("alias", name).Msg("alias lookup failed, dropping")
				continue
			}
			ids = append(ids, id)
		}
		return ids
	}

	var factIDs []int64
	for _, nf := range apply.NewFacts {
		id, err := insertFact(ctx, tx, apply, nf, nil, resolve(nf.RelatedEntityNames))
		if err != nil {
			return err
		}
		factIDs = append(factIDs, id)
	}
	for _, uf := range apply.UpdatedFacts {
		supersedes := uf.SupersedesID
		id, err := insertFact(ctx, tx, apply, uf.NewFact, &supersedes, resolve(uf.RelatedEntityNames))
		if err != nil {
			return err
		}
		factIDs = append(factIDs, id)
	}

	if err := insertSummary(ctx, tx, apply, resolve(apply.Summary.RelatedEntityNames), factIDs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", core.ErrStorageFailure, err)
	}
	return nil
}

func insertEntity(ctx context.Context, tx *sql.Tx, apply core.ConsolidationApply, ne core.NewEntity, supersedes *int64) (int64, error) {
	// Settle aliases before touching any rows. An update's own previous
	// version does not count as a holder: its aliases transfer.
	priorVersion := int64(-1)
	if supersedes != nil {
		priorVersion = *supersedes
	}
	free := make([]string, 0, len(ne.Aliases))
	for _, alias := range ne.Aliases {
		var taken int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entity_aliases a
			 JOIN entities e ON e.id = a.entity_id
			 WHERE e.conversation_id = ? AND a.alias = ? AND e.retired_by IS NULL AND e.id != ?`,
			apply.ConversationID, alias, priorVersion).Scan(&taken)
		if err != nil {
			return 0, fmt.Errorf("%w: alias check: %v", core.ErrStorageFailure, err)
		}
		if taken > 0 {
			log.FromCtx(ctx).Warn().Str("alias", alias).Msg("alias already held by an active entity, skipping")
			continue
		}
		free = append(free, alias)
	}

	// An entity with no surviving alias would be unresolvable and would
	// render without a name. Drop the insert; on an update the previous
	// version stays active.
	if len(free) == 0 {
		log.FromCtx(ctx).Warn().Str("brief", ne.Brief).Msg("every alias is already taken, dropping entity")
		return 0, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO entities (conversation_id, brief, created_at_turn) VALUES (?, ?, ?)`,
		apply.ConversationID, ne.Brief, apply.AtTurnIndex)
	if err != nil {
		return 0, fmt.Errorf("%w: insert entity: %v", core.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if supersedes != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET retired_by = ? WHERE id = ? AND retired_by IS NULL`,
			id, *supersedes); err != nil {
			return 0, fmt.Errorf("%w: retire entity: %v", core.ErrStorageFailure, err)
		}
	}

	for pos, alias := range free {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_aliases (entity_id, alias, position) VALUES (?, ?, ?)`,
			id, alias, pos); err != nil {
			return 0, fmt.Errorf("%w: insert alias: %v", core.ErrStorageFailure, err)
		}
	}
	return id, nil
}

func insertFact(ctx context.Context, tx *sql.Tx, apply core.ConsolidationApply, nf core.NewFact, supersedes *int64, entityIDs []int64) (int64, error) {
	kind := nf.Kind
	if !kind.Valid() {
		kind = core.FactBase
	}

	var updatedAt any
	if supersedes != nil {
		updatedAt = apply.AtTurnIndex
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO context_items (conversation_id, kind, importance, salience, created_at_turn, updated_at_turn)
		 VALUES (?, 'fact', ?, ?, ?, ?)`,
		apply.ConversationID, clampScore(nf.Importance), clampScore(nf.Salience), apply.AtTurnIndex, updatedAt)
	if err != nil {
		return 0, fmt.Errorf("%w: insert fact item: %v", core.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO facts (item_id, body, fact_kind) VALUES (?, ?, ?)`,
		id, nf.Body, string(kind)); err != nil {
		return 0, fmt.Errorf("%w: insert fact: %v", core.ErrStorageFailure, err)
	}

	if supersedes != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE context_items SET retired_by = ? WHERE id = ? AND kind = 'fact' AND retired_by IS NULL`,
			id, *supersedes); err != nil {
			return 0, fmt.Errorf("%w: retire fact: %v", core.ErrStorageFailure, err)
		}
	}

	for _, eid := range entityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO fact_entities (fact_id, entity_id) VALUES (?, ?)`,
			id, eid); err != nil {
			return 0, fmt.Errorf("%w: link fact entity: %v", core.ErrStorageFailure, err)
		}
	}
	return id, nil
}

func insertSummary(ctx context.Context, tx *sql.Tx, apply core.ConsolidationApply, entityIDs, factIDs []int64) error {
	s := apply.Summary
	res, err := tx.ExecContext(ctx,
		`INSERT INTO context_items (conversation_id, kind, importance, salience, created_at_turn)
		 VALUES (?, 'summary', ?, ?, ?)`,
		apply.ConversationID, clampScore(s.Importance), clampScore(s.Salience), apply.AtTurnIndex)
	if err != nil {
		return fmt.Errorf("%w: insert summary item: %v", core.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO summaries (item_id, body) VALUES (?, ?)`, id, s.Body); err != nil {
		return fmt.Errorf("%w: insert summary: %v", core.ErrStorageFailure, err)
	}

	for _, turnID := range apply.HideTurnIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO summary_turns (summary_id, turn_id) VALUES (?, ?)`, id, turnID); err != nil {
			return fmt.Errorf("%w: link summary turn: %v", core.ErrStorageFailure, err)
		}
	}
	for _, eid := range entityIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO summary_entities (summary_id, entity_id) VALUES (?, ?)`, id, eid); err != nil {
			return fmt.Errorf("%w: link summary entity: %v", core.ErrStorageFailure, err)
		}
	}
	for _, fid := range factIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO summary_facts (summary_id, fact_id) VALUES (?, ?)`, id, fid); err != nil {
			return fmt.Errorf("%w: link summary fact: %v", core.ErrStorageFailure, err)
		}
	}
	return nil
}

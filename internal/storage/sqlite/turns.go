package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/engramlabs/engram/internal/core"
	"github.com/engramlabs/engram/pkg/log"
)

type TurnsRepo struct {
	db *sql.DB
}

func NewTurnsRepo(db *sql.DB) *TurnsRepo {
	return &TurnsRepo{db: db}
}

// Append stores a turn and returns its index. Ephemeral turns are
// excluded from the persisted log; they get index 0 and are dropped.
func (r *TurnsRepo) Append(ctx context.Context, t core.Turn) (int64, error) {
	if t.Ephemeral {
		log.FromCtx(ctx).Debug().Str("sender", t.Sender).Msg("skipping ephemeral turn")
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, sender, content, word_count) VALUES (?, ?, ?, ?)`,
		t.ConversationID, t.Sender, t.Content, t.WordCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert turn: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *TurnsRepo) ActiveTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	return r.queryTurns(ctx,
		`SELECT id, conversation_id, sender, content, word_count, hidden, created_at
		 FROM turns WHERE conversation_id = ? AND hidden = 0 ORDER BY id ASC`,
		conversationID)
}

func (r *TurnsRepo) AllTurns(ctx context.Context, conversationID string) ([]core.Turn, error) {
	return r.queryTurns(ctx,
		`SELECT id, conversation_id, sender, content, word_count, hidden, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY id ASC`,
		conversationID)
}

// RecentTurns returns the last limit visible turns in chronological
// order.
func (r *TurnsRepo) RecentTurns(ctx context.Context, conversationID string, limit int) ([]core.Turn, error) {
	turns, err := r.queryTurns(ctx,
		`SELECT id, conversation_id, sender, content, word_count, hidden, created_at
		 FROM turns WHERE conversation_id = ? AND hidden = 0 ORDER BY id DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}

	// Query returned newest first; flip back to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// MarkHidden hides the given turns. Already-hidden turns are left
// untouched, so a retried consolidation is a no-op here.
func (r *TurnsRepo) MarkHidden(ctx context.Context, conversationID string, turnIDs []int64) error {
	if len(turnIDs) == 0 {
		return nil
	}

	args := make([]any, 0, len(turnIDs)+1)
	args = append(args, conversationID)
	for _, id := range turnIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(
		`UPDATE turns SET hidden = 1 WHERE conversation_id = ? AND id IN (%s)`,
		placeholders(len(turnIDs)))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark turns hidden: %w", err)
	}
	return nil
}

func (r *TurnsRepo) queryTurns(ctx context.Context, query string, args ...any) ([]core.Turn, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var t core.Turn
		var hidden int
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Sender, &t.Content, &t.WordCount, &hidden, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Hidden = hidden != 0
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

package sqlite

import (
	"context"
	"fmt"

	"github.com/engramlabs/engram/internal/core"
)

func (r *KnowledgeRepo) AddUsageRecords(ctx context.Context, records []core.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO usage_records (context_item_id, at_turn_index, usefulness) VALUES (?, ?, ?)`,
			rec.ContextItemID, rec.AtTurnIndex, rec.Usefulness); err != nil {
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
	}
	return tx.Commit()
}

func (r *KnowledgeRepo) UsageStats(ctx context.Context, itemIDs []int64) (map[int64]core.UsageStats, error) {
	stats := make(map[int64]core.UsageStats, len(itemIDs))
	if len(itemIDs) == 0 {
		return stats, nil
	}

	args := make([]any, 0, len(itemIDs))
	for _, id := range itemIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(
		`SELECT context_item_id, COUNT(*), COALESCE(SUM(usefulness > 0), 0)
		 FROM usage_records WHERE context_item_id IN (%s)
		 GROUP BY context_item_id`,
		placeholders(len(itemIDs)))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var s core.UsageStats
		if err := rows.Scan(&id, &s.TimesProvided, &s.TimesUseful); err != nil {
			return nil, fmt.Errorf("failed to scan usage stats: %w", err)
		}
		stats[id] = s
	}
	return stats, rows.Err()
}

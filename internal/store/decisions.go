package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GetDecisions fetches cached adjudication verdicts for the given pair
// keys. Missing keys are simply absent from the result map.
func (s *SQLiteStore) GetDecisions(ctx context.Context, keys []string) (map[string]Decision, error) {
	out := make(map[string]Decision, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	for start := 0; start < len(keys); start += s.batchSize {
		end := start + s.batchSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for i, k := range chunk {
			placeholders[i] = "?"
			args[i] = k
		}

		query := fmt.Sprintf(
			`SELECT pair_key, accepted, category, model, created_at
			 FROM decisions WHERE pair_key IN (%s)`,
			strings.Join(placeholders, ","),
		)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("querying decisions: %w", err)
		}
		for rows.Next() {
			var d Decision
			var accepted int
			var createdAt string
			if err := rows.Scan(&d.PairKey, &accepted, &d.Category, &d.Model, &createdAt); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning decision row: %w", err)
			}
			d.Accepted = accepted != 0
			d.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
			out[d.PairKey] = d
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating decisions: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// PutDecisions persists adjudication verdicts so repeat runs incur no
// provider cost. Existing keys are overwritten.
func (s *SQLiteStore) PutDecisions(ctx context.Context, decisions []Decision) error {
	if len(decisions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision insert: %w", err)
	}
	for _, d := range decisions {
		accepted := 0
		if d.Accepted {
			accepted = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO decisions (pair_key, accepted, category, model, created_at)
			 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			d.PairKey, accepted, d.Category, d.Model,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting decision %q: %w", d.PairKey, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit decision insert: %w", err)
	}
	return nil
}

// ClearDecisions drops the entire adjudication decision cache (targeted
// reset). The next run re-asks the provider for every pair.
func (s *SQLiteStore) ClearDecisions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decisions`); err != nil {
		return fmt.Errorf("clearing decisions: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
)

// ReplaceClusters swaps the stored cluster set for one locale with the
// given clusters. Writes happen in bounded transactional batches; a crash
// mid-run loses at most one batch. Member answers are verified to belong
// to the locale before anything is written (I3).
func (s *SQLiteStore) ReplaceClusters(ctx context.Context, locale Locale, clusters []*Cluster) error {
	for _, c := range clusters {
		if err := s.validateClusterLocale(ctx, locale, c); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cluster replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cluster_members WHERE locale = ?`, locale.Key()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing cluster members for %s: %w", locale.Key(), err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM clusters WHERE locale = ?`, locale.Key()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing clusters for %s: %w", locale.Key(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster clear: %w", err)
	}

	pending := 0
	tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cluster insert batch: %w", err)
	}
	for _, c := range clusters {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (locale, representative_id, search_mode, created_at, updated_at)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
			locale.Key(), c.RepresentativeID, string(c.Mode),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting cluster: %w", err)
		}
		clusterID, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("reading cluster insert id: %w", err)
		}
		c.ID = clusterID

		for _, m := range c.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO cluster_members (cluster_id, answer_id, question_id, locale)
				 VALUES (?, ?, ?, ?)`,
				clusterID, m.AnswerID, m.QuestionID, locale.Key(),
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("inserting member %s of cluster %d: %w", m.AnswerID, clusterID, err)
			}
			pending++
			if pending >= s.batchSize {
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit cluster insert batch: %w", err)
				}
				pending = 0
				tx, err = s.db.BeginTx(ctx, nil)
				if err != nil {
					return fmt.Errorf("begin cluster insert batch: %w", err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster insert batch: %w", err)
	}
	return nil
}

// validateClusterLocale enforces the cluster invariants before commit:
// no cross-locale member (I3), no two answers of one question (I1), and at
// least two distinct owning questions (I2).
func (s *SQLiteStore) validateClusterLocale(ctx context.Context, locale Locale, c *Cluster) error {
	questionSeen := make(map[string]string, len(c.Members))
	for _, m := range c.Members {
		if prev, ok := questionSeen[m.QuestionID]; ok && prev != m.AnswerID {
			return fmt.Errorf("cluster for %s holds two answers (%s, %s) of question %s",
				locale.Key(), prev, m.AnswerID, m.QuestionID)
		}
		questionSeen[m.QuestionID] = m.AnswerID
	}
	if len(questionSeen) < 2 {
		return fmt.Errorf("cluster for %s spans a single question; refusing to store", locale.Key())
	}

	for _, m := range c.Members {
		var answerLocale string
		err := s.db.QueryRowContext(ctx,
			`SELECT locale FROM answers WHERE id = ?`, m.AnswerID,
		).Scan(&answerLocale)
		if err != nil {
			return fmt.Errorf("cluster member %s references unknown answer: %w", m.AnswerID, err)
		}
		if answerLocale != locale.Key() {
			return fmt.Errorf("cluster member %s belongs to locale %s, not %s",
				m.AnswerID, answerLocale, locale.Key())
		}
	}
	return nil
}

// ListClusters returns all clusters in a locale with their members.
func (s *SQLiteStore) ListClusters(ctx context.Context, locale Locale) ([]*Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, representative_id, search_mode
		 FROM clusters WHERE locale = ? ORDER BY id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing clusters for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	byID := make(map[int64]*Cluster)
	order := make([]int64, 0, 64)
	for rows.Next() {
		c := &Cluster{Locale: locale}
		var mode string
		if err := rows.Scan(&c.ID, &c.RepresentativeID, &mode); err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		c.Mode = SearchMode(mode)
		byID[c.ID] = c
		order = append(order, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clusters: %w", err)
	}

	memberRows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, answer_id, question_id
		 FROM cluster_members WHERE locale = ? ORDER BY cluster_id ASC, answer_id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing cluster members for %s: %w", locale.Key(), err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var clusterID int64
		var m ClusterMember
		if err := memberRows.Scan(&clusterID, &m.AnswerID, &m.QuestionID); err != nil {
			return nil, fmt.Errorf("scanning cluster member row: %w", err)
		}
		if c, ok := byID[clusterID]; ok {
			c.Members = append(c.Members, m)
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cluster members: %w", err)
	}

	clusters := make([]*Cluster, 0, len(order))
	for _, id := range order {
		clusters = append(clusters, byID[id])
	}
	return clusters, nil
}

// AddExclusions persists (question, cluster) pins. Duplicates are ignored.
func (s *SQLiteStore) AddExclusions(ctx context.Context, entries []ExclusionEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin exclusion insert: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO exclusions (question_id, cluster_id, locale, reason)
			 VALUES (?, ?, ?, ?)`,
			e.QuestionID, e.ClusterID, e.Locale.Key(), e.Reason,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting exclusion (%s, %d): %w", e.QuestionID, e.ClusterID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit exclusion insert: %w", err)
	}
	return nil
}

// ListExclusions returns all exclusion pins for a locale.
func (s *SQLiteStore) ListExclusions(ctx context.Context, locale Locale) ([]ExclusionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, cluster_id, reason
		 FROM exclusions WHERE locale = ? ORDER BY question_id ASC, cluster_id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing exclusions for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	entries := make([]ExclusionEntry, 0, 64)
	for rows.Next() {
		e := ExclusionEntry{Locale: locale}
		if err := rows.Scan(&e.QuestionID, &e.ClusterID, &e.Reason); err != nil {
			return nil, fmt.Errorf("scanning exclusion row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exclusions: %w", err)
	}
	return entries, nil
}

// ClearExclusions removes all exclusion pins for a locale (targeted reset).
func (s *SQLiteStore) ClearExclusions(ctx context.Context, locale Locale) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM exclusions WHERE locale = ?`, locale.Key()); err != nil {
		return fmt.Errorf("clearing exclusions for %s: %w", locale.Key(), err)
	}
	return nil
}

// ReplaceOrphans swaps the persisted orphan set for a locale.
func (s *SQLiteStore) ReplaceOrphans(ctx context.Context, locale Locale, records []OrphanRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin orphan replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM orphans WHERE locale = ?`, locale.Key()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing orphans for %s: %w", locale.Key(), err)
	}
	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO orphans (question_id, answer_id, locale, reason)
			 VALUES (?, ?, ?, ?)`,
			r.QuestionID, r.AnswerID, locale.Key(), string(r.Reason),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting orphan %s: %w", r.AnswerID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit orphan replace: %w", err)
	}
	return nil
}

// ListOrphans returns the persisted orphan records for a locale.
func (s *SQLiteStore) ListOrphans(ctx context.Context, locale Locale) ([]OrphanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, answer_id, reason
		 FROM orphans WHERE locale = ? ORDER BY answer_id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing orphans for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	records := make([]OrphanRecord, 0, 64)
	for rows.Next() {
		r := OrphanRecord{Locale: locale}
		var reason string
		if err := rows.Scan(&r.QuestionID, &r.AnswerID, &reason); err != nil {
			return nil, fmt.Errorf("scanning orphan row: %w", err)
		}
		r.Reason = OrphanReason(reason)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orphans: %w", err)
	}
	return records, nil
}

// ReplaceOverlaps swaps the directed entailment set for a locale. Records
// are stored exactly as produced — never composed into multi-hop chains.
func (s *SQLiteStore) ReplaceOverlaps(ctx context.Context, locale Locale, records []OverlapRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin overlap replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM overlaps WHERE locale = ?`, locale.Key()); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing overlaps for %s: %w", locale.Key(), err)
	}
	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO overlaps (source_cluster_id, implied_cluster_id, locale)
			 VALUES (?, ?, ?)`,
			r.SourceClusterID, r.ImpliedClusterID, locale.Key(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting overlap %d->%d: %w", r.SourceClusterID, r.ImpliedClusterID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit overlap replace: %w", err)
	}
	return nil
}

// ListOverlaps returns the directed entailment records for a locale.
func (s *SQLiteStore) ListOverlaps(ctx context.Context, locale Locale) ([]OverlapRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_cluster_id, implied_cluster_id
		 FROM overlaps WHERE locale = ? ORDER BY source_cluster_id ASC, implied_cluster_id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing overlaps for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	records := make([]OverlapRecord, 0, 32)
	for rows.Next() {
		r := OverlapRecord{Locale: locale}
		if err := rows.Scan(&r.SourceClusterID, &r.ImpliedClusterID); err != nil {
			return nil, fmt.Errorf("scanning overlap row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overlaps: %w", err)
	}
	return records, nil
}

// Stats returns observability counts across all locales.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM questions`, &stats.Questions},
		{`SELECT COUNT(*) FROM answers`, &stats.Answers},
		{`SELECT COUNT(*) FROM clusters`, &stats.Clusters},
		{`SELECT COUNT(*) FROM cluster_members`, &stats.Members},
		{`SELECT COUNT(*) FROM exclusions`, &stats.Exclusions},
		{`SELECT COUNT(*) FROM orphans`, &stats.Orphans},
		{`SELECT COUNT(*) FROM overlaps`, &stats.Overlaps},
		{`SELECT COUNT(*) FROM decisions`, &stats.Decisions},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
	}
	return stats, nil
}

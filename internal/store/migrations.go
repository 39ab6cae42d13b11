package store

import "fmt"

// migrate creates all tables if they don't exist. The schema is bootstrap
// DDL only; every statement is idempotent.
func (s *SQLiteStore) migrate() error {
	statements := []string{
		// Source-of-truth mirror, re-imported each sync
		`CREATE TABLE IF NOT EXISTS questions (
			id             TEXT PRIMARY KEY,
			locale         TEXT NOT NULL,
			text           TEXT NOT NULL,
			selection_mode TEXT NOT NULL,
			category       TEXT NOT NULL,
			synced_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_locale ON questions(locale)`,

		`CREATE TABLE IF NOT EXISTS answers (
			id          TEXT PRIMARY KEY,
			question_id TEXT NOT NULL,
			locale      TEXT NOT NULL,
			text        TEXT NOT NULL,
			skip_code   TEXT NOT NULL DEFAULT '',
			synced_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_locale ON answers(locale)`,
		`CREATE INDEX IF NOT EXISTS idx_answers_question ON answers(question_id)`,

		// Clustering output, revised incrementally between full resyncs
		`CREATE TABLE IF NOT EXISTS clusters (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			locale             TEXT NOT NULL,
			representative_id  TEXT NOT NULL,
			search_mode        TEXT NOT NULL,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_locale ON clusters(locale)`,

		`CREATE TABLE IF NOT EXISTS cluster_members (
			cluster_id  INTEGER NOT NULL,
			answer_id   TEXT NOT NULL,
			question_id TEXT NOT NULL,
			locale      TEXT NOT NULL,
			UNIQUE(cluster_id, answer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_answer ON cluster_members(answer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_members_question ON cluster_members(question_id)`,

		`CREATE TABLE IF NOT EXISTS exclusions (
			question_id TEXT NOT NULL,
			cluster_id  INTEGER NOT NULL,
			locale      TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(question_id, cluster_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exclusions_locale ON exclusions(locale)`,

		`CREATE TABLE IF NOT EXISTS orphans (
			question_id TEXT NOT NULL,
			answer_id   TEXT NOT NULL,
			locale      TEXT NOT NULL,
			reason      TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(answer_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orphans_locale ON orphans(locale)`,

		`CREATE TABLE IF NOT EXISTS overlaps (
			source_cluster_id  INTEGER NOT NULL,
			implied_cluster_id INTEGER NOT NULL,
			locale             TEXT NOT NULL,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(source_cluster_id, implied_cluster_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_overlaps_locale ON overlaps(locale)`,

		// Adjudication verdicts, keyed by normalized pair so repeat runs
		// incur no provider cost
		`CREATE TABLE IF NOT EXISTS decisions (
			pair_key   TEXT PRIMARY KEY,
			accepted   INTEGER NOT NULL,
			category   TEXT NOT NULL DEFAULT '',
			model      TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Run coordination
		`CREATE TABLE IF NOT EXISTS locale_locks (
			locale      TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL,
			acquired_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			locale        TEXT PRIMARY KEY,
			full_sync_done INTEGER NOT NULL DEFAULT 0,
			last_sync_at  DATETIME
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap DDL: %w", err)
		}
	}
	return nil
}

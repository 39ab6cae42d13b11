// Package cache builds and serves the expansion index: a derived,
// rebuildable projection of the cluster and overlap tables that the
// read-time expansion engine consumes.
//
// The index holds four key families, all locale-scoped:
//   - answer -> cluster ids (including clusters reached via one-hop
//     entailment)
//   - question -> every cluster id its answers belong to, entailed
//     grants included
//   - cluster -> member question ids
//   - (cluster, question) -> {answer ids, selection mode, full coverage}
//
// Rebuilds are generation-swapped: a full new generation is written under
// a fresh id, the per-locale current-generation pointer flips in a single
// statement, then stale generations are swept. Readers never observe a
// half-written key set.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/answermesh/answermesh/internal/store"
)

// ErrCacheUnavailable marks index reads that failed or found no built
// generation. The expansion reader degrades to source-only on it.
var ErrCacheUnavailable = errors.New("expansion index unavailable")

var cacheSchema = []string{
	`CREATE TABLE IF NOT EXISTS expansion_generations (
		locale TEXT PRIMARY KEY,
		generation TEXT NOT NULL,
		built_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS expansion_answer_clusters (
		generation TEXT NOT NULL,
		locale TEXT NOT NULL,
		answer_id TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		entailed INTEGER NOT NULL DEFAULT 0,
		UNIQUE(generation, answer_id, cluster_id)
	)`,
	`CREATE TABLE IF NOT EXISTS expansion_question_clusters (
		generation TEXT NOT NULL,
		locale TEXT NOT NULL,
		question_id TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		UNIQUE(generation, question_id, cluster_id)
	)`,
	`CREATE TABLE IF NOT EXISTS expansion_entries (
		generation TEXT NOT NULL,
		locale TEXT NOT NULL,
		cluster_id INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		answer_ids TEXT NOT NULL,
		selection_mode TEXT NOT NULL,
		full_coverage INTEGER NOT NULL,
		question_clusters INTEGER NOT NULL DEFAULT 0,
		UNIQUE(generation, cluster_id, question_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exp_answer ON expansion_answer_clusters(generation, answer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_exp_question ON expansion_question_clusters(generation, question_id)`,
	`CREATE INDEX IF NOT EXISTS idx_exp_entries ON expansion_entries(generation, cluster_id)`,
}

// Builder rebuilds the expansion index from clustering output. It shares
// the store's database file so a rebuild is one local transaction chain.
type Builder struct {
	db    *sql.DB
	batch int
}

// NewBuilder creates a Builder on the store's database and ensures the
// index tables exist.
func NewBuilder(st *store.SQLiteStore) (*Builder, error) {
	b := &Builder{db: st.DB(), batch: st.BatchSize()}
	for _, stmt := range cacheSchema {
		if _, err := b.db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("creating cache schema: %w", err)
		}
	}
	return b, nil
}

// Rebuild writes a fresh index generation for the locale from the current
// cluster and overlap tables, flips the generation pointer, then sweeps
// stale generations. Derivable from clustering output alone: no
// adjudication is consulted. Idempotent.
func (b *Builder) Rebuild(ctx context.Context, st store.Store, locale store.Locale) error {
	clusters, err := st.ListClusters(ctx, locale)
	if err != nil {
		return fmt.Errorf("loading clusters: %w", err)
	}
	overlaps, err := st.ListOverlaps(ctx, locale)
	if err != nil {
		return fmt.Errorf("loading overlaps: %w", err)
	}
	questions, err := st.ListQuestions(ctx, locale)
	if err != nil {
		return fmt.Errorf("loading questions: %w", err)
	}
	answers, err := st.ListAnswers(ctx, locale)
	if err != nil {
		return fmt.Errorf("loading answers: %w", err)
	}

	modeOf := make(map[string]store.SelectionMode, len(questions))
	for _, q := range questions {
		modeOf[q.ID] = q.Mode
	}
	answerCount := make(map[string]int, len(questions))
	for _, a := range answers {
		answerCount[a.QuestionID]++
	}

	// One-hop entailment: membership in the source cluster also grants
	// the implied cluster. Never composed further.
	implied := make(map[int64][]int64, len(overlaps))
	for _, o := range overlaps {
		implied[o.SourceClusterID] = append(implied[o.SourceClusterID], o.ImpliedClusterID)
	}

	clusteredAnswers := make(map[string]map[string]struct{}) // question -> answers in any cluster
	clustersPerQuestion := make(map[string]int)              // question -> clusters touching it
	for _, c := range clusters {
		seenQuestion := make(map[string]struct{}, len(c.Members))
		for _, m := range c.Members {
			set := clusteredAnswers[m.QuestionID]
			if set == nil {
				set = make(map[string]struct{})
				clusteredAnswers[m.QuestionID] = set
			}
			set[m.AnswerID] = struct{}{}
			if _, ok := seenQuestion[m.QuestionID]; !ok {
				seenQuestion[m.QuestionID] = struct{}{}
				clustersPerQuestion[m.QuestionID]++
			}
		}
	}

	generation := uuid.NewString()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index build: %w", err)
	}
	pending := 0
	exec := func(query string, args ...interface{}) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			tx.Rollback()
			return err
		}
		pending++
		if pending >= b.batch {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit index batch: %w", err)
			}
			pending = 0
			tx, err = b.db.BeginTx(ctx, nil)
			if err != nil {
				return fmt.Errorf("begin index batch: %w", err)
			}
		}
		return nil
	}

	for _, c := range clusters {
		byQuestion := make(map[string][]string)
		for _, m := range c.Members {
			byQuestion[m.QuestionID] = append(byQuestion[m.QuestionID], m.AnswerID)

			if err := exec(
				`INSERT OR IGNORE INTO expansion_answer_clusters
				 (generation, locale, answer_id, cluster_id, entailed) VALUES (?, ?, ?, ?, 0)`,
				generation, locale.Key(), m.AnswerID, c.ID,
			); err != nil {
				return fmt.Errorf("writing answer index: %w", err)
			}
			for _, impliedID := range implied[c.ID] {
				if err := exec(
					`INSERT OR IGNORE INTO expansion_answer_clusters
					 (generation, locale, answer_id, cluster_id, entailed) VALUES (?, ?, ?, ?, 1)`,
					generation, locale.Key(), m.AnswerID, impliedID,
				); err != nil {
					return fmt.Errorf("writing entailed answer index: %w", err)
				}
			}
		}

		for questionID, answerIDs := range byQuestion {
			if err := exec(
				`INSERT OR IGNORE INTO expansion_question_clusters
				 (generation, locale, question_id, cluster_id) VALUES (?, ?, ?, ?)`,
				generation, locale.Key(), questionID, c.ID,
			); err != nil {
				return fmt.Errorf("writing question index: %w", err)
			}
			// The question's answers in this cluster also hold entailed
			// membership in the implied clusters, so the question's cluster
			// set grants them too. Without this the reader's containment
			// check could never reach a question whose only connection is
			// an overlap.
			for _, impliedID := range implied[c.ID] {
				if err := exec(
					`INSERT OR IGNORE INTO expansion_question_clusters
					 (generation, locale, question_id, cluster_id) VALUES (?, ?, ?, ?)`,
					generation, locale.Key(), questionID, impliedID,
				); err != nil {
					return fmt.Errorf("writing entailed question index: %w", err)
				}
			}

			ids, err := json.Marshal(answerIDs)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("encoding answer ids: %w", err)
			}
			fullCoverage := 0
			if len(clusteredAnswers[questionID]) == answerCount[questionID] && answerCount[questionID] > 0 {
				fullCoverage = 1
			}
			if err := exec(
				`INSERT OR REPLACE INTO expansion_entries
				 (generation, locale, cluster_id, question_id, answer_ids, selection_mode, full_coverage, question_clusters)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				generation, locale.Key(), c.ID, questionID, string(ids),
				string(modeOf[questionID]), fullCoverage, clustersPerQuestion[questionID],
			); err != nil {
				return fmt.Errorf("writing expansion entry: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index build: %w", err)
	}

	// Atomic from the reader's view: the pointer flip is one statement.
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO expansion_generations (locale, generation, built_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(locale) DO UPDATE SET generation = excluded.generation, built_at = CURRENT_TIMESTAMP`,
		locale.Key(), generation,
	); err != nil {
		return fmt.Errorf("flipping generation pointer: %w", err)
	}

	return b.sweep(ctx, locale, generation)
}

// sweep removes index rows from superseded generations.
func (b *Builder) sweep(ctx context.Context, locale store.Locale, keep string) error {
	for _, table := range []string{
		"expansion_answer_clusters", "expansion_question_clusters", "expansion_entries",
	} {
		if _, err := b.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE locale = ? AND generation != ?`, table),
			locale.Key(), keep,
		); err != nil {
			return fmt.Errorf("sweeping %s: %w", table, err)
		}
	}
	return nil
}

// ResetScope selects which derived state a targeted reset clears. Any
// combination is valid; each piece clears independently.
type ResetScope struct {
	QuestionClusterMap bool
	Decisions          bool
	Blacklist          bool
	ClusterAssignments bool
	ExpansionCache     bool
}

// TargetedReset clears the selected derived state for a locale. The
// decision cache is global (pair keys carry no locale) and clears whole.
func (b *Builder) TargetedReset(ctx context.Context, st store.Store, locale store.Locale, scope ResetScope) error {
	if scope.QuestionClusterMap {
		if _, err := b.db.ExecContext(ctx,
			`DELETE FROM expansion_question_clusters WHERE locale = ?`, locale.Key()); err != nil {
			return fmt.Errorf("clearing question-cluster map: %w", err)
		}
	}
	if scope.Decisions {
		if err := st.ClearDecisions(ctx); err != nil {
			return fmt.Errorf("clearing decisions: %w", err)
		}
	}
	if scope.Blacklist {
		if err := st.ClearExclusions(ctx, locale); err != nil {
			return fmt.Errorf("clearing blacklist: %w", err)
		}
	}
	if scope.ClusterAssignments {
		if err := st.ReplaceClusters(ctx, locale, nil); err != nil {
			return fmt.Errorf("clearing cluster assignments: %w", err)
		}
		if err := st.ReplaceOverlaps(ctx, locale, nil); err != nil {
			return fmt.Errorf("clearing overlaps: %w", err)
		}
	}
	if scope.ExpansionCache {
		if err := b.sweep(ctx, locale, ""); err != nil {
			return err
		}
		if _, err := b.db.ExecContext(ctx,
			`DELETE FROM expansion_generations WHERE locale = ?`, locale.Key()); err != nil {
			return fmt.Errorf("clearing generation pointer: %w", err)
		}
	}
	return nil
}

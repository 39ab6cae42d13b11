package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/answermesh/answermesh/internal/store"
)

// Membership is the stage-1 result: which clusters each source answer and
// each question of interest belongs to.
type Membership struct {
	// AnswerClusters maps answer id -> cluster ids, including clusters
	// reached by one-hop entailment.
	AnswerClusters map[string][]int64
	// QuestionClusters maps question id -> every cluster its answers
	// belong to, one-hop entailment grants included.
	QuestionClusters map[string][]int64
}

// Entry is one stage-2 expansion body for a (cluster, question) pair.
type Entry struct {
	ClusterID    int64
	QuestionID   string
	AnswerIDs    []string
	Mode         store.SelectionMode
	FullCoverage bool
	// QuestionClusterTotal is how many clusters hold QuestionID's answers
	// directly (entailed grants excluded). Lets the reader decide
	// cluster-set containment without a third fetch.
	QuestionClusterTotal int
}

// Index is the two-stage read interface. Expansion resolves in exactly
// two fetch operations regardless of cluster size: one ResolveMembership
// call, then one FetchEntries call for all clusters of interest.
type Index interface {
	ResolveMembership(ctx context.Context, locale store.Locale, answerIDs, questionIDs []string) (*Membership, error)
	FetchEntries(ctx context.Context, locale store.Locale, clusterIDs []int64) ([]Entry, error)
}

// SQLIndex serves the current generation of the SQLite-backed index.
type SQLIndex struct {
	db *sql.DB
}

// NewIndex creates a reader over the store's database. The index tables
// are created on first use by the Builder; a missing generation is
// reported as ErrCacheUnavailable at read time, never at construction.
func NewIndex(st *store.SQLiteStore) *SQLIndex {
	return &SQLIndex{db: st.DB()}
}

// currentGeneration returns the locale's live generation id.
func (ix *SQLIndex) currentGeneration(ctx context.Context, locale store.Locale) (string, error) {
	var generation string
	err := ix.db.QueryRowContext(ctx,
		`SELECT generation FROM expansion_generations WHERE locale = ?`, locale.Key(),
	).Scan(&generation)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: no generation built for %s", ErrCacheUnavailable, locale.Key())
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return generation, nil
}

// ResolveMembership is stage 1: one batched lookup of the answer and
// question key families against the current generation.
func (ix *SQLIndex) ResolveMembership(ctx context.Context, locale store.Locale, answerIDs, questionIDs []string) (*Membership, error) {
	generation, err := ix.currentGeneration(ctx, locale)
	if err != nil {
		return nil, err
	}

	m := &Membership{
		AnswerClusters:   make(map[string][]int64, len(answerIDs)),
		QuestionClusters: make(map[string][]int64, len(questionIDs)),
	}

	if len(answerIDs) > 0 {
		query := fmt.Sprintf(
			`SELECT answer_id, cluster_id FROM expansion_answer_clusters
			 WHERE generation = ? AND answer_id IN (%s)`,
			placeholders(len(answerIDs)),
		)
		args := append([]interface{}{generation}, stringArgs(answerIDs)...)
		rows, err := ix.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		for rows.Next() {
			var answerID string
			var clusterID int64
			if err := rows.Scan(&answerID, &clusterID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
			m.AnswerClusters[answerID] = append(m.AnswerClusters[answerID], clusterID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		rows.Close()
	}

	if len(questionIDs) > 0 {
		query := fmt.Sprintf(
			`SELECT question_id, cluster_id FROM expansion_question_clusters
			 WHERE generation = ? AND question_id IN (%s)`,
			placeholders(len(questionIDs)),
		)
		args := append([]interface{}{generation}, stringArgs(questionIDs)...)
		rows, err := ix.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		for rows.Next() {
			var questionID string
			var clusterID int64
			if err := rows.Scan(&questionID, &clusterID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
			}
			m.QuestionClusters[questionID] = append(m.QuestionClusters[questionID], clusterID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		rows.Close()
	}

	return m, nil
}

// FetchEntries is stage 2: one batched fetch of every (cluster, question)
// body for the given clusters.
func (ix *SQLIndex) FetchEntries(ctx context.Context, locale store.Locale, clusterIDs []int64) ([]Entry, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}
	generation, err := ix.currentGeneration(ctx, locale)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT cluster_id, question_id, answer_ids, selection_mode, full_coverage, question_clusters
		 FROM expansion_entries WHERE generation = ? AND cluster_id IN (%s)`,
		placeholders(len(clusterIDs)),
	)
	args := make([]interface{}, 0, len(clusterIDs)+1)
	args = append(args, generation)
	for _, id := range clusterIDs {
		args = append(args, id)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ids, mode string
		var fullCoverage int
		if err := rows.Scan(&e.ClusterID, &e.QuestionID, &ids, &mode, &fullCoverage, &e.QuestionClusterTotal); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		if err := json.Unmarshal([]byte(ids), &e.AnswerIDs); err != nil {
			return nil, fmt.Errorf("%w: corrupt answer ids: %v", ErrCacheUnavailable, err)
		}
		e.Mode = store.SelectionMode(mode)
		e.FullCoverage = fullCoverage != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return entries, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

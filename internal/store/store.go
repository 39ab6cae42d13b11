// Package store provides the SQLite storage layer for answermesh.
//
// All clustering state lives in a single SQLite database file:
// - Synced questions and answers (locale-partitioned, read-only here)
// - Equivalence clusters and their members
// - Exclusion pins, orphan records and entailment overlaps
// - The adjudication decision cache
// - Locale run locks and sync state
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.answermesh/answermesh.db"

// DefaultBatchSize bounds transactional batches so a crash mid-run loses
// at most one batch.
const DefaultBatchSize = 1000

// ErrLocaleLocked is returned when a clustering run is already active for
// the locale.
var ErrLocaleLocked = errors.New("locale clustering run already in progress")

// ErrColdStart is returned when an incremental run is requested before the
// locale has completed at least one full resync.
var ErrColdStart = errors.New("incremental run refused before first full resync")

// Locale is a (country, language) pair. Every entity and relationship in
// the store is partitioned by locale; nothing crosses it.
type Locale struct {
	Country  string
	Language string
}

// Key returns the canonical "CC-ll" form used for partition keys.
func (l Locale) Key() string {
	return l.Country + "-" + l.Language
}

// SelectionMode is the closed set of question answer modes.
type SelectionMode string

const (
	SelectionSingle SelectionMode = "single"
	SelectionMulti  SelectionMode = "multi"
)

// QuestionCategory is the closed set of question categories.
type QuestionCategory string

const (
	CategoryOrdinary            QuestionCategory = "ordinary"
	CategoryStandardDemographic QuestionCategory = "standard_demographic"
	CategoryPlatformStandard    QuestionCategory = "platform_standard"
)

// IsStandard reports whether the category anchors clusters (standard-facet
// questions always start a cluster and are never blacklisted).
func (c QuestionCategory) IsStandard() bool {
	return c == CategoryStandardDemographic || c == CategoryPlatformStandard
}

// SkipCode is the enumerated set of negative answer sentinels.
type SkipCode string

const (
	SkipNone             SkipCode = ""
	SkipDoesNotApply     SkipCode = "does_not_apply"
	SkipTranslationError SkipCode = "translation_error"
	SkipPreferNotToSay   SkipCode = "prefer_not_to_say"
)

// Propagates reports whether the sentinel crosses cluster boundaries at
// read time. Only "does not apply" is propagation-eligible.
func (c SkipCode) Propagates() bool {
	return c == SkipDoesNotApply
}

// Question is an externally-owned survey question, re-read each run.
type Question struct {
	ID       string
	Locale   Locale
	Text     string
	Mode     SelectionMode
	Category QuestionCategory
}

// Answer is an externally-owned answer option.
type Answer struct {
	ID         string
	QuestionID string
	Locale     Locale
	Text       string
	Skip       SkipCode
}

// SearchMode records which candidate search produced a cluster.
type SearchMode string

const (
	SearchEmbedding SearchMode = "embedding"
	SearchString    SearchMode = "string"
)

// Cluster is a locale-scoped set of equivalent answers.
type Cluster struct {
	ID               int64
	Locale           Locale
	RepresentativeID string // elected representative answer id
	Mode             SearchMode
	Members          []ClusterMember
}

// ClusterMember is one answer's membership in a cluster.
type ClusterMember struct {
	AnswerID   string
	QuestionID string
}

// ExclusionEntry pins a (question, cluster) pair so the question is never
// re-attached; survives across runs until explicitly cleared.
type ExclusionEntry struct {
	QuestionID string
	ClusterID  int64
	Locale     Locale
	Reason     string
}

// OrphanReason is the closed set of placement-failure reasons.
type OrphanReason string

const (
	OrphanNoCandidates OrphanReason = "no-candidates"
	OrphanLLMRejection OrphanReason = "llm-rejection"
)

// OrphanRecord persists an answer that could not be placed, for external
// re-processing next cycle.
type OrphanRecord struct {
	QuestionID string
	AnswerID   string
	Locale     Locale
	Reason     OrphanReason
}

// OverlapRecord is a directed, single-hop entailment between two clusters.
// Overlaps are never composed: A→B and B→C does not yield A→C.
type OverlapRecord struct {
	SourceClusterID  int64
	ImpliedClusterID int64
	Locale           Locale
}

// Decision is one cached adjudication verdict.
type Decision struct {
	PairKey   string // normalized pair key ("eq|..." or "ent|...")
	Accepted  bool
	Category  string // rejection category when not accepted
	Model     string
	CreatedAt time.Time
}

// Stats holds observability counts for the store.
type Stats struct {
	Questions  int64
	Answers    int64
	Clusters   int64
	Members    int64
	Exclusions int64
	Orphans    int64
	Overlaps   int64
	Decisions  int64
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath    string
	BatchSize int
}

// Store is the persistence interface consumed by the clustering engine and
// the cache builder.
type Store interface {
	// Source data (owned externally, re-imported each sync)
	ImportQuestions(ctx context.Context, questions []*Question) (int, error)
	ImportAnswers(ctx context.Context, answers []*Answer) (int, error)
	ListQuestions(ctx context.Context, locale Locale) ([]*Question, error)
	ListAnswers(ctx context.Context, locale Locale) ([]*Answer, error)

	// Clusters
	ReplaceClusters(ctx context.Context, locale Locale, clusters []*Cluster) error
	ListClusters(ctx context.Context, locale Locale) ([]*Cluster, error)

	// Exclusions / orphans / overlaps
	AddExclusions(ctx context.Context, entries []ExclusionEntry) error
	ListExclusions(ctx context.Context, locale Locale) ([]ExclusionEntry, error)
	ClearExclusions(ctx context.Context, locale Locale) error
	ReplaceOrphans(ctx context.Context, locale Locale, records []OrphanRecord) error
	ListOrphans(ctx context.Context, locale Locale) ([]OrphanRecord, error)
	ReplaceOverlaps(ctx context.Context, locale Locale, records []OverlapRecord) error
	ListOverlaps(ctx context.Context, locale Locale) ([]OverlapRecord, error)

	// Adjudication decision cache
	GetDecisions(ctx context.Context, keys []string) (map[string]Decision, error)
	PutDecisions(ctx context.Context, decisions []Decision) error
	ClearDecisions(ctx context.Context) error

	// Run coordination
	AcquireLocaleLock(ctx context.Context, locale Locale, runID string) error
	ReleaseLocaleLock(ctx context.Context, locale Locale, runID string) error
	MarkFullSync(ctx context.Context, locale Locale) error
	FullSyncDone(ctx context.Context, locale Locale) (bool, error)

	// Observability
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	batchSize int
}

// NewStore creates a SQLite-backed Store. Pass ":memory:" for tests.
func NewStore(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath, batchSize: cfg.BatchSize}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so the cache builder can manage its own
// tables in the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// BatchSize returns the configured transactional batch bound.
func (s *SQLiteStore) BatchSize() int {
	return s.batchSize
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

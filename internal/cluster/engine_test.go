package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/answermesh/answermesh/internal/adjudicate"
	"github.com/answermesh/answermesh/internal/llm"
	"github.com/answermesh/answermesh/internal/store"
)

var usEN = store.Locale{Country: "US", Language: "en"}

// fakeEmbedder serves deterministic vectors from a fixed map and fails on
// any text it was not primed with.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector primed for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

// fakeJudge is an llm.Provider that parses the adjudication batch prompt
// and answers each pair with a verdict function.
type fakeJudge struct {
	mu      sync.Mutex
	calls   int
	verdict func(a, b string) (bool, string)
}

func (f *fakeJudge) Name() string { return "fake/judge" }

func (f *fakeJudge) Complete(_ context.Context, prompt string, _ llm.CompletionOpts) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	type entry struct {
		ID       int    `json:"id"`
		Match    bool   `json:"match"`
		Category string `json:"category"`
	}
	var entries []entry
	for _, line := range strings.Split(prompt, "\n") {
		if !strings.HasPrefix(line, "- id:") {
			continue
		}
		var id int
		var a, b string
		if _, err := fmt.Sscanf(line, "- id:%d | %q vs %q", &id, &a, &b); err != nil {
			return "", fmt.Errorf("unparseable prompt line %q: %v", line, err)
		}
		match, category := f.verdict(a, b)
		entries = append(entries, entry{ID: id, Match: match, Category: category})
	}
	out, _ := json.Marshal(map[string]any{"verdicts": entries})
	return string(out), nil
}

func (f *fakeJudge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func exactMatch(a, b string) (bool, string) {
	if a == b {
		return true, ""
	}
	return false, "specificity"
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedColorLocale loads the standard two-question fixture: a standard
// color facet with Red/Blue and an ordinary preference question with
// Red/Green. Green sits at 0.8 cosine from Red, Blue is orthogonal.
func seedColorLocale(t *testing.T, st *store.SQLiteStore) *fakeEmbedder {
	t.Helper()
	ctx := context.Background()
	_, err := st.ImportQuestions(ctx, []*store.Question{
		{ID: "q-color", Locale: usEN, Text: "What is your favorite color?",
			Mode: store.SelectionSingle, Category: store.CategoryStandardDemographic},
		{ID: "q-pref", Locale: usEN, Text: "Which color do you prefer?",
			Mode: store.SelectionSingle, Category: store.CategoryOrdinary},
	})
	if err != nil {
		t.Fatalf("importing questions: %v", err)
	}
	_, err = st.ImportAnswers(ctx, []*store.Answer{
		{ID: "red-1", QuestionID: "q-color", Locale: usEN, Text: "Red"},
		{ID: "blue-1", QuestionID: "q-color", Locale: usEN, Text: "Blue"},
		{ID: "red-2", QuestionID: "q-pref", Locale: usEN, Text: "Red"},
		{ID: "green-2", QuestionID: "q-pref", Locale: usEN, Text: "Green"},
	})
	if err != nil {
		t.Fatalf("importing answers: %v", err)
	}
	return &fakeEmbedder{vectors: map[string][]float32{
		"what is your favorite color": {1, 0, 0},
		"which color do you prefer":   {1, 0, 0},
		"red":                         {0, 1, 0},
		"blue":                        {0, 0, 1},
		"green":                       {0, 0.8, 0.6},
	}}
}

func TestEngineRunCommits(t *testing.T) {
	st := newTestStore(t)
	emb := seedColorLocale(t, st)
	judge := &fakeJudge{verdict: exactMatch}
	adj := adjudicate.New(judge, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	ctx := context.Background()
	report, err := engine.Run(ctx, usEN, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Groups != 1 {
		t.Fatalf("groups = %d, want 1", report.Groups)
	}
	if report.AdjudicatedPairs != 2 {
		t.Fatalf("adjudicated pairs = %d, want 2 (red-red, red-green)", report.AdjudicatedPairs)
	}

	clusters, err := st.ListClusters(ctx, usEN)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters, want 1", len(clusters))
	}
	c := clusters[0]
	if len(c.Members) != 2 {
		t.Fatalf("cluster has %d members, want red-1 and red-2", len(c.Members))
	}
	if c.RepresentativeID != "red-1" {
		t.Fatalf("representative = %s, want the standard-facet answer", c.RepresentativeID)
	}
	if c.Mode != store.SearchEmbedding {
		t.Fatalf("mode = %v, want embedding", c.Mode)
	}

	orphans, err := st.ListOrphans(ctx, usEN)
	if err != nil {
		t.Fatalf("ListOrphans: %v", err)
	}
	reasons := make(map[string]store.OrphanReason, len(orphans))
	for _, o := range orphans {
		reasons[o.AnswerID] = o.Reason
	}
	if reasons["blue-1"] != store.OrphanNoCandidates {
		t.Fatalf("blue-1 reason = %v, want no-candidates", reasons["blue-1"])
	}
	if reasons["green-2"] != store.OrphanLLMRejection {
		t.Fatalf("green-2 reason = %v, want llm-rejection", reasons["green-2"])
	}

	done, err := st.FullSyncDone(ctx, usEN)
	if err != nil || !done {
		t.Fatalf("full sync mark: (%v, %v), want recorded", done, err)
	}

	// The lock is released; a follow-up incremental run is allowed.
	if _, err := engine.Run(ctx, usEN, Options{Incremental: true}); err != nil {
		t.Fatalf("incremental rerun: %v", err)
	}
}

func TestEngineDryRunCommitsNothing(t *testing.T) {
	st := newTestStore(t)
	emb := seedColorLocale(t, st)
	judge := &fakeJudge{verdict: exactMatch}
	adj := adjudicate.New(judge, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	ctx := context.Background()
	report, err := engine.Run(ctx, usEN, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if judge.callCount() == 0 {
		t.Fatal("dry run still adjudicates for real")
	}
	if len(report.Candidates) != 2 || len(report.Accepted) != 1 || len(report.Rejected) != 1 {
		t.Fatalf("artifacts = %d candidates / %d accepted / %d rejected, want 2/1/1",
			len(report.Candidates), len(report.Accepted), len(report.Rejected))
	}
	if len(report.Clusters) != 1 || report.Clusters[0].ID != 1 {
		t.Fatalf("dry-run clusters must carry synthetic ids, got %+v", report.Clusters)
	}

	clusters, err := st.ListClusters(ctx, usEN)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatal("dry run must commit no clusters")
	}
	done, err := st.FullSyncDone(ctx, usEN)
	if err != nil || done {
		t.Fatalf("dry run must not mark full sync: (%v, %v)", done, err)
	}
}

func TestEngineCapacityBudget(t *testing.T) {
	st := newTestStore(t)
	emb := seedColorLocale(t, st)
	judge := &fakeJudge{verdict: exactMatch}
	adj := adjudicate.New(judge, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	_, err := engine.Run(context.Background(), usEN, Options{MaxAdjudications: 1})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded", err)
	}
	if judge.callCount() != 0 {
		t.Fatal("the budget check must fire before any provider spend")
	}
	clusters, err := st.ListClusters(context.Background(), usEN)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 0 {
		t.Fatal("an over-budget run must commit nothing")
	}

	// The estimate reserves loop and entailment headroom beyond the
	// phase 3 pairs: a budget covering those pairs exactly still aborts.
	_, err = engine.Run(context.Background(), usEN, Options{MaxAdjudications: 2})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("got %v, want ErrCapacityExceeded with no loop headroom", err)
	}
	if judge.callCount() != 0 {
		t.Fatal("the budget check must fire before any provider spend")
	}
	if _, err := engine.Run(context.Background(), usEN, Options{MaxAdjudications: 3}); err != nil {
		t.Fatalf("a budget with headroom must let the run through: %v", err)
	}
}

func TestEngineIncrementalColdStart(t *testing.T) {
	st := newTestStore(t)
	emb := seedColorLocale(t, st)
	adj := adjudicate.New(&fakeJudge{verdict: exactMatch}, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	_, err := engine.Run(context.Background(), usEN, Options{Incremental: true})
	if !errors.Is(err, store.ErrColdStart) {
		t.Fatalf("got %v, want ErrColdStart", err)
	}
}

func TestEngineEnumerationMarkersDoNotBlockMatching(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.ImportQuestions(ctx, []*store.Question{
		{ID: "q1", Locale: usEN, Text: "Do you agree?",
			Mode: store.SelectionSingle, Category: store.CategoryPlatformStandard},
		{ID: "q2", Locale: usEN, Text: "Do you agree with the statement?",
			Mode: store.SelectionSingle, Category: store.CategoryOrdinary},
	})
	if err != nil {
		t.Fatalf("importing questions: %v", err)
	}
	_, err = st.ImportAnswers(ctx, []*store.Answer{
		{ID: "a-yes", QuestionID: "q1", Locale: usEN, Text: "1. Yes"},
		{ID: "a-no", QuestionID: "q1", Locale: usEN, Text: "2. No"},
		{ID: "b-yes", QuestionID: "q2", Locale: usEN, Text: "Yes"},
		{ID: "b-no", QuestionID: "q2", Locale: usEN, Text: "No"},
	})
	if err != nil {
		t.Fatalf("importing answers: %v", err)
	}

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"do you agree":                    {1, 0, 0},
		"do you agree with the statement": {1, 0, 0},
		"yes":                             {0, 1, 0},
		"no":                              {0, 0, 1},
	}}
	adj := adjudicate.New(&fakeJudge{verdict: exactMatch}, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	if _, err := engine.Run(ctx, usEN, Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	clusters, err := st.ListClusters(ctx, usEN)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 2 {
		t.Fatalf("got %d clusters, want yes-cluster and no-cluster", len(clusters))
	}
	for _, c := range clusters {
		questions := make(map[string]struct{})
		for _, m := range c.Members {
			questions[m.QuestionID] = struct{}{}
		}
		if len(c.Members) != 2 || len(questions) != 2 {
			t.Fatalf("cluster %d must pair one marked and one plain answer: %+v", c.ID, c.Members)
		}
	}
}

func TestEngineLocaleLockRefusesConcurrentRun(t *testing.T) {
	st := newTestStore(t)
	emb := seedColorLocale(t, st)
	adj := adjudicate.New(&fakeJudge{verdict: exactMatch}, st, adjudicate.Opts{})
	engine := NewEngine(st, emb, adj, nil, DefaultThresholds())

	ctx := context.Background()
	if err := st.AcquireLocaleLock(ctx, usEN, "other-run"); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}
	_, err := engine.Run(ctx, usEN, Options{})
	if !errors.Is(err, store.ErrLocaleLocked) {
		t.Fatalf("got %v, want ErrLocaleLocked", err)
	}
}

func TestResolveExclusions(t *testing.T) {
	clusters := []*store.Cluster{{
		ID:               7,
		Locale:           usEN,
		RepresentativeID: "rep-a",
		Members: []store.ClusterMember{
			{AnswerID: "rep-a", QuestionID: "q1"},
			{AnswerID: "other", QuestionID: "q2"},
		},
	}}
	pending := []pendingExclusion{
		{QuestionID: "q3", RepresentativeID: "rep-a", Reason: "audit eviction"},
		{QuestionID: "q4", RepresentativeID: "gone", Reason: "audit eviction"},
	}
	entries := resolveExclusions(pending, clusters, usEN)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (dissolved cluster pin dropped)", len(entries))
	}
	if entries[0].QuestionID != "q3" || entries[0].ClusterID != 7 {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

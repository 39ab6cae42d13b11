package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/answermesh/answermesh/internal/store"
)

var usEN = store.Locale{Country: "US", Language: "en"}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedClusteredLocale loads two committed clusters plus a one-hop overlap:
//
//	red cluster:  a1 (q1, "Red")  + b1 (q2, "Red")
//	blue cluster: a2 (q1, "Blue") + c1 (q3, "Crimson")
//	overlap: red -> blue
//
// q1 is fully covered (both its answers clustered), q2 is not (b2 "Green"
// never clustered). q3 is a multi-select question.
func seedClusteredLocale(t *testing.T, st *store.SQLiteStore) (red, blue *store.Cluster) {
	t.Helper()
	ctx := context.Background()
	_, err := st.ImportQuestions(ctx, []*store.Question{
		{ID: "q1", Locale: usEN, Text: "Favorite color?", Mode: store.SelectionSingle, Category: store.CategoryOrdinary},
		{ID: "q2", Locale: usEN, Text: "Preferred color?", Mode: store.SelectionSingle, Category: store.CategoryOrdinary},
		{ID: "q3", Locale: usEN, Text: "Colors you like?", Mode: store.SelectionMulti, Category: store.CategoryOrdinary},
	})
	if err != nil {
		t.Fatalf("importing questions: %v", err)
	}
	_, err = st.ImportAnswers(ctx, []*store.Answer{
		{ID: "a1", QuestionID: "q1", Locale: usEN, Text: "Red"},
		{ID: "a2", QuestionID: "q1", Locale: usEN, Text: "Blue"},
		{ID: "b1", QuestionID: "q2", Locale: usEN, Text: "Red"},
		{ID: "b2", QuestionID: "q2", Locale: usEN, Text: "Green"},
		{ID: "c1", QuestionID: "q3", Locale: usEN, Text: "Crimson"},
	})
	if err != nil {
		t.Fatalf("importing answers: %v", err)
	}

	red = &store.Cluster{Locale: usEN, RepresentativeID: "a1", Mode: store.SearchEmbedding,
		Members: []store.ClusterMember{
			{AnswerID: "a1", QuestionID: "q1"},
			{AnswerID: "b1", QuestionID: "q2"},
		}}
	blue = &store.Cluster{Locale: usEN, RepresentativeID: "a2", Mode: store.SearchEmbedding,
		Members: []store.ClusterMember{
			{AnswerID: "a2", QuestionID: "q1"},
			{AnswerID: "c1", QuestionID: "q3"},
		}}
	if err := st.ReplaceClusters(ctx, usEN, []*store.Cluster{red, blue}); err != nil {
		t.Fatalf("committing clusters: %v", err)
	}
	if err := st.ReplaceOverlaps(ctx, usEN, []store.OverlapRecord{
		{SourceClusterID: red.ID, ImpliedClusterID: blue.ID, Locale: usEN},
	}); err != nil {
		t.Fatalf("committing overlaps: %v", err)
	}
	return red, blue
}

func TestIndexUnavailableBeforeFirstBuild(t *testing.T) {
	st := newTestStore(t)
	if _, err := NewBuilder(st); err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	ix := NewIndex(st)
	_, err := ix.ResolveMembership(context.Background(), usEN, []string{"a1"}, nil)
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("got %v, want ErrCacheUnavailable", err)
	}
}

func TestRebuildWritesAllKeyFamilies(t *testing.T) {
	st := newTestStore(t)
	red, blue := seedClusteredLocale(t, st)
	b, err := NewBuilder(st)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	ctx := context.Background()
	if err := b.Rebuild(ctx, st, usEN); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	ix := NewIndex(st)
	m, err := ix.ResolveMembership(ctx, usEN, []string{"a1", "b2"}, []string{"q1", "q2"})
	if err != nil {
		t.Fatalf("ResolveMembership: %v", err)
	}

	// a1 sits in the red cluster and, via the one-hop overlap, the blue one.
	a1 := map[int64]bool{}
	for _, id := range m.AnswerClusters["a1"] {
		a1[id] = true
	}
	if len(a1) != 2 || !a1[red.ID] || !a1[blue.ID] {
		t.Fatalf("a1 clusters = %v, want direct %d plus entailed %d", m.AnswerClusters["a1"], red.ID, blue.ID)
	}
	// b2 was never clustered.
	if len(m.AnswerClusters["b2"]) != 0 {
		t.Fatalf("b2 clusters = %v, want none", m.AnswerClusters["b2"])
	}
	if len(m.QuestionClusters["q1"]) != 2 {
		t.Fatalf("q1 clusters = %v, want both", m.QuestionClusters["q1"])
	}
	// q2 touches red directly; the red -> blue overlap grants blue too.
	q2 := map[int64]bool{}
	for _, id := range m.QuestionClusters["q2"] {
		q2[id] = true
	}
	if len(q2) != 2 || !q2[red.ID] || !q2[blue.ID] {
		t.Fatalf("q2 clusters = %v, want direct %d plus entailed %d", m.QuestionClusters["q2"], red.ID, blue.ID)
	}

	entries, err := ix.FetchEntries(ctx, usEN, []int64{red.ID, blue.ID})
	if err != nil {
		t.Fatalf("FetchEntries: %v", err)
	}
	byKey := make(map[[2]interface{}]Entry, len(entries))
	for _, e := range entries {
		byKey[[2]interface{}{e.ClusterID, e.QuestionID}] = e
	}
	if len(byKey) != 4 {
		t.Fatalf("got %d entries, want one per (cluster, question): %+v", len(byKey), entries)
	}

	redQ1 := byKey[[2]interface{}{red.ID, "q1"}]
	if len(redQ1.AnswerIDs) != 1 || redQ1.AnswerIDs[0] != "a1" {
		t.Fatalf("red/q1 answers = %v, want [a1]", redQ1.AnswerIDs)
	}
	if !redQ1.FullCoverage {
		t.Fatal("q1 has every answer clustered; entry must carry full coverage")
	}
	if redQ1.QuestionClusterTotal != 2 {
		t.Fatalf("q1 cluster total = %d, want 2", redQ1.QuestionClusterTotal)
	}
	if redQ1.Mode != store.SelectionSingle {
		t.Fatalf("q1 mode = %v, want single", redQ1.Mode)
	}

	redQ2 := byKey[[2]interface{}{red.ID, "q2"}]
	if redQ2.FullCoverage {
		t.Fatal("q2 leaves Green unclustered; entry must not claim full coverage")
	}
	if redQ2.QuestionClusterTotal != 1 {
		t.Fatalf("q2 cluster total = %d, want 1", redQ2.QuestionClusterTotal)
	}

	blueQ3 := byKey[[2]interface{}{blue.ID, "q3"}]
	if blueQ3.Mode != store.SelectionMulti {
		t.Fatalf("q3 mode = %v, want multi", blueQ3.Mode)
	}
}

func TestRebuildSwapsGenerations(t *testing.T) {
	st := newTestStore(t)
	seedClusteredLocale(t, st)
	b, err := NewBuilder(st)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	ctx := context.Background()
	if err := b.Rebuild(ctx, st, usEN); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	if err := b.Rebuild(ctx, st, usEN); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	// Only the live generation's rows survive the sweep.
	var generations int
	err = st.DB().QueryRow(
		`SELECT COUNT(DISTINCT generation) FROM expansion_answer_clusters WHERE locale = ?`,
		usEN.Key(),
	).Scan(&generations)
	if err != nil {
		t.Fatalf("counting generations: %v", err)
	}
	if generations != 1 {
		t.Fatalf("got %d generations after sweep, want 1", generations)
	}

	// Readers still resolve against the fresh generation.
	ix := NewIndex(st)
	m, err := ix.ResolveMembership(ctx, usEN, []string{"a1"}, nil)
	if err != nil {
		t.Fatalf("ResolveMembership after swap: %v", err)
	}
	if len(m.AnswerClusters["a1"]) != 2 {
		t.Fatalf("a1 clusters = %v, want 2 after swap", m.AnswerClusters["a1"])
	}
}

func TestRebuildIsLocaleScoped(t *testing.T) {
	st := newTestStore(t)
	seedClusteredLocale(t, st)
	b, err := NewBuilder(st)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	ctx := context.Background()
	if err := b.Rebuild(ctx, st, usEN); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	other := store.Locale{Country: "DE", Language: "de"}
	ix := NewIndex(st)
	_, err = ix.ResolveMembership(ctx, other, []string{"a1"}, nil)
	if !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("foreign locale read: got %v, want ErrCacheUnavailable", err)
	}
}

func TestTargetedReset(t *testing.T) {
	st := newTestStore(t)
	seedClusteredLocale(t, st)
	ctx := context.Background()
	if err := st.PutDecisions(ctx, []store.Decision{{PairKey: "eq|x\x00y", Accepted: true}}); err != nil {
		t.Fatalf("seeding decisions: %v", err)
	}
	if err := st.AddExclusions(ctx, []store.ExclusionEntry{
		{QuestionID: "q1", ClusterID: 1, Locale: usEN, Reason: "audit eviction"},
	}); err != nil {
		t.Fatalf("seeding exclusions: %v", err)
	}

	b, err := NewBuilder(st)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.Rebuild(ctx, st, usEN); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	// Expansion cache only: clusters and decisions stay.
	if err := b.TargetedReset(ctx, st, usEN, ResetScope{ExpansionCache: true}); err != nil {
		t.Fatalf("reset expansion: %v", err)
	}
	ix := NewIndex(st)
	if _, err := ix.ResolveMembership(ctx, usEN, []string{"a1"}, nil); !errors.Is(err, ErrCacheUnavailable) {
		t.Fatalf("after expansion reset: got %v, want ErrCacheUnavailable", err)
	}
	clusters, err := st.ListClusters(ctx, usEN)
	if err != nil || len(clusters) != 2 {
		t.Fatalf("clusters after expansion reset: (%d, %v), want untouched", len(clusters), err)
	}

	// Decisions, blacklist, and cluster assignments clear independently.
	if err := b.TargetedReset(ctx, st, usEN, ResetScope{
		Decisions: true, Blacklist: true, ClusterAssignments: true,
	}); err != nil {
		t.Fatalf("reset derived state: %v", err)
	}
	decisions, err := st.GetDecisions(ctx, []string{"eq|x\x00y"})
	if err != nil || len(decisions) != 0 {
		t.Fatalf("decisions after reset: (%d, %v), want cleared", len(decisions), err)
	}
	exclusions, err := st.ListExclusions(ctx, usEN)
	if err != nil || len(exclusions) != 0 {
		t.Fatalf("exclusions after reset: (%d, %v), want cleared", len(exclusions), err)
	}
	clusters, err = st.ListClusters(ctx, usEN)
	if err != nil || len(clusters) != 0 {
		t.Fatalf("clusters after reset: (%d, %v), want cleared", len(clusters), err)
	}
}

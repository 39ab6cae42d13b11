package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/answermesh/answermesh/internal/llm"
	"github.com/answermesh/answermesh/internal/store"
)

// fakeProvider answers every pair in the prompt according to a verdict
// function, or fails with a fixed error.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	fail    error
	verdict func(a, b string) (bool, string)
}

func (f *fakeProvider) Name() string { return "fake/test" }

func (f *fakeProvider) Complete(_ context.Context, prompt string, _ llm.CompletionOpts) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}

	var entries []verdictEntry
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
		entries = append(entries, verdictEntry{ID: id, Match: match, Category: category})
	}
	out, _ := json.Marshal(verdictResponse{Verdicts: entries})
	return string(out), nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func equalVerdict(a, b string) (bool, string) {
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

func TestJudgeEquivalenceVerdicts(t *testing.T) {
	provider := &fakeProvider{verdict: equalVerdict}
	adj := New(provider, newTestStore(t), Opts{})

	results, err := adj.JudgeEquivalence(context.Background(), []Pair{
		{ID: 1, A: "yes", B: "yes"},
		{ID: 2, A: "engineer", B: "software engineer"},
	})
	if err != nil {
		t.Fatalf("JudgeEquivalence: %v", err)
	}
	if results[1].Verdict != VerdictAccept {
		t.Fatalf("pair 1: got %v, want accept", results[1].Verdict)
	}
	if results[2].Verdict != VerdictReject {
		t.Fatalf("pair 2: got %v, want reject", results[2].Verdict)
	}
	if results[2].Category != "specificity" {
		t.Fatalf("pair 2 category = %q, want specificity", results[2].Category)
	}
}

func TestVerdictsAreCached(t *testing.T) {
	provider := &fakeProvider{verdict: equalVerdict}
	st := newTestStore(t)
	adj := New(provider, st, Opts{})

	pairs := []Pair{{ID: 1, A: "yes", B: "yes"}}
	if _, err := adj.JudgeEquivalence(context.Background(), pairs); err != nil {
		t.Fatalf("first call: %v", err)
	}
	first := provider.callCount()

	results, err := adj.JudgeEquivalence(context.Background(), pairs)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if provider.callCount() != first {
		t.Fatal("second call must be served from cache")
	}
	if !results[1].Cached {
		t.Fatal("result must be marked cached")
	}

	// A fresh adjudicator over the same store hits the persisted layer.
	adj2 := New(&fakeProvider{verdict: equalVerdict}, st, Opts{})
	results, err = adj2.JudgeEquivalence(context.Background(), pairs)
	if err != nil {
		t.Fatalf("persisted call: %v", err)
	}
	if !results[1].Cached {
		t.Fatal("persisted verdict must be marked cached")
	}
}

func TestCacheKeyIsOrderIndependent(t *testing.T) {
	provider := &fakeProvider{verdict: equalVerdict}
	adj := New(provider, newTestStore(t), Opts{})

	if _, err := adj.JudgeEquivalence(context.Background(), []Pair{{ID: 1, A: "a", B: "b"}}); err != nil {
		t.Fatalf("first: %v", err)
	}
	before := provider.callCount()
	if _, err := adj.JudgeEquivalence(context.Background(), []Pair{{ID: 1, A: "b", B: "a"}}); err != nil {
		t.Fatalf("swapped: %v", err)
	}
	if provider.callCount() != before {
		t.Fatal("swapped equivalence pair must hit the cache")
	}
}

func TestEntailmentKeyIsDirectional(t *testing.T) {
	provider := &fakeProvider{verdict: func(a, b string) (bool, string) {
		return a == "iphone 15", "" // only source->implied holds
	}}
	adj := New(provider, newTestStore(t), Opts{})

	fwd, err := adj.JudgeEntailment(context.Background(), []Pair{{ID: 1, A: "iphone 15", B: "owns a smartphone"}})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	rev, err := adj.JudgeEntailment(context.Background(), []Pair{{ID: 1, A: "owns a smartphone", B: "iphone 15"}})
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if fwd[1].Verdict != VerdictAccept {
		t.Fatal("forward entailment must be accepted")
	}
	if rev[1].Verdict != VerdictReject {
		t.Fatal("reverse entailment must not reuse the forward verdict")
	}
}

func TestTransientFailureMarksRetry(t *testing.T) {
	provider := &fakeProvider{fail: context.DeadlineExceeded}
	adj := New(provider, newTestStore(t), Opts{})

	results, err := adj.JudgeEquivalence(context.Background(), []Pair{{ID: 1, A: "a", B: "b"}})
	if err != nil {
		t.Fatalf("transient failure must not be an error: %v", err)
	}
	if results[1].Verdict != VerdictRetry {
		t.Fatalf("got %v, want retry", results[1].Verdict)
	}
}

func TestParseVerdictsStripsFences(t *testing.T) {
	raw := "```json\n{\"verdicts\":[{\"id\":7,\"match\":true,\"category\":\"\"}]}\n```"
	entries, err := parseVerdicts(raw)
	if err != nil {
		t.Fatalf("parseVerdicts: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != 7 || !entries[0].Match {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestParseVerdictsRejectsGarbage(t *testing.T) {
	if _, err := parseVerdicts("I think they are the same"); err == nil {
		t.Fatal("prose response must be an error")
	}
}

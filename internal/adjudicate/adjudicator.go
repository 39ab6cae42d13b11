// Package adjudicate sends candidate pairs to an LLM for strict yes/no
// equivalence and entailment verdicts. Verdicts are cached by normalized
// pair key (in-process TTL layer over the SQLite decisions table) so
// repeat runs incur no provider cost. Transient provider failures mark
// pairs retryable — they are never silently accepted or rejected.
package adjudicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/answermesh/answermesh/internal/llm"
	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

const (
	// batchTimeout is the max time for a single batch adjudication call.
	batchTimeout = 30 * time.Second

	// DefaultBatchSize is the number of pairs per LLM batch.
	DefaultBatchSize = 40

	// DefaultConcurrency bounds in-flight adjudication batches.
	DefaultConcurrency = 4

	// memTTL is how long verdicts stay in the in-process layer.
	memTTL = time.Hour
)

const equivalenceSystemPrompt = `You are an answer equivalence judge for a survey platform. You compare pairs of answer option texts from the same locale and decide whether they mean the same thing to a respondent.

STRICT RULES:
- Answer YES only when a respondent choosing one would always choose the other.
- Reject SPECIFICITY mismatches: "engineer" vs "software engineer" is NO (category: "specificity").
- Reject COMPOSITE vs specific-option mismatches: "Yes, both" vs "Yes" is NO (category: "composite").
- Distinct named entities are never equivalent, however similar they look.
- Spelling, casing, punctuation and enumeration-index differences do not matter.

Return ONLY a JSON object:
{
  "verdicts": [
    {"id": 1, "match": true, "category": ""},
    {"id": 2, "match": false, "category": "specificity"}
  ]
}`

const entailmentSystemPrompt = `You are an answer entailment judge for a survey platform. For each ordered pair (source, implied) of answer texts, decide whether choosing the source logically implies eligibility for the implied answer. This is DIRECTIONAL: "iPhone 15" implies "owns a smartphone", but not the reverse.

Answer YES only for a strict one-way implication. Equal meaning also counts as YES.

Return ONLY a JSON object:
{
  "verdicts": [
    {"id": 1, "match": true, "category": ""},
    {"id": 2, "match": false, "category": ""}
  ]
}`

// Verdict is the outcome for one pair.
type Verdict int

const (
	// VerdictRetry marks a pair whose adjudication failed transiently.
	// It must be re-asked, never treated as accept or reject.
	VerdictRetry Verdict = iota
	VerdictAccept
	VerdictReject
)

// Pair is one candidate pair in comparison form.
type Pair struct {
	ID int    // caller-scoped id, echoed back in results
	A  string // normalized comparison form
	B  string
}

// Result is the adjudication outcome for one pair.
type Result struct {
	Verdict  Verdict
	Category string // rejection category when rejected
	Cached   bool
}

// DecisionStore is the persistence surface the adjudicator needs.
type DecisionStore interface {
	GetDecisions(ctx context.Context, keys []string) (map[string]store.Decision, error)
	PutDecisions(ctx context.Context, decisions []store.Decision) error
}

// Opts configures an Adjudicator.
type Opts struct {
	BatchSize   int
	Concurrency int
	// RequestsPerSecond caps the provider call rate. 0 = unlimited.
	RequestsPerSecond float64
}

// Adjudicator batches pairs, consults the verdict caches and asks the
// provider only for unknown pairs.
type Adjudicator struct {
	provider llm.Provider
	store    DecisionStore
	mem      *gocache.Cache
	limiter  *rate.Limiter
	opts     Opts
}

// New creates an Adjudicator. store may be nil (verdicts then live only in
// the in-process layer — used by dry runs and tests).
func New(provider llm.Provider, decisions DecisionStore, opts Opts) *Adjudicator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Adjudicator{
		provider: provider,
		store:    decisions,
		mem:      gocache.New(memTTL, 2*memTTL),
		limiter:  limiter,
		opts:     opts,
	}
}

// JudgeEquivalence adjudicates unordered pairs for semantic equivalence.
func (a *Adjudicator) JudgeEquivalence(ctx context.Context, pairs []Pair) (map[int]Result, error) {
	return a.judge(ctx, pairs, equivalenceKey, equivalenceSystemPrompt)
}

// JudgeEntailment adjudicates ordered (source, implied) pairs for
// one-directional entailment.
func (a *Adjudicator) JudgeEntailment(ctx context.Context, pairs []Pair) (map[int]Result, error) {
	return a.judge(ctx, pairs, entailmentKey, entailmentSystemPrompt)
}

func equivalenceKey(p Pair) string { return "eq|" + norm.PairKey(p.A, p.B) }
func entailmentKey(p Pair) string  { return "ent|" + p.A + "\x00" + p.B }

func (a *Adjudicator) judge(ctx context.Context, pairs []Pair, keyOf func(Pair) string, system string) (map[int]Result, error) {
	results := make(map[int]Result, len(pairs))
	if len(pairs) == 0 {
		return results, nil
	}

	// Layer 1: in-process cache.
	var uncached []Pair
	for _, p := range pairs {
		if v, ok := a.mem.Get(keyOf(p)); ok {
			cached := v.(Result)
			cached.Cached = true
			results[p.ID] = cached
			continue
		}
		uncached = append(uncached, p)
	}

	// Layer 2: persisted decisions.
	if a.store != nil && len(uncached) > 0 {
		keys := make([]string, len(uncached))
		for i, p := range uncached {
			keys[i] = keyOf(p)
		}
		stored, err := a.store.GetDecisions(ctx, keys)
		if err != nil {
			return nil, fmt.Errorf("loading cached decisions: %w", err)
		}
		remaining := uncached[:0]
		for _, p := range uncached {
			if d, ok := stored[keyOf(p)]; ok {
				r := Result{Verdict: VerdictReject, Category: d.Category, Cached: true}
				if d.Accepted {
					r.Verdict = VerdictAccept
					r.Category = ""
				}
				results[p.ID] = r
				a.mem.Set(keyOf(p), Result{Verdict: r.Verdict, Category: r.Category}, memTTL)
				continue
			}
			remaining = append(remaining, p)
		}
		uncached = remaining
	}

	if len(uncached) == 0 {
		return results, nil
	}

	// Layer 3: the provider, in bounded concurrent batches.
	var mu sync.Mutex
	var fresh []store.Decision

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)

	for start := 0; start < len(uncached); start += a.opts.BatchSize {
		end := start + a.opts.BatchSize
		if end > len(uncached) {
			end = len(uncached)
		}
		batch := uncached[start:end]

		g.Go(func() error {
			verdicts, err := a.judgeBatch(gctx, batch, system)
			if err != nil {
				if llm.IsTransient(err) {
					// The whole batch is retryable, not rejected.
					mu.Lock()
					for _, p := range batch {
						results[p.ID] = Result{Verdict: VerdictRetry}
					}
					mu.Unlock()
					return nil
				}
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for _, p := range batch {
				v, ok := verdicts[p.ID]
				if !ok {
					// Provider dropped the pair; retry next loop.
					results[p.ID] = Result{Verdict: VerdictRetry}
					continue
				}
				results[p.ID] = v
				key := keyOf(p)
				a.mem.Set(key, Result{Verdict: v.Verdict, Category: v.Category}, memTTL)
				fresh = append(fresh, store.Decision{
					PairKey:  key,
					Accepted: v.Verdict == VerdictAccept,
					Category: v.Category,
					Model:    a.provider.Name(),
				})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if a.store != nil && len(fresh) > 0 {
		if err := a.store.PutDecisions(ctx, fresh); err != nil {
			return nil, fmt.Errorf("persisting decisions: %w", err)
		}
	}
	return results, nil
}

// judgeBatch sends one batch of pairs to the provider and parses the
// verdict list.
func (a *Adjudicator) judgeBatch(ctx context.Context, batch []Pair, system string) (map[int]Result, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt := buildBatchPrompt(batch)

	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	resp, err := a.provider.Complete(batchCtx, prompt, llm.CompletionOpts{
		System:      system,
		Temperature: 0.1,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM adjudication call: %w", err)
	}

	entries, err := parseVerdicts(resp)
	if err != nil {
		return nil, fmt.Errorf("parsing adjudication response: %w", err)
	}

	out := make(map[int]Result, len(entries))
	for _, e := range entries {
		v := Result{Verdict: VerdictReject, Category: e.Category}
		if e.Match {
			v = Result{Verdict: VerdictAccept}
		}
		out[e.ID] = v
	}
	return out, nil
}

func buildBatchPrompt(batch []Pair) string {
	var sb strings.Builder
	sb.WriteString("Judge each pair. Return JSON only.\n\nPAIRS:\n")
	for _, p := range batch {
		fmt.Fprintf(&sb, "- id:%d | %q vs %q\n", p.ID, truncateForPrompt(p.A, 120), truncateForPrompt(p.B, 120))
	}
	return sb.String()
}

type verdictEntry struct {
	ID       int    `json:"id"`
	Match    bool   `json:"match"`
	Category string `json:"category"`
}

type verdictResponse struct {
	Verdicts []verdictEntry `json:"verdicts"`
}

// parseVerdicts parses the LLM's JSON (with markdown fence stripping).
func parseVerdicts(raw string) ([]verdictEntry, error) {
	cleaned := strings.TrimSpace(raw)

	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		var kept []string
		inBlock := false
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inBlock = !inBlock
				continue
			}
			if inBlock {
				kept = append(kept, line)
			}
		}
		cleaned = strings.Join(kept, "\n")
	}

	var resp verdictResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON from LLM: %w (raw: %s)", err, truncateForPrompt(raw, 200))
	}
	return resp.Verdicts, nil
}

func truncateForPrompt(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}

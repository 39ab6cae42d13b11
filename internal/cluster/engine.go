package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/answermesh/answermesh/internal/adjudicate"
	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/guard"
	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

// ErrCapacityExceeded aborts a run whose estimated adjudication cost
// exceeds the configured budget. Nothing is committed.
var ErrCapacityExceeded = errors.New("estimated adjudication cost exceeds budget")

// retryPasses bounds re-asking of transiently failed adjudications within
// one run. Pairs still unresolved after that stay unplaced.
const retryPasses = 3

// Options configures one clustering run.
type Options struct {
	// DryRun computes everything but commits nothing; the report carries
	// the full audit artifacts instead.
	DryRun bool
	// Incremental refuses to run before the locale's first full resync.
	Incremental bool
	// MaxAdjudications caps LLM pair verdicts for the run. 0 = unlimited.
	MaxAdjudications int
}

// PairLog is one audit-artifact entry for a candidate pair.
type PairLog struct {
	AnswerA string  `json:"answer_a"`
	AnswerB string  `json:"answer_b"`
	Score   float64 `json:"score,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// RunReport is the run's outcome: counts for normal runs, full artifacts
// for dry runs.
type RunReport struct {
	Locale           string                `json:"locale"`
	RunID            string                `json:"run_id"`
	DryRun           bool                  `json:"dry_run"`
	Questions        int                   `json:"questions"`
	Answers          int                   `json:"answers"`
	Groups           int                   `json:"groups"`
	Classification   map[string]bool       `json:"classification"`
	QuestionStates   map[string]string     `json:"question_states"`
	Candidates       []PairLog             `json:"candidates,omitempty"`
	GuardRejections  []PairLog             `json:"guard_rejections,omitempty"`
	Accepted         []PairLog             `json:"accepted,omitempty"`
	Rejected         []PairLog             `json:"rejected,omitempty"`
	Clusters         []*store.Cluster      `json:"clusters,omitempty"`
	Orphans          []store.OrphanRecord  `json:"orphans,omitempty"`
	Overlaps         []store.OverlapRecord `json:"overlaps,omitempty"`
	AuditIterations  int                   `json:"audit_iterations"`
	OrphanRetries    int                   `json:"orphan_retries"`
	AdjudicatedPairs int                   `json:"adjudicated_pairs"`
	CachedVerdicts   int                   `json:"cached_verdicts"`
}

// Engine is the offline clustering engine for one database.
type Engine struct {
	store      store.Store
	embedder   embed.Embedder
	adj        *adjudicate.Adjudicator
	classifier LocationClassifier
	guards     guard.Guard
	th         Thresholds
	lim        loopLimits
}

// NewEngine wires a clustering engine. classifier may be nil (keyword
// default); thresholds of zero value get the defaults.
func NewEngine(st store.Store, embedder embed.Embedder, adj *adjudicate.Adjudicator, classifier LocationClassifier, th Thresholds) *Engine {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	if th.Embedding == 0 {
		th = DefaultThresholds()
	}
	return &Engine{
		store:      st,
		embedder:   embedder,
		adj:        adj,
		classifier: classifier,
		guards:     guard.Default(guard.Strict),
		th:         th,
		lim:        defaultLoopLimits(),
	}
}

// Run executes one clustering pass for a locale: question grouping,
// candidate generation, guarded adjudication, audit/orphan loops,
// entailment, and commit. Locales are independent; a per-locale lock
// refuses concurrent runs.
func (e *Engine) Run(ctx context.Context, locale store.Locale, opts Options) (*RunReport, error) {
	if opts.Incremental {
		done, err := e.store.FullSyncDone(ctx, locale)
		if err != nil {
			return nil, fmt.Errorf("checking sync state: %w", err)
		}
		if !done {
			return nil, fmt.Errorf("%w: locale %s", store.ErrColdStart, locale.Key())
		}
	}

	runID := uuid.NewString()
	if err := e.store.AcquireLocaleLock(ctx, locale, runID); err != nil {
		return nil, err
	}
	defer e.store.ReleaseLocaleLock(context.WithoutCancel(ctx), locale, runID)

	questions, err := e.store.ListQuestions(ctx, locale)
	if err != nil {
		return nil, fmt.Errorf("loading questions: %w", err)
	}
	answers, err := e.store.ListAnswers(ctx, locale)
	if err != nil {
		return nil, fmt.Errorf("loading answers: %w", err)
	}

	questionsByID := make(map[string]*store.Question, len(questions))
	for _, q := range questions {
		questionsByID[q.ID] = q
	}
	answersByQ := make(map[string][]*store.Answer, len(questions))
	for _, a := range answers {
		answersByQ[a.QuestionID] = append(answersByQ[a.QuestionID], a)
	}

	bl, err := e.loadBlacklist(ctx, locale)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		Locale:    locale.Key(),
		RunID:     runID,
		DryRun:    opts.DryRun,
		Questions: len(questions),
		Answers:   len(answers),
	}

	// Phase 1: question grouping.
	as := &assembler{embedder: e.embedder, classifier: e.classifier, th: e.th}
	groups, states, location, err := as.groupQuestions(ctx, questions, answersByQ)
	if err != nil {
		return nil, fmt.Errorf("phase 1: %w", err)
	}
	report.Groups = len(groups)
	report.QuestionStates = make(map[string]string, len(states))
	for id, s := range states {
		report.QuestionStates[id] = s.String()
	}
	report.Classification = location

	// Phase 2: candidate generation + guards.
	membersByID := make(map[string]*member)
	modeOf := make(map[string]store.SearchMode)
	var survivors []candidatePair
	for _, g := range groups {
		pairs, err := generateCandidates(ctx, g, e.embedder, e.th)
		if err != nil {
			return nil, fmt.Errorf("phase 2: %w", err)
		}
		for _, m := range g.Members {
			membersByID[m.Answer.ID] = m
			modeOf[m.Answer.ID] = g.Mode
		}
		for _, p := range pairs {
			p.A.hadCandidates = true
			p.B.hadCandidates = true
			if opts.DryRun {
				report.Candidates = append(report.Candidates, PairLog{
					AnswerA: p.A.Answer.ID, AnswerB: p.B.Answer.ID, Score: p.Score,
				})
			}
			if rej := e.guards(p.A.Norm, p.B.Norm); rej != nil {
				if opts.DryRun {
					report.GuardRejections = append(report.GuardRejections, PairLog{
						AnswerA: p.A.Answer.ID, AnswerB: p.B.Answer.ID,
						Reason: rej.Guard + ": " + rej.Reason,
					})
				}
				continue
			}
			survivors = append(survivors, p)
		}
	}

	// Capacity check before any provider spend or commit. The budget
	// covers the whole run: phase 3 asks one verdict per survivor, and
	// the audit, orphan and entailment passes are estimated at half that
	// again (they re-validate subsets of the same pairs against cluster
	// representatives).
	estimated := len(survivors) + len(survivors)/2
	if opts.MaxAdjudications > 0 && estimated > opts.MaxAdjudications {
		return nil, fmt.Errorf("%w: %d estimated calls for %d pairs, budget %d",
			ErrCapacityExceeded, estimated, len(survivors), opts.MaxAdjudications)
	}

	// Phase 3: adjudication and union.
	cb := newClusterBuilder()
	for _, m := range membersByID {
		cb.add(m.Answer)
	}
	accepted, err := e.adjudicatePairs(ctx, survivors, cb, report, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("phase 3: %w", err)
	}

	// Answers in multi-question groups that never joined a cluster feed
	// the orphan loop.
	aud := &auditor{adj: e.adj, guards: e.guards, questions: questionsByID, th: e.th, lim: e.lim}
	pending := unplacedMembers(cb, membersByID, accepted)
	loops, err := aud.runLoops(ctx, cb, membersByID, pending, bl)
	if err != nil {
		return nil, fmt.Errorf("audit/orphan loops: %w", err)
	}
	report.AuditIterations = loops.AuditIterations
	report.OrphanRetries = loops.OrphanRetries
	report.Orphans = loops.Orphans

	clusters := e.materializeClusters(cb, membersByID, aud, modeOf, locale)

	if opts.DryRun {
		for i, c := range clusters {
			c.ID = int64(i + 1) // synthetic ids, nothing is committed
		}
		overlaps, err := aud.detectOverlaps(ctx, clusters, membersByID, locale)
		if err != nil {
			return nil, fmt.Errorf("phase 4: %w", err)
		}
		report.Clusters = clusters
		report.Overlaps = overlaps
		return report, nil
	}

	// Commit: clusters first (assigns ids), then everything keyed on them.
	if err := e.store.ReplaceClusters(ctx, locale, clusters); err != nil {
		return nil, fmt.Errorf("committing clusters: %w", err)
	}
	overlaps, err := aud.detectOverlaps(ctx, clusters, membersByID, locale)
	if err != nil {
		return nil, fmt.Errorf("phase 4: %w", err)
	}
	if err := e.store.ReplaceOverlaps(ctx, locale, overlaps); err != nil {
		return nil, fmt.Errorf("committing overlaps: %w", err)
	}
	report.Overlaps = overlaps
	report.Clusters = clusters

	if entries := resolveExclusions(loops.Exclusions, clusters, locale); len(entries) > 0 {
		if err := e.store.AddExclusions(ctx, entries); err != nil {
			return nil, fmt.Errorf("committing exclusions: %w", err)
		}
	}
	if err := e.store.ReplaceOrphans(ctx, locale, loops.Orphans); err != nil {
		return nil, fmt.Errorf("committing orphans: %w", err)
	}
	if !opts.Incremental {
		if err := e.store.MarkFullSync(ctx, locale); err != nil {
			return nil, fmt.Errorf("marking full sync: %w", err)
		}
	}
	return report, nil
}

// adjudicatePairs asks the adjudicator for every surviving pair and unions
// accepted ones. Transiently failed pairs are re-asked a bounded number of
// passes; what is left stays unresolved.
func (e *Engine) adjudicatePairs(ctx context.Context, pairs []candidatePair, cb *clusterBuilder, report *RunReport, dryRun bool) (map[string]bool, error) {
	accepted := make(map[string]bool)
	queue := pairs
	for pass := 0; pass < retryPasses && len(queue) > 0; pass++ {
		batch := make([]adjudicate.Pair, len(queue))
		for i, p := range queue {
			a, b := norm.ComparisonPair(p.A.Norm, p.B.Norm)
			batch[i] = adjudicate.Pair{ID: i, A: a, B: b}
		}
		verdicts, err := e.adj.JudgeEquivalence(ctx, batch)
		if err != nil {
			return nil, err
		}

		var retry []candidatePair
		for i, p := range queue {
			v := verdicts[i]
			report.AdjudicatedPairs++
			if v.Cached {
				report.CachedVerdicts++
			}
			switch v.Verdict {
			case adjudicate.VerdictAccept:
				if cb.tryUnion(p.A.Answer.ID, p.B.Answer.ID) {
					accepted[p.A.Answer.ID] = true
					accepted[p.B.Answer.ID] = true
					if dryRun {
						report.Accepted = append(report.Accepted, PairLog{
							AnswerA: p.A.Answer.ID, AnswerB: p.B.Answer.ID, Score: p.Score,
						})
					}
				}
			case adjudicate.VerdictReject:
				if dryRun {
					report.Rejected = append(report.Rejected, PairLog{
						AnswerA: p.A.Answer.ID, AnswerB: p.B.Answer.ID, Reason: v.Category,
					})
				}
			case adjudicate.VerdictRetry:
				retry = append(retry, p)
			}
		}
		queue = retry
	}
	return accepted, nil
}

// unplacedMembers returns the members of multi-question groups that ended
// up outside every cluster.
func unplacedMembers(cb *clusterBuilder, membersByID map[string]*member, accepted map[string]bool) []*member {
	placed := make(map[string]struct{})
	for _, members := range cb.clusters() {
		for _, m := range members {
			placed[m.AnswerID] = struct{}{}
		}
	}
	var pending []*member
	for id, m := range membersByID {
		if _, ok := placed[id]; ok {
			continue
		}
		if accepted[id] {
			continue
		}
		pending = append(pending, m)
	}
	return pending
}

// materializeClusters converts the union components into store clusters
// with an elected representative and the search mode that produced them.
func (e *Engine) materializeClusters(cb *clusterBuilder, membersByID map[string]*member, aud *auditor, modeOf map[string]store.SearchMode, locale store.Locale) []*store.Cluster {
	var clusters []*store.Cluster
	for _, members := range cb.clusters() {
		full := make([]*member, 0, len(members))
		mode := store.SearchEmbedding
		for _, cm := range members {
			if m, ok := membersByID[cm.AnswerID]; ok {
				full = append(full, m)
			}
			if modeOf[cm.AnswerID] == store.SearchString {
				mode = store.SearchString
			}
		}
		rep := aud.electRepresentative(full)
		if rep == nil {
			continue
		}
		clusters = append(clusters, &store.Cluster{
			Locale:           locale,
			RepresentativeID: rep.Answer.ID,
			Mode:             mode,
			Members:          members,
		})
	}
	return clusters
}

// loadBlacklist converts persisted exclusion pins into this run's
// blacklist. Pins reference prior cluster ids; they are mapped through the
// prior clusters' representatives, which is how pins are re-identified
// across full rebuilds.
func (e *Engine) loadBlacklist(ctx context.Context, locale store.Locale) (blacklist, error) {
	bl := make(blacklist)
	exclusions, err := e.store.ListExclusions(ctx, locale)
	if err != nil {
		return nil, fmt.Errorf("loading exclusions: %w", err)
	}
	if len(exclusions) == 0 {
		return bl, nil
	}
	prior, err := e.store.ListClusters(ctx, locale)
	if err != nil {
		return nil, fmt.Errorf("loading prior clusters: %w", err)
	}
	repOf := make(map[int64]string, len(prior))
	for _, c := range prior {
		repOf[c.ID] = c.RepresentativeID
	}
	for _, ex := range exclusions {
		if rep, ok := repOf[ex.ClusterID]; ok {
			bl.pin(ex.QuestionID, rep)
		}
	}
	return bl, nil
}

// resolveExclusions maps this run's pending pins onto the committed
// cluster ids via the representative answer. Pins whose cluster dissolved
// are dropped.
func resolveExclusions(pending []pendingExclusion, clusters []*store.Cluster, locale store.Locale) []store.ExclusionEntry {
	clusterOfAnswer := make(map[string]int64)
	for _, c := range clusters {
		for _, m := range c.Members {
			clusterOfAnswer[m.AnswerID] = c.ID
		}
	}
	var entries []store.ExclusionEntry
	for _, p := range pending {
		id, ok := clusterOfAnswer[p.RepresentativeID]
		if !ok {
			continue
		}
		entries = append(entries, store.ExclusionEntry{
			QuestionID: p.QuestionID,
			ClusterID:  id,
			Locale:     locale,
			Reason:     p.Reason,
		})
	}
	return entries
}

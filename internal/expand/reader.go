// Package expand implements read-time answer expansion: given a user's
// directly-given answers, it computes the equivalence closure under the
// suppression-safety rules and returns it in a fixed two-fetch round trip
// regardless of cluster size.
package expand

import (
	"context"
	"fmt"
	"time"

	"github.com/answermesh/answermesh/internal/cache"
	"github.com/answermesh/answermesh/internal/store"
)

// defaultTimeout bounds the whole expansion. On expiry the reader
// degrades to source-only; it never hangs.
const defaultTimeout = 2 * time.Second

// SourceAnswer is one directly-given answer of the user.
type SourceAnswer struct {
	QuestionID string
	AnswerID   string
	// Mode is the owning question's selection mode; the Single->Multi
	// rule depends on it.
	Mode store.SelectionMode
	// Skip is set when the answer is a skip sentinel.
	Skip store.SkipCode
}

// Request is one expansion query.
type Request struct {
	Locale  store.Locale
	Sources []SourceAnswer
	// TargetQuestions optionally restricts expansion to these questions.
	TargetQuestions []string
	// Strict makes Result.ForQuestion fail for questions outside the
	// declared restriction instead of silently returning nothing.
	Strict bool
}

// ExpandedAnswer is one answer in the result set, source or inferred.
type ExpandedAnswer struct {
	QuestionID string
	AnswerID   string
	Skip       store.SkipCode
	// Inferred is false for the user's own answers, true for everything
	// reached through cluster membership.
	Inferred  bool
	ClusterID int64
}

// Result is the expanded answer set.
type Result struct {
	byQuestion map[string][]ExpandedAnswer
	restricted bool
	targets    map[string]struct{}
	strict     bool
	// Degraded reports that the index was unavailable and only source
	// answers are present.
	Degraded bool
}

// All returns every answer in the result, sources included.
func (r *Result) All() []ExpandedAnswer {
	var out []ExpandedAnswer
	for _, answers := range r.byQuestion {
		out = append(out, answers...)
	}
	return out
}

// ForQuestion returns the result's answers for one question. Under a
// declared target restriction, asking about an untargeted question is an
// error in strict mode and silently empty otherwise.
func (r *Result) ForQuestion(questionID string) ([]ExpandedAnswer, error) {
	if r.restricted {
		if _, ok := r.targets[questionID]; !ok {
			if r.strict {
				return nil, fmt.Errorf("question %s is outside the declared target restriction", questionID)
			}
			return nil, nil
		}
	}
	return r.byQuestion[questionID], nil
}

// Reader serves read-time expansion over an expansion index.
type Reader struct {
	index   cache.Index
	timeout time.Duration
}

// NewReader creates a Reader. A zero timeout gets the default.
func NewReader(index cache.Index, timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Reader{index: index, timeout: timeout}
}

// Expand computes the user's expanded answer set. The result always
// contains the sources; index failure or timeout narrows the result to
// source-only and is never an error.
func (r *Reader) Expand(ctx context.Context, req Request) (*Result, error) {
	res := r.sourceOnly(req)
	if len(req.Sources) == 0 {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	answerIDs := make([]string, 0, len(req.Sources))
	questionIDs := make([]string, 0, len(req.Sources)+len(req.TargetQuestions))
	direct := make(map[string]struct{}, len(req.Sources))
	for _, s := range req.Sources {
		answerIDs = append(answerIDs, s.AnswerID)
		if _, ok := direct[s.QuestionID]; !ok {
			direct[s.QuestionID] = struct{}{}
			questionIDs = append(questionIDs, s.QuestionID)
		}
	}
	questionIDs = append(questionIDs, req.TargetQuestions...)

	// Stage 1: membership.
	membership, err := r.index.ResolveMembership(ctx, req.Locale, answerIDs, questionIDs)
	if err != nil {
		res.Degraded = true
		return res, nil
	}

	// Stage 2: one batched fetch for every cluster of interest — the
	// sources' clusters plus every cluster of the source questions (the
	// latter drive containment checks and skip propagation).
	clusterSet := make(map[int64]struct{})
	for _, clusters := range membership.AnswerClusters {
		for _, id := range clusters {
			clusterSet[id] = struct{}{}
		}
	}
	for q := range direct {
		for _, id := range membership.QuestionClusters[q] {
			clusterSet[id] = struct{}{}
		}
	}
	clusterIDs := make([]int64, 0, len(clusterSet))
	for id := range clusterSet {
		clusterIDs = append(clusterIDs, id)
	}
	entries, err := r.index.FetchEntries(ctx, req.Locale, clusterIDs)
	if err != nil {
		res.Degraded = true
		return res, nil
	}

	entriesByCluster := make(map[int64][]cache.Entry)
	targetInCluster := make(map[int64]map[string]struct{})
	for _, e := range entries {
		entriesByCluster[e.ClusterID] = append(entriesByCluster[e.ClusterID], e)
		qs := targetInCluster[e.ClusterID]
		if qs == nil {
			qs = make(map[string]struct{})
			targetInCluster[e.ClusterID] = qs
		}
		qs[e.QuestionID] = struct{}{}
	}

	sourceClusters := make(map[string]map[int64]struct{}, len(direct))
	for q := range direct {
		set := make(map[int64]struct{})
		for _, id := range membership.QuestionClusters[q] {
			set[id] = struct{}{}
		}
		sourceClusters[q] = set
	}

	// covered reports how many of source question s's clusters also touch
	// target question t.
	covered := func(s, t string) int {
		n := 0
		for id := range sourceClusters[s] {
			if _, ok := targetInCluster[id][t]; ok {
				n++
			}
		}
		return n
	}
	// schemaIntersects holds when every cluster touching the target is
	// also a cluster of the source question.
	schemaIntersects := func(s string, e cache.Entry) bool {
		return e.QuestionClusterTotal > 0 && covered(s, e.QuestionID) == e.QuestionClusterTotal
	}

	// Sources contributing to each cluster, for the Single->Multi rule.
	contributing := make(map[int64][]SourceAnswer)
	for _, s := range req.Sources {
		for _, id := range membership.AnswerClusters[s.AnswerID] {
			contributing[id] = append(contributing[id], s)
		}
	}

	// Value expansion.
	seen := make(map[string]struct{})
	for clusterID, sources := range contributing {
		hasMulti := false
		for _, s := range sources {
			if s.Mode == store.SelectionMulti {
				hasMulti = true
				break
			}
		}
		for _, e := range entriesByCluster[clusterID] {
			target := e.QuestionID
			if _, ok := direct[target]; ok {
				continue // Source Priority: never override a direct answer
			}
			if !res.allows(target) {
				continue
			}
			if e.Mode == store.SelectionMulti && !hasMulti {
				continue // Single->Multi suppression
			}
			ok := false
			for _, s := range sources {
				if schemaIntersects(s.QuestionID, e) {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
			for _, answerID := range e.AnswerIDs {
				key := target + "\x00" + answerID
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				res.add(ExpandedAnswer{
					QuestionID: target,
					AnswerID:   answerID,
					Inferred:   true,
					ClusterID:  clusterID,
				})
			}
		}
	}

	// Skip propagation: a does-not-apply sentinel reaches every question
	// touched by any of the source question's clusters. Schema
	// Intersection still applies; Single->Multi does not (a skip is a
	// meta-signal, not a value). No other sentinel propagates.
	skipSeen := make(map[string]struct{})
	for _, s := range req.Sources {
		if !s.Skip.Propagates() {
			continue
		}
		for clusterID := range sourceClusters[s.QuestionID] {
			for _, e := range entriesByCluster[clusterID] {
				target := e.QuestionID
				if target == s.QuestionID {
					continue
				}
				if _, ok := direct[target]; ok {
					continue
				}
				if !res.allows(target) {
					continue
				}
				if !schemaIntersects(s.QuestionID, e) {
					continue
				}
				if _, dup := skipSeen[target]; dup {
					continue
				}
				skipSeen[target] = struct{}{}
				res.add(ExpandedAnswer{
					QuestionID: target,
					Skip:       store.SkipDoesNotApply,
					Inferred:   true,
					ClusterID:  clusterID,
				})
			}
		}
	}

	return res, nil
}

func (r *Reader) sourceOnly(req Request) *Result {
	res := &Result{
		byQuestion: make(map[string][]ExpandedAnswer),
		strict:     req.Strict,
	}
	if len(req.TargetQuestions) > 0 {
		res.restricted = true
		res.targets = make(map[string]struct{}, len(req.TargetQuestions))
		for _, q := range req.TargetQuestions {
			res.targets[q] = struct{}{}
		}
		// The user's own questions stay queryable under a restriction.
		for _, s := range req.Sources {
			res.targets[s.QuestionID] = struct{}{}
		}
	}
	for _, s := range req.Sources {
		res.add(ExpandedAnswer{
			QuestionID: s.QuestionID,
			AnswerID:   s.AnswerID,
			Skip:       s.Skip,
		})
	}
	return res
}

func (r *Result) add(a ExpandedAnswer) {
	r.byQuestion[a.QuestionID] = append(r.byQuestion[a.QuestionID], a)
}

// allows reports whether expansion may emit answers for the question
// under the declared restriction.
func (r *Result) allows(questionID string) bool {
	if !r.restricted {
		return true
	}
	_, ok := r.targets[questionID]
	return ok
}

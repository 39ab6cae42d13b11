package cluster

import (
	"context"
	"fmt"

	"github.com/answermesh/answermesh/internal/adjudicate"
	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/guard"
	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

// loopLimits is the shared termination policy for the audit and orphan
// retry loops.
type loopLimits struct {
	// AuditAbsolute stops the audit loop once evictions per iteration
	// drop below this.
	AuditAbsolute int
	// OrphanAbsolute stops the orphan loop once unplaced answers per
	// iteration drop below this.
	OrphanAbsolute int
	// RelativeImprovement stops a loop when an iteration improves on the
	// previous one by less than this fraction.
	RelativeImprovement float64
	// PhaseRetries caps iterations per phase.
	PhaseRetries int
	// GlobalIterations caps iterations across both phases combined.
	GlobalIterations int
}

func defaultLoopLimits() loopLimits {
	return loopLimits{
		AuditAbsolute:       500,
		OrphanAbsolute:      200,
		RelativeImprovement: 0.10,
		PhaseRetries:        5,
		GlobalIterations:    15,
	}
}

// loopState carries one phase's bounded retry state. Termination rules
// are evaluated in a fixed order each iteration; the first hit wins.
type loopState struct {
	iteration    int
	prevCount    int
	phaseRetries int
}

// next records an iteration's outstanding count and reports whether the
// loop must stop, with the rule that fired.
func (s *loopState) next(count, absolute int, lim loopLimits, globalIteration int) (bool, string) {
	defer func() {
		s.prevCount = count
		s.iteration++
		s.phaseRetries++
	}()

	if count == 0 {
		return true, "resolved"
	}
	if count < absolute {
		return true, "below absolute threshold"
	}
	if s.iteration > 0 && s.prevCount > 0 {
		improvement := float64(s.prevCount-count) / float64(s.prevCount)
		if improvement < lim.RelativeImprovement {
			return true, "improvement below relative threshold"
		}
	}
	if s.phaseRetries+1 >= lim.PhaseRetries {
		return true, "phase retry cap"
	}
	if globalIteration >= lim.GlobalIterations {
		return true, "global iteration cap"
	}
	return false, ""
}

// pendingExclusion pins a question away from a cluster, identified by the
// cluster's representative answer until commit assigns real cluster ids.
type pendingExclusion struct {
	QuestionID       string
	RepresentativeID string
	Reason           string
}

// blacklist tracks (question, cluster-representative) pins for the
// current run.
type blacklist map[string]struct{}

func (b blacklist) pin(questionID, repAnswerID string) {
	b[questionID+"\x00"+repAnswerID] = struct{}{}
}

func (b blacklist) pinned(questionID, repAnswerID string) bool {
	_, ok := b[questionID+"\x00"+repAnswerID]
	return ok
}

// auditor runs the post-union audit and orphan loops.
type auditor struct {
	adj       *adjudicate.Adjudicator
	guards    guard.Guard
	questions map[string]*store.Question
	th        Thresholds
	lim       loopLimits
}

// loopResult is what the loops leave behind for commit.
type loopResult struct {
	Exclusions      []pendingExclusion
	Orphans         []store.OrphanRecord
	AuditIterations int
	OrphanRetries   int
}

// electRepresentative picks a cluster's canonical member: a standard-facet
// member when one exists (the flagship), otherwise the medoid.
func (a *auditor) electRepresentative(members []*member) *member {
	for _, m := range members {
		if q, ok := a.questions[m.Answer.QuestionID]; ok && q.Category.IsStandard() {
			return m
		}
	}
	return medoid(members)
}

// medoid returns the member with the highest total similarity to the rest.
// Falls back to string similarity when vectors are absent (string-mode
// clusters never embedded).
func medoid(members []*member) *member {
	if len(members) == 0 {
		return nil
	}
	best, bestScore := members[0], -1.0
	for _, m := range members {
		total := 0.0
		for _, other := range members {
			if other == m {
				continue
			}
			if m.Vector != nil && other.Vector != nil {
				total += embed.Cosine(m.Vector, other.Vector)
			} else {
				total += stringSimilarity(tokenSort(m.Norm.Remainder), tokenSort(other.Norm.Remainder))
			}
		}
		if total > bestScore {
			best, bestScore = m, total
		}
	}
	return best
}

// runLoops executes the audit loop and then the orphan loop against the
// assembled clusters, sharing one global iteration budget. Non-convergence
// persists orphan records; it is not an error.
func (a *auditor) runLoops(ctx context.Context, cb *clusterBuilder, membersByID map[string]*member, pending []*member, bl blacklist) (*loopResult, error) {
	result := &loopResult{}
	globalIteration := 0

	// Audit: large clusters re-validate every member against the
	// representative; failures are evicted and join the placement queue.
	auditState := &loopState{}
	for {
		globalIteration++
		evicted, exclusions, err := a.auditPass(ctx, cb, membersByID, bl)
		if err != nil {
			return nil, err
		}
		result.Exclusions = append(result.Exclusions, exclusions...)
		pending = append(pending, evicted...)
		result.AuditIterations++

		stop, _ := auditState.next(len(evicted), a.lim.AuditAbsolute, a.lim, globalIteration)
		if stop {
			break
		}
	}

	// Orphan: unplaced answers retry against the current cluster
	// representatives for their next-best home.
	orphanState := &loopState{}
	for {
		globalIteration++
		still, err := a.placementPass(ctx, cb, membersByID, pending, bl)
		if err != nil {
			return nil, err
		}
		result.OrphanRetries++

		stop, _ := orphanState.next(len(still), a.lim.OrphanAbsolute, a.lim, globalIteration)
		pending = still
		if stop {
			break
		}
	}

	for _, m := range pending {
		reason := store.OrphanLLMRejection
		if !m.hadCandidates {
			reason = store.OrphanNoCandidates
		}
		result.Orphans = append(result.Orphans, store.OrphanRecord{
			QuestionID: m.Answer.QuestionID,
			AnswerID:   m.Answer.ID,
			Locale:     m.Answer.Locale,
			Reason:     reason,
		})
	}
	return result, nil
}

// auditPass validates every member of each oversized cluster against its
// representative. Standard-facet members are never evicted.
func (a *auditor) auditPass(ctx context.Context, cb *clusterBuilder, membersByID map[string]*member, bl blacklist) ([]*member, []pendingExclusion, error) {
	var evicted []*member
	var exclusions []pendingExclusion

	for _, members := range cb.clusters() {
		if len(members) <= a.th.AuditMin {
			continue
		}

		full := make([]*member, 0, len(members))
		for _, cm := range members {
			if m, ok := membersByID[cm.AnswerID]; ok {
				full = append(full, m)
			}
		}
		rep := a.electRepresentative(full)
		if rep == nil {
			continue
		}

		var pairs []adjudicate.Pair
		candidates := make(map[int]*member)
		for i, m := range full {
			if m == rep || m.Answer.QuestionID == rep.Answer.QuestionID {
				continue
			}
			if q, ok := a.questions[m.Answer.QuestionID]; ok && q.Category.IsStandard() {
				continue
			}
			ca, cm := norm.ComparisonPair(rep.Norm, m.Norm)
			pairs = append(pairs, adjudicate.Pair{ID: i, A: ca, B: cm})
			candidates[i] = m
		}
		if len(pairs) == 0 {
			continue
		}

		verdicts, err := a.adj.JudgeEquivalence(ctx, pairs)
		if err != nil {
			return nil, nil, fmt.Errorf("audit adjudication: %w", err)
		}
		for id, v := range verdicts {
			if v.Verdict != adjudicate.VerdictReject {
				continue
			}
			m := candidates[id]
			cb.remove(m.Answer.ID)
			bl.pin(m.Answer.QuestionID, rep.Answer.ID)
			exclusions = append(exclusions, pendingExclusion{
				QuestionID:       m.Answer.QuestionID,
				RepresentativeID: rep.Answer.ID,
				Reason:           "audit eviction",
			})
			evicted = append(evicted, m)
		}
	}
	return evicted, exclusions, nil
}

// placementPass retries each pending answer against current cluster
// representatives, skipping blacklisted homes. Returns what still has no
// home.
func (a *auditor) placementPass(ctx context.Context, cb *clusterBuilder, membersByID map[string]*member, pending []*member, bl blacklist) ([]*member, error) {
	if len(pending) == 0 {
		return nil, nil
	}

	reps := a.currentRepresentatives(cb, membersByID)
	var still []*member

	for _, m := range pending {
		placed := false
		for _, rep := range reps {
			if rep.Answer.QuestionID == m.Answer.QuestionID {
				continue
			}
			if bl.pinned(m.Answer.QuestionID, rep.Answer.ID) {
				continue
			}
			if !similarEnough(m, rep, a.th) {
				continue
			}
			m.hadCandidates = true
			if rej := a.guards(m.Norm, rep.Norm); rej != nil {
				continue
			}

			ca, cm := norm.ComparisonPair(m.Norm, rep.Norm)
			verdicts, err := a.adj.JudgeEquivalence(ctx, []adjudicate.Pair{{ID: 0, A: ca, B: cm}})
			if err != nil {
				return nil, fmt.Errorf("orphan adjudication: %w", err)
			}
			if v := verdicts[0]; v.Verdict == adjudicate.VerdictAccept {
				if cb.tryUnion(m.Answer.ID, rep.Answer.ID) {
					placed = true
					break
				}
			}
			// Rejected here: pin so the next iteration skips this home.
			bl.pin(m.Answer.QuestionID, rep.Answer.ID)
		}
		if !placed {
			still = append(still, m)
		}
	}
	return still, nil
}

func (a *auditor) currentRepresentatives(cb *clusterBuilder, membersByID map[string]*member) []*member {
	var reps []*member
	for _, members := range cb.clusters() {
		full := make([]*member, 0, len(members))
		for _, cm := range members {
			if m, ok := membersByID[cm.AnswerID]; ok {
				full = append(full, m)
			}
		}
		if rep := a.electRepresentative(full); rep != nil {
			reps = append(reps, rep)
		}
	}
	return reps
}

// similarEnough applies the cheap pre-filter before an orphan retry may
// spend an adjudication call.
func similarEnough(m, rep *member, th Thresholds) bool {
	if m.Vector != nil && rep.Vector != nil {
		return embed.Cosine(m.Vector, rep.Vector) >= th.Embedding
	}
	return stringSimilarity(tokenSort(m.Norm.Remainder), tokenSort(rep.Norm.Remainder)) >= th.String
}

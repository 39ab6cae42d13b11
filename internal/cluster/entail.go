package cluster

import (
	"context"
	"fmt"

	"github.com/answermesh/answermesh/internal/adjudicate"
	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/store"
)

// detectOverlaps runs Phase 4: after clustering stabilizes, compare
// cluster representatives under a loose similarity cutoff and ask the
// adjudicator the directional entailment question for each candidate
// direction. Accepted directions become overlap records.
//
// Overlaps are single-hop by construction: records are emitted exactly as
// adjudicated and never composed into chains.
func (a *auditor) detectOverlaps(ctx context.Context, clusters []*store.Cluster, membersByID map[string]*member, locale store.Locale) ([]store.OverlapRecord, error) {
	type repInfo struct {
		cluster *store.Cluster
		rep     *member
	}
	reps := make([]repInfo, 0, len(clusters))
	for _, c := range clusters {
		full := make([]*member, 0, len(c.Members))
		for _, cm := range c.Members {
			if m, ok := membersByID[cm.AnswerID]; ok {
				full = append(full, m)
			}
		}
		rep := a.electRepresentative(full)
		if rep == nil {
			continue
		}
		reps = append(reps, repInfo{cluster: c, rep: rep})
	}

	// Candidate directions, id-encoded as i*len(reps)+j so verdicts map
	// back to an ordered (source, implied) pair.
	var pairs []adjudicate.Pair
	for i, src := range reps {
		for j, dst := range reps {
			if i == j {
				continue
			}
			if !looselySimilar(src.rep, dst.rep, a.th) {
				continue
			}
			pairs = append(pairs, adjudicate.Pair{
				ID: i*len(reps) + j,
				A:  src.rep.Norm.Remainder,
				B:  dst.rep.Norm.Remainder,
			})
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	verdicts, err := a.adj.JudgeEntailment(ctx, pairs)
	if err != nil {
		return nil, fmt.Errorf("entailment adjudication: %w", err)
	}

	var overlaps []store.OverlapRecord
	for id, v := range verdicts {
		if v.Verdict != adjudicate.VerdictAccept {
			continue
		}
		src, dst := reps[id/len(reps)], reps[id%len(reps)]
		overlaps = append(overlaps, store.OverlapRecord{
			SourceClusterID:  src.cluster.ID,
			ImpliedClusterID: dst.cluster.ID,
			Locale:           locale,
		})
	}
	return overlaps, nil
}

func looselySimilar(a, b *member, th Thresholds) bool {
	if a.Vector != nil && b.Vector != nil {
		return embed.Cosine(a.Vector, b.Vector) >= th.Entailment
	}
	return stringSimilarity(tokenSort(a.Norm.Remainder), tokenSort(b.Norm.Remainder)) >= th.Entailment
}

package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

// Thresholds holds the tunable similarity and size cutoffs for candidate
// generation and the downstream loops.
type Thresholds struct {
	// Embedding is the cosine cutoff for embedding candidates.
	Embedding float64
	// EmbeddingLogographic replaces Embedding for logographic and
	// complex-script locales, where embeddings run hotter.
	EmbeddingLogographic float64
	// String is the token-sort edit-distance similarity cutoff for
	// string-distance candidates.
	String float64
	// Entailment is the loose cutoff for cross-cluster overlap candidates.
	Entailment float64
	// OversizeTexts switches a group to string-distance search when its
	// distinct text count exceeds this.
	OversizeTexts int
	// PairwiseChunk bounds the memory of the all-pairs embedding fallback.
	PairwiseChunk int
	// AuditMin is the cluster size above which the audit loop re-validates
	// members against the representative.
	AuditMin int
	// EmbedBatch is the number of texts per embedding API call.
	EmbedBatch int
}

// DefaultThresholds returns the conservative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Embedding:            0.70,
		EmbeddingLogographic: 0.80,
		String:               0.90,
		Entailment:           0.85,
		OversizeTexts:        20000,
		PairwiseChunk:        10000,
		AuditMin:             10,
		EmbedBatch:           256,
	}
}

// member is one answer prepared for comparison: its normalized form plus
// a lazily-filled embedding vector.
type member struct {
	Answer *store.Answer
	Norm   norm.Normalized
	Vector []float32
	// hadCandidates records whether any candidate pair ever involved this
	// answer, which decides the orphan failure reason at the end.
	hadCandidates bool
}

// candidatePair is an unvalidated pair of answers from different questions.
type candidatePair struct {
	A, B  *member
	Score float64
}

// generateCandidates produces unvalidated candidate pairs for one question
// group. Oversized and location-classified groups use string-distance
// search; everything else uses embedding search (star topology when the
// group carries a standard-facet anchor).
func generateCandidates(ctx context.Context, g *group, embedder embed.Embedder, th Thresholds) ([]candidatePair, error) {
	members := g.members()
	if len(members) < 2 {
		return nil, nil
	}

	if g.Mode == store.SearchString {
		return stringCandidates(members, th), nil
	}

	if err := embedMembers(ctx, members, embedder, th.EmbedBatch); err != nil {
		return nil, fmt.Errorf("embedding group texts: %w", err)
	}

	cutoff := th.Embedding
	if groupScript(members) != norm.ScriptFoldable {
		cutoff = th.EmbeddingLogographic
	}

	if anchors := g.anchorMembers(members); len(anchors) > 0 {
		var pairs []candidatePair
		for _, anchor := range anchors {
			pairs = append(pairs, starCandidates(anchor, members, cutoff)...)
		}
		return pairs, nil
	}
	return pairwiseCandidates(members, cutoff, th.PairwiseChunk), nil
}

// embedMembers fills each member's vector, deduplicating identical
// comparison forms so one API call covers all copies of a text.
func embedMembers(ctx context.Context, members []*member, embedder embed.Embedder, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}

	distinct := make(map[string][]*member)
	texts := make([]string, 0, len(members))
	for _, m := range members {
		if m.Vector != nil {
			continue
		}
		key := m.Norm.Remainder
		if _, seen := distinct[key]; !seen {
			texts = append(texts, key)
		}
		distinct[key] = append(distinct[key], m)
	}

	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[start:end]
		vectors, err := embedder.EmbedBatch(ctx, chunk)
		if err != nil {
			return err
		}
		for i, text := range chunk {
			for _, m := range distinct[text] {
				m.Vector = vectors[i]
			}
		}
	}
	return nil
}

// starCandidates compares every member only against the anchor. Anchoring
// to one canonical text avoids daisy-chained drift where A~B and B~C but
// A and C mean different things.
func starCandidates(anchor *member, members []*member, cutoff float64) []candidatePair {
	var pairs []candidatePair
	for _, m := range members {
		if m == anchor || m.Answer.QuestionID == anchor.Answer.QuestionID {
			continue
		}
		score := embed.Cosine(anchor.Vector, m.Vector)
		if score >= cutoff {
			pairs = append(pairs, candidatePair{A: anchor, B: m, Score: score})
		}
	}
	return pairs
}

// pairwiseCandidates compares all cross-question pairs, chunked so a large
// group never materializes the full similarity matrix at once.
func pairwiseCandidates(members []*member, cutoff float64, chunk int) []candidatePair {
	if chunk <= 0 {
		chunk = len(members)
	}
	var pairs []candidatePair
	for outer := 0; outer < len(members); outer += chunk {
		outerEnd := outer + chunk
		if outerEnd > len(members) {
			outerEnd = len(members)
		}
		for i := outer; i < outerEnd; i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if a.Answer.QuestionID == b.Answer.QuestionID {
					continue
				}
				score := embed.Cosine(a.Vector, b.Vector)
				if score >= cutoff {
					pairs = append(pairs, candidatePair{A: a, B: b, Score: score})
				}
			}
		}
	}
	return pairs
}

// stringCandidates runs token-sort edit-distance search across all
// cross-question pairs. Used for oversized groups and for location groups,
// where embeddings hallucinate similarity between distinct named places.
func stringCandidates(members []*member, th Thresholds) []candidatePair {
	sorted := make([]string, len(members))
	for i, m := range members {
		sorted[i] = tokenSort(m.Norm.Remainder)
	}

	var pairs []candidatePair
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if a.Answer.QuestionID == b.Answer.QuestionID {
				continue
			}
			score := stringSimilarity(sorted[i], sorted[j])
			if score >= th.String {
				pairs = append(pairs, candidatePair{A: a, B: b, Score: score})
			}
		}
	}
	return pairs
}

// tokenSort normalizes word order so "York New" and "New York" compare
// equal before edit distance.
func tokenSort(s string) string {
	fields := strings.Fields(s)
	sort.Strings(fields)
	return strings.Join(fields, " ")
}

// stringSimilarity is normalized Levenshtein similarity in [0,1].
func stringSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein is the classic two-row DP edit distance.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// groupScript returns the dominant script class of a member set. A single
// non-foldable member pushes the whole group to the conservative cutoff.
func groupScript(members []*member) norm.ScriptClass {
	for _, m := range members {
		if m.Norm.Script != norm.ScriptFoldable {
			return m.Norm.Script
		}
	}
	return norm.ScriptFoldable
}

package cluster

import (
	"context"
	"fmt"

	"github.com/answermesh/answermesh/internal/embed"
	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

// questionState tracks each question through assembly. Transitions only
// move forward:
// unclassified -> classified -> anchored|linked -> clustered -> split? -> finalized
type questionState int

const (
	stateUnclassified questionState = iota
	stateClassified
	stateAnchored
	stateLinked
	stateClustered
	stateSplit
	stateFinalized
)

func (s questionState) String() string {
	switch s {
	case stateUnclassified:
		return "unclassified"
	case stateClassified:
		return "classified"
	case stateAnchored:
		return "anchored"
	case stateLinked:
		return "linked"
	case stateClustered:
		return "clustered"
	case stateSplit:
		return "split"
	case stateFinalized:
		return "finalized"
	}
	return "unknown"
}

// group is one question group produced by Phase 1. Candidate generation
// runs within a group, never across groups.
type group struct {
	Questions []*store.Question
	Members   []*member
	// Location forces string-distance search: semantic similarity between
	// distinct named places is unreliable.
	Location bool
	// Anchor is the standard-facet question that seeded the group, nil for
	// ordinary-only groups.
	Anchor *store.Question
	Mode   store.SearchMode
}

func (g *group) members() []*member { return g.Members }

// anchorMembers returns the flagship answers: every answer owned by the
// anchor question. Star search compares the rest of the group against
// these only.
func (g *group) anchorMembers(members []*member) []*member {
	if g.Anchor == nil {
		return nil
	}
	var anchors []*member
	for _, m := range members {
		if m.Answer.QuestionID == g.Anchor.ID {
			anchors = append(anchors, m)
		}
	}
	return anchors
}

// assembler runs Phase 1: classify questions, anchor standard facets,
// link ordinary questions, split mixed groups.
type assembler struct {
	embedder   embed.Embedder
	classifier LocationClassifier
	th         Thresholds
}

// groupQuestions builds the Phase 1 question groups for one locale and
// returns them together with the final per-question states and the
// location classification.
func (as *assembler) groupQuestions(ctx context.Context, questions []*store.Question, answersByQ map[string][]*store.Answer) ([]*group, map[string]questionState, map[string]bool, error) {
	states := make(map[string]questionState, len(questions))
	for _, q := range questions {
		states[q.ID] = stateUnclassified
	}

	// Classification: tag location-seeking questions up front.
	location := make(map[string]bool, len(questions))
	for _, q := range questions {
		isLoc, err := as.classifier.IsLocation(ctx, q)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("classifying question %s: %w", q.ID, err)
		}
		location[q.ID] = isLoc
		states[q.ID] = stateClassified
	}

	normed := make(map[string]norm.Normalized, len(questions))
	for _, q := range questions {
		normed[q.ID] = norm.Normalize(q.Text)
	}
	vectors, err := as.embedQuestions(ctx, questions, normed)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embedding question texts: %w", err)
	}

	// Standard-facet questions always anchor their own group and never
	// link into an ordinary one.
	var groups []*group
	groupOf := make(map[string]*group)
	for _, q := range questions {
		if !q.Category.IsStandard() {
			continue
		}
		g := &group{Questions: []*store.Question{q}, Anchor: q}
		groups = append(groups, g)
		groupOf[q.ID] = g
		states[q.ID] = stateAnchored
	}

	// Ordinary questions join their best-matching anchor, if any. The join
	// is one-directional: anchors never move.
	var unlinked []*store.Question
	for _, q := range questions {
		if q.Category.IsStandard() {
			continue
		}
		best := as.bestAnchor(q, groups, vectors)
		if best != nil {
			best.Questions = append(best.Questions, q)
			groupOf[q.ID] = best
			states[q.ID] = stateLinked
			continue
		}
		unlinked = append(unlinked, q)
	}

	// Remaining ordinary questions cluster among themselves.
	for _, g := range as.linkOrdinary(unlinked, vectors) {
		groups = append(groups, g)
		for _, q := range g.Questions {
			groupOf[q.ID] = g
			states[q.ID] = stateLinked
		}
	}
	for id, g := range groupOf {
		if g != nil {
			states[id] = stateClustered
		}
	}

	groups = as.splitMixed(groups, location, states)

	// Attach answers and settle the search mode per group.
	final := groups[:0]
	for _, g := range groups {
		for _, q := range g.Questions {
			g.Location = g.Location || location[q.ID]
		}
		for _, q := range g.Questions {
			for _, a := range answersByQ[q.ID] {
				g.Members = append(g.Members, &member{Answer: a, Norm: norm.Normalize(a.Text)})
			}
		}
		g.Mode = store.SearchEmbedding
		if g.Location || distinctTexts(g.Members) > as.th.OversizeTexts {
			g.Mode = store.SearchString
		}
		for _, q := range g.Questions {
			states[q.ID] = stateFinalized
		}
		if len(g.Questions) >= 2 {
			final = append(final, g)
		}
	}
	return final, states, location, nil
}

func (as *assembler) embedQuestions(ctx context.Context, questions []*store.Question, normed map[string]norm.Normalized) (map[string][]float32, error) {
	batch := as.th.EmbedBatch
	if batch <= 0 {
		batch = 256
	}
	vectors := make(map[string][]float32, len(questions))
	for start := 0; start < len(questions); start += batch {
		end := start + batch
		if end > len(questions) {
			end = len(questions)
		}
		chunk := questions[start:end]
		texts := make([]string, len(chunk))
		for i, q := range chunk {
			texts[i] = normed[q.ID].Remainder
		}
		vs, err := as.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		for i, q := range chunk {
			vectors[q.ID] = vs[i]
		}
	}
	return vectors, nil
}

// bestAnchor returns the anchored group whose anchor question is most
// similar to q, or nil when none clears the cutoff.
func (as *assembler) bestAnchor(q *store.Question, groups []*group, vectors map[string][]float32) *group {
	var best *group
	bestScore := as.th.Embedding
	for _, g := range groups {
		if g.Anchor == nil {
			continue
		}
		score := embed.Cosine(vectors[q.ID], vectors[g.Anchor.ID])
		if score >= bestScore {
			best = g
			bestScore = score
		}
	}
	return best
}

// linkOrdinary unions ordinary questions by pairwise similarity. Single
// questions form no group (a group needs two questions to ever yield a
// cross-question pair).
func (as *assembler) linkOrdinary(questions []*store.Question, vectors map[string][]float32) []*group {
	parent := make(map[string]string, len(questions))
	var find func(string) string
	find = func(id string) string {
		if parent[id] != id {
			parent[id] = find(parent[id])
		}
		return parent[id]
	}
	for _, q := range questions {
		parent[q.ID] = q.ID
	}

	for i := 0; i < len(questions); i++ {
		for j := i + 1; j < len(questions); j++ {
			a, b := questions[i], questions[j]
			if embed.Cosine(vectors[a.ID], vectors[b.ID]) >= as.th.Embedding {
				parent[find(a.ID)] = find(b.ID)
			}
		}
	}

	byRoot := make(map[string][]*store.Question)
	for _, q := range questions {
		root := find(q.ID)
		byRoot[root] = append(byRoot[root], q)
	}

	var groups []*group
	for _, qs := range byRoot {
		if len(qs) < 2 {
			continue
		}
		groups = append(groups, &group{Questions: qs})
	}
	return groups
}

// splitMixed splits any group holding both location and non-location
// questions into two, preserving the original grouping for audit via the
// shared anchor. The location half keeps forced string search.
func (as *assembler) splitMixed(groups []*group, location map[string]bool, states map[string]questionState) []*group {
	var out []*group
	for _, g := range groups {
		var loc, other []*store.Question
		for _, q := range g.Questions {
			if location[q.ID] {
				loc = append(loc, q)
			} else {
				other = append(other, q)
			}
		}
		if len(loc) == 0 || len(other) == 0 {
			out = append(out, g)
			continue
		}
		for _, q := range g.Questions {
			states[q.ID] = stateSplit
		}
		locGroup := &group{Questions: loc, Location: true}
		otherGroup := &group{Questions: other}
		if g.Anchor != nil {
			if location[g.Anchor.ID] {
				locGroup.Anchor = g.Anchor
			} else {
				otherGroup.Anchor = g.Anchor
			}
		}
		out = append(out, locGroup, otherGroup)
	}
	return out
}

func distinctTexts(members []*member) int {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		seen[m.Norm.Remainder] = struct{}{}
	}
	return len(seen)
}

// clusterBuilder unions validated pairs into clusters while enforcing the
// co-occurrence invariant: a union that would put two answers of one
// question into the same cluster is refused, never coerced.
type clusterBuilder struct {
	parent     map[string]string
	questionOf map[string]string
	// answersByQ maps each component root to questionID -> answerID.
	answersByQ map[string]map[string]string
}

func newClusterBuilder() *clusterBuilder {
	return &clusterBuilder{
		parent:     make(map[string]string),
		questionOf: make(map[string]string),
		answersByQ: make(map[string]map[string]string),
	}
}

func (cb *clusterBuilder) add(a *store.Answer) {
	if _, ok := cb.parent[a.ID]; ok {
		return
	}
	cb.parent[a.ID] = a.ID
	cb.questionOf[a.ID] = a.QuestionID
	cb.answersByQ[a.ID] = map[string]string{a.QuestionID: a.ID}
}

func (cb *clusterBuilder) find(id string) string {
	if cb.parent[id] != id {
		cb.parent[id] = cb.find(cb.parent[id])
	}
	return cb.parent[id]
}

// tryUnion merges the components of a and b. Returns false without
// modifying anything when the merge would violate co-occurrence.
func (cb *clusterBuilder) tryUnion(aID, bID string) bool {
	ra, rb := cb.find(aID), cb.find(bID)
	if ra == rb {
		return true
	}

	qa, qb := cb.answersByQ[ra], cb.answersByQ[rb]
	small, large := qa, qb
	keepRoot, dropRoot := rb, ra
	if len(small) > len(large) {
		small, large = large, small
		keepRoot, dropRoot = ra, rb
	}
	for q, ans := range small {
		if other, ok := large[q]; ok && other != ans {
			return false
		}
	}

	for q, ans := range small {
		large[q] = ans
	}
	cb.parent[dropRoot] = keepRoot
	delete(cb.answersByQ, dropRoot)
	return true
}

// sameCluster reports whether two answers landed in one component.
func (cb *clusterBuilder) sameCluster(aID, bID string) bool {
	if _, ok := cb.parent[aID]; !ok {
		return false
	}
	if _, ok := cb.parent[bID]; !ok {
		return false
	}
	return cb.find(aID) == cb.find(bID)
}

// remove detaches one answer from its component (audit eviction). The
// remaining members keep their component; the evicted answer becomes a
// singleton so a later placement can union it into a new home.
func (cb *clusterBuilder) remove(aID string) {
	if _, ok := cb.parent[aID]; !ok {
		return
	}
	root := cb.find(aID)

	// Rebuild the component without the evicted answer.
	members := cb.componentMembers(root)
	for _, id := range members {
		delete(cb.parent, id)
		delete(cb.answersByQ, id)
	}

	var prev string
	for _, id := range members {
		cb.parent[id] = id
		cb.answersByQ[id] = map[string]string{cb.questionOf[id]: id}
		if id == aID {
			continue
		}
		if prev != "" {
			cb.tryUnion(prev, id)
		}
		prev = id
	}
}

func (cb *clusterBuilder) componentMembers(root string) []string {
	var out []string
	for id := range cb.parent {
		if cb.find(id) == root {
			out = append(out, id)
		}
	}
	return out
}

// clusters materializes the final components. Components spanning a single
// question are skipped, never created.
func (cb *clusterBuilder) clusters() [][]store.ClusterMember {
	byRoot := make(map[string][]store.ClusterMember)
	for id := range cb.parent {
		root := cb.find(id)
		byRoot[root] = append(byRoot[root], store.ClusterMember{
			AnswerID:   id,
			QuestionID: cb.questionOf[id],
		})
	}

	var out [][]store.ClusterMember
	for _, members := range byRoot {
		questions := make(map[string]struct{}, len(members))
		for _, m := range members {
			questions[m.QuestionID] = struct{}{}
		}
		if len(questions) < 2 {
			continue
		}
		out = append(out, members)
	}
	return out
}

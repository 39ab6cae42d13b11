package cluster

import (
	"testing"

	"github.com/answermesh/answermesh/internal/norm"
	"github.com/answermesh/answermesh/internal/store"
)

func newMember(id, questionID, text string) *member {
	return &member{
		Answer: &store.Answer{ID: id, QuestionID: questionID, Locale: usEN, Text: text},
		Norm:   norm.Normalize(text),
	}
}

func TestTokenSort(t *testing.T) {
	if got := tokenSort("york new"); got != "new york" {
		t.Fatalf("tokenSort = %q, want %q", got, "new york")
	}
	if got := tokenSort("  one   two  "); got != "one two" {
		t.Fatalf("tokenSort = %q, want %q", got, "one two")
	}
	if got := tokenSort(""); got != "" {
		t.Fatalf("tokenSort(\"\") = %q", got)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "", 3},
		{"same", "same", 0},
		{"paris", "paris tx", 3},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestStringSimilarity(t *testing.T) {
	if got := stringSimilarity("paris", "paris"); got != 1 {
		t.Fatalf("identical strings = %v, want 1", got)
	}
	if got := stringSimilarity("", ""); got != 1 {
		t.Fatalf("empty strings = %v, want 1", got)
	}
	got := stringSimilarity("paris", "paris tx")
	if got <= 0.6 || got >= 0.7 {
		t.Fatalf("similarity = %v, want 1 - 3/8", got)
	}
}

func TestStringCandidatesSkipsSameQuestion(t *testing.T) {
	members := []*member{
		newMember("a1", "q1", "Paris"),
		newMember("a2", "q1", "Paris"),
		newMember("b1", "q2", "Paris"),
		newMember("b2", "q2", "Springfield"),
	}
	pairs := stringCandidates(members, DefaultThresholds())

	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2 (a1-b1 and a2-b1)", len(pairs))
	}
	for _, p := range pairs {
		if p.A.Answer.QuestionID == p.B.Answer.QuestionID {
			t.Fatalf("same-question pair %s-%s leaked through", p.A.Answer.ID, p.B.Answer.ID)
		}
		if p.B.Answer.ID != "b1" {
			t.Fatalf("unexpected pair partner %s", p.B.Answer.ID)
		}
	}
}

func TestStringCandidatesTokenOrderInsensitive(t *testing.T) {
	members := []*member{
		newMember("a1", "q1", "New York"),
		newMember("b1", "q2", "York New"),
	}
	pairs := stringCandidates(members, DefaultThresholds())
	if len(pairs) != 1 || pairs[0].Score != 1 {
		t.Fatalf("reordered tokens must match exactly, got %+v", pairs)
	}
}

func TestGroupScript(t *testing.T) {
	latin := []*member{newMember("a1", "q1", "Yes"), newMember("b1", "q2", "No")}
	if got := groupScript(latin); got != norm.ScriptFoldable {
		t.Fatalf("latin group script = %v", got)
	}
	mixed := []*member{newMember("a1", "q1", "Yes"), newMember("b1", "q2", "はい")}
	if got := groupScript(mixed); got == norm.ScriptFoldable {
		t.Fatal("one logographic member must push the group off the foldable cutoff")
	}
}

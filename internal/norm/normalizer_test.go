package norm

import "testing"

func TestStripEnumerationMarker(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     string
		stripped bool
	}{
		{"dot marker", "1. Yes", "Yes", true},
		{"paren marker", "(2) No", "No", true},
		{"close paren marker", "3) Maybe", "Maybe", true},
		{"decimal is not a marker", "1.5 liters", "1.5 liters", false},
		{"range is not a marker", "1-5 employees", "1-5 employees", false},
		{"time is not a marker", "1:30 PM", "1:30 PM", false},
		{"no marker", "Yes", "Yes", false},
		{"too-short remainder discarded", "1. X", "1. X", false},
		{"four digits rejected", "2024. Results", "2024. Results", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stripped := StripEnumerationMarker(tt.in, ScriptFoldable)
			if got != tt.want || stripped != tt.stripped {
				t.Fatalf("StripEnumerationMarker(%q) = (%q, %v), want (%q, %v)",
					tt.in, got, stripped, tt.want, tt.stripped)
			}
		})
	}
}

func TestStripEnumerationMarkerLogographic(t *testing.T) {
	// One-rune remainders are allowed for logographic scripts, and the
	// marker may run straight into the text with no space.
	got, stripped := StripEnumerationMarker("1. 是", ScriptLogographic)
	if !stripped || got != "是" {
		t.Fatalf("got (%q, %v), want (是, true)", got, stripped)
	}
	got, stripped = StripEnumerationMarker("2)是", ScriptLogographic)
	if !stripped || got != "是" {
		t.Fatalf("no-space marker: got (%q, %v), want (是, true)", got, stripped)
	}
}

func TestDetectScript(t *testing.T) {
	tests := []struct {
		in   string
		want ScriptClass
	}{
		{"Software engineer", ScriptFoldable},
		{"Инженер", ScriptFoldable},
		{"Μηχανικός", ScriptFoldable},
		{"ソフトウェア", ScriptLogographic},
		{"软件工程师", ScriptLogographic},
		{"기술자", ScriptLogographic},
		{"มีอยู่จริง", ScriptComplex},
	}
	for _, tt := range tests {
		if got := DetectScript(tt.in); got != tt.want {
			t.Errorf("DetectScript(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeFoldable(t *testing.T) {
	n := Normalize("  Café   CRÈME  ")
	if n.Text != "cafe creme" {
		t.Fatalf("folded text = %q, want %q", n.Text, "cafe creme")
	}
	if n.MarkerStripped {
		t.Fatal("no marker should be detected")
	}
}

func TestNormalizeLogographicKeepsLetters(t *testing.T) {
	n := Normalize("はい、 そうです。")
	if n.Text != "はいそうです" {
		t.Fatalf("logographic text = %q, want %q", n.Text, "はいそうです")
	}
}

func TestNormalizeComplexPreservesMarks(t *testing.T) {
	// Thai diacritics must survive; only punctuation goes.
	n := Normalize("ใช่!")
	if n.Text != "ใช่" {
		t.Fatalf("complex text = %q, want %q", n.Text, "ใช่")
	}
	if n.Script != ScriptComplex {
		t.Fatalf("script = %v, want ScriptComplex", n.Script)
	}
}

func TestNormalizeStripsMarkerBeforeCanonicalization(t *testing.T) {
	n := Normalize("1. Yes")
	if !n.MarkerStripped {
		t.Fatal("marker should be stripped")
	}
	if n.Remainder != "yes" {
		t.Fatalf("remainder = %q, want %q", n.Remainder, "yes")
	}
}

func TestComparisonPairAdaptiveSymmetric(t *testing.T) {
	yes := Normalize("Yes")
	marked := Normalize("1. Yes")
	otherMarked := Normalize("2. Yes")

	// Both marked: compare remainders; index values may differ.
	a, b := ComparisonPair(marked, otherMarked)
	if a != "yes" || b != "yes" {
		t.Fatalf("both marked: got (%q, %q)", a, b)
	}

	// One marked: its remainder against the other's full text.
	a, b = ComparisonPair(marked, yes)
	if a != "yes" || b != "yes" {
		t.Fatalf("one marked: got (%q, %q)", a, b)
	}

	// Neither marked: full texts.
	a, b = ComparisonPair(yes, Normalize("No"))
	if a != "yes" || b != "no" {
		t.Fatalf("neither marked: got (%q, %q)", a, b)
	}
}

func TestPairKeyOrderIndependent(t *testing.T) {
	if PairKey("a", "b") != PairKey("b", "a") {
		t.Fatal("pair key must not depend on argument order")
	}
	if PairKey("a", "b") == PairKey("a", "c") {
		t.Fatal("distinct pairs must not collide")
	}
}

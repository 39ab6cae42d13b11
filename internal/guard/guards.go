// Package guard implements the safety predicate chain that every candidate
// pair must pass before it may reach LLM adjudication. Guards are pure
// functions over normalized comparison forms and short-circuit on the
// first rejection.
package guard

import (
	"strconv"
	"strings"

	"github.com/answermesh/answermesh/internal/norm"
)

// Level tunes how aggressively the guards reject.
type Level int

const (
	// Strict is the default, conservative setting.
	Strict Level = iota
	// Relaxed loosens the subset guard for hand-tuned locales.
	Relaxed
)

// Rejection names the guard that refused a pair. Nil means pass.
type Rejection struct {
	Guard  string
	Reason string
}

// Guard inspects a candidate pair and returns a rejection or nil.
type Guard func(a, b norm.Normalized) *Rejection

// Chain runs guards in order and returns the first rejection.
func Chain(guards ...Guard) Guard {
	return func(a, b norm.Normalized) *Rejection {
		for _, g := range guards {
			if rej := g(a, b); rej != nil {
				return rej
			}
		}
		return nil
	}
}

// Default returns the standard guard chain: numeric, subset, structure,
// date — in that order.
func Default(level Level) Guard {
	return Chain(Numeric, Subset(level), Structure, Date)
}

// Numeric rejects when both sides contain numeric tokens in their
// un-stripped remainders and those values differ. A pair where only one
// side has numbers is deferred to adjudication.
func Numeric(a, b norm.Normalized) *Rejection {
	na := numericTokens(a.Remainder)
	nb := numericTokens(b.Remainder)
	if len(na) == 0 || len(nb) == 0 {
		return nil
	}
	if numbersEqual(na, nb) {
		return nil
	}
	return &Rejection{Guard: "numeric", Reason: "conflicting numeric values"}
}

// Subset rejects when one text is a proper token superset of the other
// beyond a tolerated single-token difference ("New York" vs
// "New York City" passes, "Red" vs "Red and also blue sometimes" does not).
func Subset(level Level) Guard {
	tolerance := 1
	if level == Relaxed {
		tolerance = 2
	}
	return func(a, b norm.Normalized) *Rejection {
		at := tokenSet(a.Remainder)
		bt := tokenSet(b.Remainder)
		if len(at) == 0 || len(bt) == 0 || len(at) == len(bt) {
			return nil
		}
		small, large := at, bt
		if len(small) > len(large) {
			small, large = large, small
		}
		for tok := range small {
			if _, ok := large[tok]; !ok {
				return nil // not a containment at all
			}
		}
		if len(large)-len(small) > tolerance {
			return &Rejection{Guard: "subset", Reason: "one side is a proper container of the other"}
		}
		return nil
	}
}

// structureClasses maps symbols to a coarse unit class. Two sides carrying
// different classes cannot be equivalent.
var structureClasses = map[string]string{
	"%": "percent",
	"$": "currency", "€": "currency", "£": "currency", "¥": "currency", "₹": "currency",
	"°": "degree",
	"km": "distance", "mi": "distance",
	"kg": "weight", "lb": "weight",
}

// Structure rejects on conflicting units or value symbols, e.g. a
// currency amount against a percentage.
func Structure(a, b norm.Normalized) *Rejection {
	ca := unitClasses(a.Remainder)
	cb := unitClasses(b.Remainder)
	if len(ca) == 0 || len(cb) == 0 {
		return nil
	}
	for class := range ca {
		if _, ok := cb[class]; ok {
			return nil
		}
	}
	return &Rejection{Guard: "structure", Reason: "conflicting unit symbols"}
}

var calendarTokens = map[string]string{
	"january": "1", "february": "2", "march": "3", "april": "4",
	"may": "5", "june": "6", "july": "7", "august": "8",
	"september": "9", "october": "10", "november": "11", "december": "12",
	"monday": "d1", "tuesday": "d2", "wednesday": "d3", "thursday": "d4",
	"friday": "d5", "saturday": "d6", "sunday": "d7",
}

// Date rejects when both sides name calendar tokens and they conflict
// ("born in March" vs "born in May").
func Date(a, b norm.Normalized) *Rejection {
	da := calendarSet(a.Remainder)
	db := calendarSet(b.Remainder)
	if len(da) == 0 || len(db) == 0 {
		return nil
	}
	for tok := range da {
		if _, ok := db[tok]; ok {
			return nil
		}
	}
	return &Rejection{Guard: "date", Reason: "conflicting calendar tokens"}
}

func numericTokens(s string) []float64 {
	var out []float64
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".,;:!?()%$€£¥")
		if tok == "" {
			continue
		}
		if v, err := strconv.ParseFloat(tok, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func numbersEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[float64]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func unitClasses(s string) map[string]struct{} {
	classes := make(map[string]struct{})
	lower := strings.ToLower(s)
	for sym, class := range structureClasses {
		if len(sym) == 1 {
			if strings.Contains(lower, sym) {
				classes[class] = struct{}{}
			}
			continue
		}
		for _, tok := range strings.Fields(lower) {
			if strings.Trim(tok, ".,") == sym {
				classes[class] = struct{}{}
			}
		}
	}
	return classes
}

func calendarSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?")
		if canonical, ok := calendarTokens[tok]; ok {
			set[canonical] = struct{}{}
		}
	}
	return set
}

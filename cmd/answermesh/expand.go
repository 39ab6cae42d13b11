package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/answermesh/answermesh/internal/cache"
	"github.com/answermesh/answermesh/internal/expand"
	"github.com/answermesh/answermesh/internal/store"
)

// sourceLine is one user source answer in the --sources file.
type sourceLine struct {
	QuestionID string `json:"question_id"`
	AnswerID   string `json:"answer_id"`
	Mode       string `json:"selection_mode"`
	SkipCode   string `json:"skip_code"`
}

// expandedLine is one output row.
type expandedLine struct {
	QuestionID string `json:"question_id"`
	AnswerID   string `json:"answer_id,omitempty"`
	SkipCode   string `json:"skip_code,omitempty"`
	Inferred   bool   `json:"inferred"`
	ClusterID  int64  `json:"cluster_id,omitempty"`
}

func runExpand(args []string) error {
	var (
		localeFlag  string
		sourcesFlag string
		targetsFlag string
		strict      bool
		dbFlag      string
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--locale":
			i++
			localeFlag = argValue(args, i, "--locale")
		case "--sources":
			i++
			sourcesFlag = argValue(args, i, "--sources")
		case "--targets":
			i++
			targetsFlag = argValue(args, i, "--targets")
		case "--strict":
			strict = true
		case "--db":
			i++
			dbFlag = argValue(args, i, "--db")
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	locale, err := parseLocale(localeFlag)
	if err != nil {
		return err
	}
	if sourcesFlag == "" {
		return fmt.Errorf("--sources <file.json> is required")
	}

	raw, err := os.ReadFile(sourcesFlag)
	if err != nil {
		return fmt.Errorf("reading sources: %w", err)
	}
	var lines []sourceLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return fmt.Errorf("parsing sources: %w", err)
	}
	sources := make([]expand.SourceAnswer, len(lines))
	for i, l := range lines {
		sources[i] = expand.SourceAnswer{
			QuestionID: l.QuestionID,
			AnswerID:   l.AnswerID,
			Mode:       store.SelectionMode(l.Mode),
			Skip:       store.SkipCode(l.SkipCode),
		}
	}

	var targets []string
	if targetsFlag != "" {
		targets = strings.Split(targetsFlag, ",")
	}

	st, err := store.NewStore(store.Config{DBPath: dbFlag})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	reader := expand.NewReader(cache.NewIndex(st), 0)
	result, err := reader.Expand(context.Background(), expand.Request{
		Locale:          locale,
		Sources:         sources,
		TargetQuestions: targets,
		Strict:          strict,
	})
	if err != nil {
		return err
	}

	if result.Degraded {
		fmt.Fprintln(os.Stderr, "Warning: expansion index unavailable, returning source answers only")
	}

	var out []expandedLine
	for _, a := range result.All() {
		out = append(out, expandedLine{
			QuestionID: a.QuestionID,
			AnswerID:   a.AnswerID,
			SkipCode:   string(a.Skip),
			Inferred:   a.Inferred,
			ClusterID:  a.ClusterID,
		})
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(encoded))
	return nil
}

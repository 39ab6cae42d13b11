package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/answermesh/answermesh/internal/store"
)

// questionLine is one row of the locale-partitioned question export.
type questionLine struct {
	ID            string `json:"id"`
	Locale        string `json:"locale"`
	Text          string `json:"text"`
	SelectionMode string `json:"selection_mode"`
	Category      string `json:"category"`
}

// answerLine is one row of the answer export.
type answerLine struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id"`
	Locale     string `json:"locale"`
	Text       string `json:"text"`
	SkipCode   string `json:"skip_code"`
}

func runImport(args []string) error {
	var paths []string
	var dbFlag string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db":
			i++
			dbFlag = argValue(args, i, "--db")
		default:
			paths = append(paths, args[i])
		}
	}
	if len(paths) != 2 {
		return fmt.Errorf("usage: answermesh import <questions.jsonl> <answers.jsonl> [--db <path>]")
	}

	st, err := store.NewStore(store.Config{DBPath: dbFlag})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	questions, err := readQuestions(paths[0])
	if err != nil {
		return err
	}
	nq, err := st.ImportQuestions(ctx, questions)
	if err != nil {
		return fmt.Errorf("importing questions: %w", err)
	}
	fmt.Printf("Imported %d questions from %s\n", nq, paths[0])

	answers, err := readAnswers(paths[1])
	if err != nil {
		return err
	}
	na, err := st.ImportAnswers(ctx, answers)
	if err != nil {
		return fmt.Errorf("importing answers: %w", err)
	}
	fmt.Printf("Imported %d answers from %s\n", na, paths[1])
	return nil
}

func readQuestions(path string) ([]*store.Question, error) {
	var questions []*store.Question
	err := eachLine(path, func(line []byte) error {
		var q questionLine
		if err := json.Unmarshal(line, &q); err != nil {
			return fmt.Errorf("invalid question line: %w", err)
		}
		locale, err := parseLocale(q.Locale)
		if err != nil {
			return fmt.Errorf("question %s: %w", q.ID, err)
		}
		questions = append(questions, &store.Question{
			ID:       q.ID,
			Locale:   locale,
			Text:     q.Text,
			Mode:     store.SelectionMode(q.SelectionMode),
			Category: store.QuestionCategory(q.Category),
		})
		return nil
	})
	return questions, err
}

func readAnswers(path string) ([]*store.Answer, error) {
	var answers []*store.Answer
	err := eachLine(path, func(line []byte) error {
		var a answerLine
		if err := json.Unmarshal(line, &a); err != nil {
			return fmt.Errorf("invalid answer line: %w", err)
		}
		locale, err := parseLocale(a.Locale)
		if err != nil {
			return fmt.Errorf("answer %s: %w", a.ID, err)
		}
		answers = append(answers, &store.Answer{
			ID:         a.ID,
			QuestionID: a.QuestionID,
			Locale:     locale,
			Text:       a.Text,
			Skip:       store.SkipCode(a.SkipCode),
		})
		return nil
	})
	return answers, err
}

func eachLine(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

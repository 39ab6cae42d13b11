package store

import (
	"context"
	"fmt"
	"strings"
)

// ImportQuestions upserts a locale-partitioned question export in bounded
// transactional batches. Returns the number of rows written.
func (s *SQLiteStore) ImportQuestions(ctx context.Context, questions []*Question) (int, error) {
	written := 0
	for start := 0; start < len(questions); start += s.batchSize {
		end := start + s.batchSize
		if end > len(questions) {
			end = len(questions)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return written, fmt.Errorf("begin question import batch: %w", err)
		}
		for _, q := range questions[start:end] {
			if err := validateQuestion(q); err != nil {
				tx.Rollback()
				return written, err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO questions (id, locale, text, selection_mode, category, synced_at)
				 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				 ON CONFLICT(id) DO UPDATE SET
				   locale = excluded.locale,
				   text = excluded.text,
				   selection_mode = excluded.selection_mode,
				   category = excluded.category,
				   synced_at = CURRENT_TIMESTAMP`,
				q.ID, q.Locale.Key(), q.Text, string(q.Mode), string(q.Category),
			); err != nil {
				tx.Rollback()
				return written, fmt.Errorf("upserting question %s: %w", q.ID, err)
			}
			written++
		}
		if err := tx.Commit(); err != nil {
			return written, fmt.Errorf("commit question import batch: %w", err)
		}
	}
	return written, nil
}

// ImportAnswers upserts answer options. Each answer must reference an
// already-imported question in the same locale; a cross-locale reference is
// a data-integrity violation and rejects the batch.
func (s *SQLiteStore) ImportAnswers(ctx context.Context, answers []*Answer) (int, error) {
	written := 0
	for start := 0; start < len(answers); start += s.batchSize {
		end := start + s.batchSize
		if end > len(answers) {
			end = len(answers)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return written, fmt.Errorf("begin answer import batch: %w", err)
		}
		for _, a := range answers[start:end] {
			var questionLocale string
			err := tx.QueryRowContext(ctx,
				`SELECT locale FROM questions WHERE id = ?`, a.QuestionID,
			).Scan(&questionLocale)
			if err != nil {
				tx.Rollback()
				return written, fmt.Errorf("answer %s references unknown question %s: %w", a.ID, a.QuestionID, err)
			}
			if questionLocale != a.Locale.Key() {
				tx.Rollback()
				return written, fmt.Errorf("answer %s locale %s does not match question %s locale %s",
					a.ID, a.Locale.Key(), a.QuestionID, questionLocale)
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO answers (id, question_id, locale, text, skip_code, synced_at)
				 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				 ON CONFLICT(id) DO UPDATE SET
				   question_id = excluded.question_id,
				   locale = excluded.locale,
				   text = excluded.text,
				   skip_code = excluded.skip_code,
				   synced_at = CURRENT_TIMESTAMP`,
				a.ID, a.QuestionID, a.Locale.Key(), a.Text, string(a.Skip),
			); err != nil {
				tx.Rollback()
				return written, fmt.Errorf("upserting answer %s: %w", a.ID, err)
			}
			written++
		}
		if err := tx.Commit(); err != nil {
			return written, fmt.Errorf("commit answer import batch: %w", err)
		}
	}
	return written, nil
}

// ListQuestions returns all questions in a locale, ordered by id.
func (s *SQLiteStore) ListQuestions(ctx context.Context, locale Locale) ([]*Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, locale, text, selection_mode, category
		 FROM questions WHERE locale = ? ORDER BY id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing questions for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	questions := make([]*Question, 0, 256)
	for rows.Next() {
		q := &Question{}
		var localeKey, mode, category string
		if err := rows.Scan(&q.ID, &localeKey, &q.Text, &mode, &category); err != nil {
			return nil, fmt.Errorf("scanning question row: %w", err)
		}
		q.Locale = parseLocaleKey(localeKey)
		q.Mode = SelectionMode(mode)
		q.Category = QuestionCategory(category)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating questions: %w", err)
	}
	return questions, nil
}

// ListAnswers returns all answers in a locale, ordered by question then id.
func (s *SQLiteStore) ListAnswers(ctx context.Context, locale Locale) ([]*Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, question_id, locale, text, skip_code
		 FROM answers WHERE locale = ? ORDER BY question_id ASC, id ASC`,
		locale.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing answers for %s: %w", locale.Key(), err)
	}
	defer rows.Close()

	answers := make([]*Answer, 0, 1024)
	for rows.Next() {
		a := &Answer{}
		var localeKey, skip string
		if err := rows.Scan(&a.ID, &a.QuestionID, &localeKey, &a.Text, &skip); err != nil {
			return nil, fmt.Errorf("scanning answer row: %w", err)
		}
		a.Locale = parseLocaleKey(localeKey)
		a.Skip = SkipCode(skip)
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating answers: %w", err)
	}
	return answers, nil
}

func validateQuestion(q *Question) error {
	if q.ID == "" {
		return fmt.Errorf("question with empty id")
	}
	switch q.Mode {
	case SelectionSingle, SelectionMulti:
	default:
		return fmt.Errorf("question %s: invalid selection mode %q", q.ID, q.Mode)
	}
	switch q.Category {
	case CategoryOrdinary, CategoryStandardDemographic, CategoryPlatformStandard:
	default:
		return fmt.Errorf("question %s: invalid category %q", q.ID, q.Category)
	}
	return nil
}

func parseLocaleKey(key string) Locale {
	if idx := strings.Index(key, "-"); idx > 0 {
		return Locale{Country: key[:idx], Language: key[idx+1:]}
	}
	return Locale{Country: key}
}

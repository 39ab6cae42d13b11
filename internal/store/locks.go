package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// staleLockAge is how old a lock must be before another run may take it
// over (a crashed run never releases).
const staleLockAge = 6 * time.Hour

// AcquireLocaleLock takes the clustering lock for a locale. Returns
// ErrLocaleLocked when another live run holds it; locks older than
// staleLockAge are treated as abandoned and taken over.
func (s *SQLiteStore) AcquireLocaleLock(ctx context.Context, locale Locale, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locale_locks (locale, run_id, acquired_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(locale) DO NOTHING`,
		locale.Key(), runID,
	)
	if err != nil {
		return fmt.Errorf("acquiring lock for %s: %w", locale.Key(), err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Lock row exists. Take it over only when stale.
	var holder, acquiredAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT run_id, acquired_at FROM locale_locks WHERE locale = ?`, locale.Key(),
	).Scan(&holder, &acquiredAt)
	if err == sql.ErrNoRows {
		// Raced with a release; retry once.
		return s.AcquireLocaleLock(ctx, locale, runID)
	}
	if err != nil {
		return fmt.Errorf("inspecting lock for %s: %w", locale.Key(), err)
	}
	if holder == runID {
		return nil
	}

	t, parseErr := time.Parse("2006-01-02 15:04:05", acquiredAt)
	if parseErr == nil && time.Since(t) > staleLockAge {
		res, err := s.db.ExecContext(ctx,
			`UPDATE locale_locks SET run_id = ?, acquired_at = CURRENT_TIMESTAMP
			 WHERE locale = ? AND run_id = ?`,
			runID, locale.Key(), holder,
		)
		if err != nil {
			return fmt.Errorf("taking over stale lock for %s: %w", locale.Key(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: locale %s held by run %s", ErrLocaleLocked, locale.Key(), holder)
}

// ReleaseLocaleLock releases the lock if this run still owns it.
func (s *SQLiteStore) ReleaseLocaleLock(ctx context.Context, locale Locale, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locale_locks WHERE locale = ? AND run_id = ?`,
		locale.Key(), runID,
	); err != nil {
		return fmt.Errorf("releasing lock for %s: %w", locale.Key(), err)
	}
	return nil
}

// MarkFullSync records that a full resync has completed for the locale,
// lifting the cold-start restriction on incremental runs.
func (s *SQLiteStore) MarkFullSync(ctx context.Context, locale Locale) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (locale, full_sync_done, last_sync_at)
		 VALUES (?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(locale) DO UPDATE SET full_sync_done = 1, last_sync_at = CURRENT_TIMESTAMP`,
		locale.Key(),
	); err != nil {
		return fmt.Errorf("marking full sync for %s: %w", locale.Key(), err)
	}
	return nil
}

// FullSyncDone reports whether the locale has completed a full resync.
func (s *SQLiteStore) FullSyncDone(ctx context.Context, locale Locale) (bool, error) {
	var done int
	err := s.db.QueryRowContext(ctx,
		`SELECT full_sync_done FROM sync_state WHERE locale = ?`, locale.Key(),
	).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading sync state for %s: %w", locale.Key(), err)
	}
	return done != 0, nil
}

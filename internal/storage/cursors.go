package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/threatmeta/threatmeta/internal/diamond"
)

// GetCursor returns the saved resumption state for one feed source. A source
// that has never run gets a zero-value cursor, not an error.
func (s *Store) GetCursor(ctx context.Context, sourceName string) (*diamond.FeedCursor, error) {
	var c diamond.FeedCursor
	var lastRun string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT source_name, cursor_token, last_run_at FROM feed_cursors WHERE source_name = ?`,
		sourceName).Scan(&c.SourceName, &c.CursorToken, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return &diamond.FeedCursor{SourceName: sourceName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor for %s: %w", sourceName, err)
	}
	if c.LastRunAt, err = parseTime(lastRun); err != nil {
		return nil, fmt.Errorf("getting cursor for %s: %w", sourceName, err)
	}
	return &c, nil
}

// SetCursor durably advances one source's cursor. The orchestrator calls
// this only after a batch has fully committed, so a restart resumes at the
// last committed batch.
func (s *Store) SetCursor(ctx context.Context, sourceName, token string, runAt time.Time) error {
	const q = `
	INSERT INTO feed_cursors (source_name, cursor_token, last_run_at)
	VALUES (?, ?, ?)
	ON CONFLICT(source_name) DO UPDATE SET
		cursor_token = excluded.cursor_token,
		last_run_at = excluded.last_run_at`

	if _, err := s.writeDB.ExecContext(ctx, q, sourceName, token, fmtTime(runAt)); err != nil {
		return fmt.Errorf("saving cursor for %s: %w", sourceName, err)
	}
	return nil
}

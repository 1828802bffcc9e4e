package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FailedStreamRow records a stream whose session ended in the error state.
type FailedStreamRow struct {
	URL       string    `json:"url"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// MarkStreamFailed records a failure for url, counting repeats.
func (db *DB) MarkStreamFailed(ctx context.Context, url, reason string) error {
	now := time.Now().Unix()
	_, err := db.ExecContext(ctx, `
		INSERT INTO failed_streams (url, reason, failures, first_seen, last_seen)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			reason = excluded.reason,
			failures = failed_streams.failures + 1,
			last_seen = excluded.last_seen
	`, url, reason, now, now)
	if err != nil {
		return fmt.Errorf("failed to mark stream failed: %w", err)
	}
	return nil
}

// ListFailedStreams returns failures, most recent first.
func (db *DB) ListFailedStreams(ctx context.Context) ([]FailedStreamRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT url, reason, failures, first_seen, last_seen
		FROM failed_streams
		ORDER BY last_seen DESC, url
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed streams: %w", err)
	}
	defer rows.Close()

	failed := []FailedStreamRow{}
	for rows.Next() {
		var f FailedStreamRow
		var first, last int64
		if err := rows.Scan(&f.URL, &f.Reason, &f.Failures, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan failed stream: %w", err)
		}
		f.FirstSeen = time.Unix(first, 0).UTC()
		f.LastSeen = time.Unix(last, 0).UTC()
		failed = append(failed, f)
	}
	return failed, rows.Err()
}

// IsStreamFailed reports whether url has a failure record.
func (db *DB) IsStreamFailed(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM failed_streams WHERE url = ?)", url).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return exists, nil
}

// ClearFailedStream drops the record for url.
func (db *DB) ClearFailedStream(ctx context.Context, url string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM failed_streams WHERE url = ?", url)
	if err != nil {
		return fmt.Errorf("failed to clear failed stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

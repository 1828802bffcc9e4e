package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a row addressed by id or url does not exist.
var ErrNotFound = errors.New("not found")

// PlaylistRow is a saved playlist source. Only the address is kept, the
// playlist itself is fetched fresh every time.
type PlaylistRow struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SavePlaylist inserts a playlist or renames the one already saved under url.
func (db *DB) SavePlaylist(ctx context.Context, name, url string) (*PlaylistRow, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("playlist url is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = url
	}

	now := time.Now().Unix()
	row := db.QueryRowContext(ctx, `
		INSERT INTO playlists (name, url, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
		RETURNING id, name, url, created_at, updated_at
	`, name, url, now, now)

	p, err := scanPlaylist(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save playlist: %w", err)
	}
	return p, nil
}

// ListPlaylists returns saved playlists, oldest first.
func (db *DB) ListPlaylists(ctx context.Context) ([]PlaylistRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, url, created_at, updated_at
		FROM playlists
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list playlists: %w", err)
	}
	defer rows.Close()

	playlists := []PlaylistRow{}
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan playlist: %w", err)
		}
		playlists = append(playlists, *p)
	}
	return playlists, rows.Err()
}

// GetPlaylist returns one playlist by id.
func (db *DB) GetPlaylist(ctx context.Context, id int64) (*PlaylistRow, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, url, created_at, updated_at
		FROM playlists WHERE id = ?
	`, id)

	p, err := scanPlaylist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// DeletePlaylist removes a playlist by id.
func (db *DB) DeletePlaylist(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, "DELETE FROM playlists WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete playlist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlaylist(s scanner) (*PlaylistRow, error) {
	var p PlaylistRow
	var created, updated int64
	if err := s.Scan(&p.ID, &p.Name, &p.URL, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.UpdatedAt = time.Unix(updated, 0).UTC()
	return &p, nil
}

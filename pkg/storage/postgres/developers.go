package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/collapp/panel/pkg/moderation"
)

// ListDevelopers returns one page of authors, optionally filtered by a
// case-insensitive substring match on name, plus the total match count.
func (s *Store) ListDevelopers(ctx context.Context, req moderation.ListRequest) ([]moderation.Developer, int, error) {
	offset := (req.Page - 1) * req.Limit

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, created_at FROM authors
		WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')
		ORDER BY name ASC
		LIMIT $2 OFFSET $3
	`, req.Name, req.Limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing developers: %w", err)
	}
	defer rows.Close()

	var developers []moderation.Developer
	for rows.Next() {
		var d moderation.Developer
		if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning developer: %w", err)
		}
		developers = append(developers, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing developers: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM authors
		WHERE ($1 = '' OR name ILIKE '%' || $1 || '%')
	`, req.Name).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting developers: %w", err)
	}

	return developers, total, nil
}

// GetDeveloper returns an author together with their submitted plugins,
// newest first.
func (s *Store) GetDeveloper(ctx context.Context, id string) (*moderation.Developer, error) {
	var d moderation.Developer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, created_at FROM authors WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Email, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching developer %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM plugins WHERE author_id = $1 ORDER BY created_at DESC
	`, pluginColumns), id)
	if err != nil {
		return nil, fmt.Errorf("listing plugins for developer %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plugin for developer %s: %w", id, err)
		}
		d.Plugins = append(d.Plugins, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing plugins for developer %s: %w", id, err)
	}

	return &d, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/collapp/panel/pkg/moderation"
)

const pluginColumns = "id, name, description, icon, author_id, source_id, is_pending, is_building, created_at"

// ListPlugins returns one page of plugins, newest first, optionally filtered
// by a case-insensitive substring match on name, plus the total match count.
func (s *Store) ListPlugins(ctx context.Context, req moderation.ListRequest) ([]moderation.Plugin, int, error) {
	offset := (req.Page - 1) * req.Limit

	query := fmt.Sprintf(`
		SELECT %s FROM plugins
		WHERE (?1 = '' OR LOWER(name) LIKE '%%' || LOWER(?1) || '%%')
		ORDER BY created_at DESC
		LIMIT ?2 OFFSET ?3
	`, pluginColumns)

	rows, err := s.db.QueryContext(ctx, query, req.Name, req.Limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing plugins: %w", err)
	}
	defer rows.Close()

	var plugins []moderation.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, 0, err
		}
		plugins = append(plugins, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing plugins: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM plugins
		WHERE (?1 = '' OR LOWER(name) LIKE '%' || LOWER(?1) || '%')
	`, req.Name).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting plugins: %w", err)
	}

	return plugins, total, nil
}

// GetPlugin returns the plugin with its source artifact, author, and full
// moderation history with admin attribution.
func (s *Store) GetPlugin(ctx context.Context, id string) (*moderation.Plugin, error) {
	plugin, err := s.getPluginJoined(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.content, l.admin_id, l.plugin_id, l.created_at,
		       u.id, u.email, u.name
		FROM moderation_logs l
		JOIN admin_users u ON u.id = l.admin_id
		WHERE l.plugin_id = ?
		ORDER BY l.created_at DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("loading moderation logs for plugin %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry moderation.ModerationLogEntry
		var admin moderation.AdminUser
		if err := rows.Scan(
			&entry.ID, &entry.Content, &entry.AdminID, &entry.PluginID, &entry.CreatedAt,
			&admin.ID, &admin.Email, &admin.Name,
		); err != nil {
			return nil, fmt.Errorf("scanning moderation log: %w", err)
		}
		entry.Admin = &admin
		plugin.Logs = append(plugin.Logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading moderation logs for plugin %s: %w", id, err)
	}

	return plugin, nil
}

// GetPluginForReview returns the plugin with source and author, without logs.
func (s *Store) GetPluginForReview(ctx context.Context, id string) (*moderation.Plugin, error) {
	return s.getPluginJoined(ctx, id)
}

func (s *Store) getPluginJoined(ctx context.Context, id string) (*moderation.Plugin, error) {
	var (
		p         moderation.Plugin
		author    moderation.Author
		sourceID  sql.NullString
		sourceURL sql.NullString
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.description, p.icon, p.author_id, p.source_id,
		       p.is_pending, p.is_building, p.created_at,
		       a.id, a.name, a.email, a.created_at,
		       s.url
		FROM plugins p
		JOIN authors a ON a.id = p.author_id
		LEFT JOIN sources s ON s.id = p.source_id
		WHERE p.id = ?
	`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Icon, &p.AuthorID, &sourceID,
		&p.IsPending, &p.IsBuilding, &p.CreatedAt,
		&author.ID, &author.Name, &author.Email, &author.CreatedAt,
		&sourceURL,
	)
	if err == sql.ErrNoRows {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching plugin %s: %w", id, err)
	}

	p.Author = &author
	if sourceID.Valid {
		p.SourceID = &sourceID.String
		p.Source = &moderation.SourceArtifact{ID: sourceID.String, URL: sourceURL.String}
	}
	return &p, nil
}

// TransitionToRejected flips a still-pending plugin to rejected and appends
// the audit entry in one transaction. SQLite lacks a reliable UPDATE RETURNING
// through the driver, so the guard is the affected-row count.
func (s *Store) TransitionToRejected(ctx context.Context, pluginID, adminID string) (*moderation.Plugin, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE plugins SET is_pending = 0
		WHERE id = ? AND is_pending
	`, pluginID)
	if err != nil {
		return nil, fmt.Errorf("rejecting plugin %s: %w", pluginID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rejecting plugin %s: %w", pluginID, err)
	} else if n == 0 {
		return nil, classifyMissedTransition(ctx, tx, pluginID)
	}

	plugin, err := selectPlugin(ctx, tx, pluginID)
	if err != nil {
		return nil, err
	}

	if err := insertLog(ctx, tx, moderation.LogContentRejected, adminID, pluginID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing rejection of plugin %s: %w", pluginID, err)
	}
	return plugin, nil
}

// TransitionToBuilding flips a pending, non-building plugin with a source
// artifact into the building state, appends the audit entry, and records the
// build notification in the outbox, all in one transaction.
func (s *Store) TransitionToBuilding(ctx context.Context, pluginID, adminID string, notification []byte) (*moderation.Plugin, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE plugins SET is_pending = 0, is_building = 1
		WHERE id = ? AND is_pending AND NOT is_building AND source_id IS NOT NULL
	`, pluginID)
	if err != nil {
		return nil, "", fmt.Errorf("accepting plugin %s: %w", pluginID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, "", fmt.Errorf("accepting plugin %s: %w", pluginID, err)
	} else if n == 0 {
		return nil, "", classifyMissedTransition(ctx, tx, pluginID)
	}

	plugin, err := selectPlugin(ctx, tx, pluginID)
	if err != nil {
		return nil, "", err
	}

	if err := insertLog(ctx, tx, moderation.LogContentAccepted, adminID, pluginID); err != nil {
		return nil, "", err
	}

	deliveryID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO build_outbox (id, plugin_id, payload)
		VALUES (?, ?, ?)
	`, deliveryID, pluginID, notification)
	if err != nil {
		return nil, "", fmt.Errorf("recording build notification for plugin %s: %w", pluginID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("committing acceptance of plugin %s: %w", pluginID, err)
	}
	return plugin, deliveryID, nil
}

// classifyMissedTransition runs on the open transaction; with a single
// connection a query on the pool would wait on it forever.
func classifyMissedTransition(ctx context.Context, tx *sql.Tx, pluginID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM plugins WHERE id = ?)`, pluginID).Scan(&exists); err != nil {
		return fmt.Errorf("checking plugin %s: %w", pluginID, err)
	}
	if !exists {
		return moderation.ErrNotFound
	}
	return moderation.ErrInvalidState
}

func selectPlugin(ctx context.Context, tx *sql.Tx, pluginID string) (*moderation.Plugin, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM plugins WHERE id = ?`, pluginColumns), pluginID)
	plugin, err := scanPlugin(row)
	if err != nil {
		return nil, fmt.Errorf("reloading plugin %s: %w", pluginID, err)
	}
	return plugin, nil
}

func insertLog(ctx context.Context, tx *sql.Tx, content, adminID, pluginID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO moderation_logs (id, content, admin_id, plugin_id)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), content, adminID, pluginID)
	if err != nil {
		return fmt.Errorf("appending moderation log for plugin %s: %w", pluginID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlugin(row rowScanner) (*moderation.Plugin, error) {
	var (
		p        moderation.Plugin
		sourceID sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Icon, &p.AuthorID, &sourceID,
		&p.IsPending, &p.IsBuilding, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sourceID.Valid {
		p.SourceID = &sourceID.String
	}
	return &p, nil
}

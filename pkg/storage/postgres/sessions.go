package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/collapp/panel/pkg/session"
)

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_email, user_name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, sess.Token, sess.Email, sess.Name, sess.ExpiresAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession returns a live session by token; expired tokens are not found.
func (s *Store) GetSession(ctx context.Context, token string) (*session.Session, error) {
	var sess session.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT token, user_email, user_name, expires_at, created_at
		FROM sessions
		WHERE token = $1 AND expires_at > NOW()
	`, token).Scan(&sess.Token, &sess.Email, &sess.Name, &sess.ExpiresAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session by token.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions prunes sessions past their expiry and returns how
// many rows were removed. Called by the janitor.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("pruning sessions: %w", err)
	}
	return res.RowsAffected()
}

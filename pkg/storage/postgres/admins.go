package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/collapp/panel/pkg/moderation"
)

// FindAdminByEmail resolves an acting user to an admin record. Absence means
// the caller is not authorized to moderate, distinct from a missing plugin.
func (s *Store) FindAdminByEmail(ctx context.Context, email string) (*moderation.AdminUser, error) {
	var admin moderation.AdminUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name FROM admin_users WHERE email = $1
	`, email).Scan(&admin.ID, &admin.Email, &admin.Name)
	if err == sql.ErrNoRows {
		return nil, moderation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up admin %s: %w", email, err)
	}
	return &admin, nil
}

package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/collapp/panel/pkg/buildserver"
)

// DuePendingDeliveries returns pending outbox rows whose retry time has
// passed, oldest first.
func (s *Store) DuePendingDeliveries(ctx context.Context, limit int) ([]buildserver.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, payload, attempts, created_at
		FROM build_outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("loading due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []buildserver.Delivery
	for rows.Next() {
		var d buildserver.Delivery
		if err := rows.Scan(&d.ID, &d.PluginID, &d.Payload, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// MarkDelivered finalizes a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE build_outbox
		SET status = 'delivered', updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking delivery %s delivered: %w", id, err)
	}
	return nil
}

// MarkFailed increments the attempt counter and schedules the next retry.
func (s *Store) MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE build_outbox
		SET attempts = attempts + 1, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, nextRetryAt.UTC(), cause, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking delivery %s failed: %w", id, err)
	}
	return nil
}

// MarkAbandoned takes a delivery out of rotation once the retry budget is
// exhausted.
func (s *Store) MarkAbandoned(ctx context.Context, id string, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE build_outbox
		SET status = 'abandoned', last_error = ?, updated_at = ?
		WHERE id = ?
	`, cause, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking delivery %s abandoned: %w", id, err)
	}
	return nil
}

// CountPendingDeliveries reports the outbox backlog.
func (s *Store) CountPendingDeliveries(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM build_outbox WHERE status = 'pending'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending deliveries: %w", err)
	}
	return count, nil
}

package store

import (
	"context"
	"fmt"
	"time"
)

// CountActions counts the user's recorded actions of one kind at or after since.
func (s *Store) CountActions(ctx context.Context, userID int64, action string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE user_id = $1 AND action = $2 AND created_at >= $3`,
		userID, action, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s actions for user %d: %w", action, userID, err)
	}
	return n, nil
}

// RecordAction appends one action record.
func (s *Store) RecordAction(ctx context.Context, userID int64, action string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (user_id, action, created_at) VALUES ($1, $2, $3)`,
		userID, action, at,
	); err != nil {
		return fmt.Errorf("store: record %s action for user %d: %w", action, userID, err)
	}
	return nil
}

// DeleteActionsBefore removes at most limit records older than cutoff, oldest first.
func (s *Store) DeleteActionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits
		 WHERE id IN (
		   SELECT id FROM rate_limits
		   WHERE created_at < $1
		   ORDER BY created_at
		   LIMIT $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete rate limit records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

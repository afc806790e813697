package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

const feedbackColumns = `id, user_id, user_email, user_name, type, message, page, status, created_at`

// CreateFeedback stores a new feedback entry with status "new" and fills in
// ID, Status and CreatedAt on fb.
func (s *Store) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	fb.ID = uuid.NewString()
	fb.Status = models.FeedbackNew
	if err := s.db.QueryRowContext(ctx,
		`INSERT INTO feedback (id, user_id, user_email, user_name, type, message, page, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		fb.ID, fb.UserID, fb.UserEmail, fb.UserName, fb.Type, fb.Message, fb.Page, fb.Status,
	).Scan(&fb.CreatedAt); err != nil {
		return fmt.Errorf("store: create feedback: %w", err)
	}
	return nil
}

// ListFeedbackByUser returns the user's feedback, newest first.
func (s *Store) ListFeedbackByUser(ctx context.Context, userID int64) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list feedback for user %d: %w", userID, err)
	}
	defer rows.Close()
	return scanFeedbackRows(rows)
}

// ListFeedback returns up to limit entries across all users, newest first.
func (s *Store) ListFeedback(ctx context.Context, limit int) ([]models.Feedback, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list feedback: %w", err)
	}
	defer rows.Close()
	return scanFeedbackRows(rows)
}

// UpdateFeedbackStatus sets the review status. ErrNotFound when id is unknown.
func (s *Store) UpdateFeedbackStatus(ctx context.Context, id string, status models.FeedbackStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE feedback SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("store: update feedback %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanFeedbackRows(rows *sql.Rows) ([]models.Feedback, error) {
	items := []models.Feedback{}
	for rows.Next() {
		var (
			fb    models.Feedback
			email sql.NullString
			name  sql.NullString
			page  sql.NullString
		)
		if err := rows.Scan(&fb.ID, &fb.UserID, &email, &name, &fb.Type, &fb.Message, &page, &fb.Status, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan feedback: %w", err)
		}
		fb.UserEmail = nullStringPtr(email)
		fb.UserName = nullStringPtr(name)
		fb.Page = nullStringPtr(page)
		items = append(items, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate feedback: %w", err)
	}
	return items, nil
}

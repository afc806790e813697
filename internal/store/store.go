package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

const defaultPageSize = 200

// ErrNotFound is returned when a lookup by primary identifier matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

const userColumns = `id, email, name, image, provider, provider_id, role, creation_date, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u     models.User
		email sql.NullString
		name  sql.NullString
		image sql.NullString
	)
	if err := row.Scan(&u.ID, &email, &name, &image, &u.Provider, &u.ProviderID, &u.Role, &u.CreationDate, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = nullStringPtr(email)
	u.Name = nullStringPtr(name)
	u.Image = nullStringPtr(image)
	return &u, nil
}

// ListUsers returns up to `limit` users ordered by creation time descending.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY creation_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate users: %w", err)
	}
	return users, nil
}

// GetUserByID returns the user or ErrNotFound.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail returns the oldest user with the given email (case-insensitive),
// or nil when none exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, nil
	}

	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1) ORDER BY id LIMIT 1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user by email: %w", err)
	}
	return u, nil
}

// UpsertIdentity creates or refreshes the user behind an OAuth profile. Users
// are keyed by (provider, provider_id); a new provider identity whose email
// already belongs to a user is merged into that user. created reports whether
// a brand new row was inserted.
func (s *Store) UpsertIdentity(ctx context.Context, profile models.IdentityProfile) (user *models.User, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin upsert identity tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	user, err = scanUser(tx.QueryRowContext(ctx,
		`UPDATE users
		 SET name = COALESCE($3, name),
		     email = COALESCE($4, email),
		     image = COALESCE($5, image),
		     updated_at = now()
		 WHERE provider = $1 AND provider_id = $2
		 RETURNING `+userColumns,
		profile.Provider, profile.ProviderID, profile.Name, profile.Email, profile.Image,
	))
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		user = nil
	default:
		return nil, false, fmt.Errorf("store: refresh identity: %w", err)
	}

	if user == nil && profile.Email != nil && *profile.Email != "" {
		user, err = scanUser(tx.QueryRowContext(ctx,
			`UPDATE users
			 SET name = COALESCE(name, $2),
			     image = COALESCE(image, $3),
			     updated_at = now()
			 WHERE id = (SELECT id FROM users WHERE LOWER(email) = LOWER($1) ORDER BY id LIMIT 1)
			 RETURNING `+userColumns,
			*profile.Email, profile.Name, profile.Image,
		))
		switch {
		case err == nil:
		case errors.Is(err, sql.ErrNoRows):
			user = nil
		default:
			return nil, false, fmt.Errorf("store: merge identity by email: %w", err)
		}
	}

	if user == nil {
		user, err = scanUser(tx.QueryRowContext(ctx,
			`INSERT INTO users (email, name, image, provider, provider_id)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+userColumns,
			profile.Email, profile.Name, profile.Image, profile.Provider, profile.ProviderID,
		))
		if err != nil {
			return nil, false, fmt.Errorf("store: insert user: %w", err)
		}
		created = true
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: commit upsert identity tx: %w", err)
	}
	return user, created, nil
}

// UpdateProfile applies the non-nil fields of update and returns the fresh row.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, update models.ProfileUpdate) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`UPDATE users
		 SET name = COALESCE($2, name),
		     image = COALESCE($3, image),
		     email = COALESCE($4, email),
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		userID, update.Name, update.Image, update.Email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: update profile %d: %w", userID, err)
	}
	return u, nil
}

// DeleteUser removes the user and every row owned by them in one transaction.
func (s *Store) DeleteUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete user tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"credits", "feedback", "rate_limits", "pending_checkouts", "billing_customers"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("store: delete %s for user %d: %w", table, userID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("store: delete user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete user tx: %w", err)
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	value := ns.String
	return &value
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	value := nt.Time
	return &value
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	value := n.Int64
	return &value
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

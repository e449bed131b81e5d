package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kbgapp/kbgauth"
)

// UserStore keeps credentials in the users table.
type UserStore struct {
	db DBTX
}

var _ kbgauth.UserCredentialStore = (*UserStore)(nil)

func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) FindCredentialsByEmail(ctx context.Context, email string) (kbgauth.UserCredentials, error) {
	query :=
		`SELECT id, email, password, two_factor_secret, two_factor_activated FROM users
		 WHERE email = $1
		 `

	var (
		u      kbgauth.UserCredentials
		secret sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, email).Scan(&u.UserID, &u.Email, &u.PasswordHash, &secret, &u.TOTPActivated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kbgauth.UserCredentials{}, kbgauth.ErrStoreNotFound
		}
		return kbgauth.UserCredentials{}, fmt.Errorf("db error: %w", err)
	}
	u.TOTPSecret = secret.String
	return u, nil
}

func (s *UserStore) FindEmailByID(ctx context.Context, userID int64) (string, error) {
	query :=
		`SELECT email FROM users
		 WHERE id = $1
		 `

	var email string
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", kbgauth.ErrStoreNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return email, nil
}

func (s *UserStore) CreateUser(ctx context.Context, email, passwordHash string) (int64, error) {
	query :=
		`INSERT INTO users (email, password)
		 VALUES ($1, $2)
		 RETURNING id
		 `

	var id int64
	if err := s.db.QueryRowContext(ctx, query, email, passwordHash).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, kbgauth.ErrStoreDuplicate
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (s *UserStore) UpdatePassword(ctx context.Context, email, passwordHash string) error {
	query :=
		`UPDATE users SET password = $2
		 WHERE email = $1
		 `
	return s.execOne(ctx, query, email, passwordHash)
}

// SetTOTPSecret stores secret; an empty secret clears the column.
func (s *UserStore) SetTOTPSecret(ctx context.Context, email, secret string) error {
	query :=
		`UPDATE users SET two_factor_secret = $2
		 WHERE email = $1
		 `
	return s.execOne(ctx, query, email, sql.NullString{String: secret, Valid: secret != ""})
}

func (s *UserStore) SetTOTPActivated(ctx context.Context, email string, activated bool) error {
	query :=
		`UPDATE users SET two_factor_activated = $2
		 WHERE email = $1
		 `
	return s.execOne(ctx, query, email, activated)
}

// execOne runs an update that must touch exactly one row.
func (s *UserStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return kbgauth.ErrStoreNotFound
	}
	return nil
}

package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kbgapp/kbgauth"
)

// ResetTokenStore keeps one reset token digest per user in
// password_reset_tokens.
type ResetTokenStore struct {
	db DBTX
}

var _ kbgauth.ResetTokenStore = (*ResetTokenStore)(nil)

func NewResetTokenStore(db DBTX) *ResetTokenStore {
	return &ResetTokenStore{db: db}
}

// IssueOrReplaceResetToken upserts on user_id, so a new request overwrites
// the previous token.
func (s *ResetTokenStore) IssueOrReplaceResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	query := `
		INSERT INTO password_reset_tokens (user_id, token, token_expiry)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET token = EXCLUDED.token, token_expiry = EXCLUDED.token_expiry
	`
	if _, err := s.db.ExecContext(ctx, query, userID, tokenHash, expiresAt.UTC()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *ResetTokenStore) FindResetToken(ctx context.Context, tokenHash string) (kbgauth.ResetTokenRecord, error) {
	query := `
		SELECT user_id, token, token_expiry
		FROM password_reset_tokens
		WHERE token = $1
	`
	var rec kbgauth.ResetTokenRecord
	if err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&rec.UserID, &rec.TokenHash, &rec.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return kbgauth.ResetTokenRecord{}, kbgauth.ErrStoreNotFound
		}
		return kbgauth.ResetTokenRecord{}, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (s *ResetTokenStore) DeleteResetToken(ctx context.Context, userID int64) error {
	query := `
		DELETE FROM password_reset_tokens
		WHERE user_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

package kbgauth

import (
	"context"
	"errors"
	"time"

	"github.com/kbgapp/kbgauth/internal/stores"
	"github.com/redis/go-redis/v9"
)

// RedisResetTokenStore keeps reset tokens in Redis instead of SQL. Keys are
// removed a day after the token expires, so no cleanup job is needed and an
// expired token still reads as expired rather than unknown until then.
//
// Build points the store at Config.Now when one is set.
type RedisResetTokenStore struct {
	store *stores.ResetTokenStore
}

// NewRedisResetTokenStore returns a ResetTokenStore on client. An empty
// prefix defaults to "apr".
func NewRedisResetTokenStore(client redis.UniversalClient, prefix string) *RedisResetTokenStore {
	return &RedisResetTokenStore{store: stores.NewResetTokenStore(client, prefix, time.Now)}
}

func (s *RedisResetTokenStore) IssueOrReplaceResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	return s.store.IssueOrReplace(ctx, userID, tokenHash, expiresAt)
}

func (s *RedisResetTokenStore) FindResetToken(ctx context.Context, tokenHash string) (ResetTokenRecord, error) {
	rec, err := s.store.Find(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, stores.ErrResetNotFound) {
			return ResetTokenRecord{}, ErrStoreNotFound
		}
		return ResetTokenRecord{}, err
	}
	return ResetTokenRecord{UserID: rec.UserID, TokenHash: rec.TokenHash, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *RedisResetTokenStore) DeleteResetToken(ctx context.Context, userID int64) error {
	return s.store.DeleteForUser(ctx, userID)
}

package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const resetRecordVersion1 = 1

// ResetRetention is how long a record outlives its expiry so lookups can
// still tell an expired token from an unknown one.
const ResetRetention = 24 * time.Hour

var (
	ErrResetNotFound         = errors.New("reset token not found")
	ErrResetRedisUnavailable = errors.New("reset redis unavailable")
)

// ResetToken is the stored side of an outstanding reset link. TokenHash is
// the digest of the emailed token, never the token itself.
type ResetToken struct {
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
}

// ResetTokenStore keeps at most one token per user. Records are kept for
// ResetRetention past their expiry. Each token lives under
// its digest and the user key points at the current digest so a reissue can
// drop the previous one.
type ResetTokenStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewResetTokenStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *ResetTokenStore {
	if prefix == "" {
		prefix = "apr"
	}
	if now == nil {
		now = time.Now
	}
	return &ResetTokenStore{redis: redisClient, prefix: prefix, now: now}
}

// SetClock replaces the clock used for key TTLs. Call it before first use.
func (s *ResetTokenStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *ResetTokenStore) tokenKey(tokenHash string) string {
	return s.prefix + ":t:" + tokenHash
}

func (s *ResetTokenStore) ownerKey(userID int64) string {
	return s.prefix + ":u:" + strconv.FormatInt(userID, 10)
}

// IssueOrReplace stores tokenHash for userID and removes any earlier token.
func (s *ResetTokenStore) IssueOrReplace(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	const maxRetries = 4
	owner := s.ownerKey(userID)

	ttl := expiresAt.Sub(s.now()) + ResetRetention
	if ttl < time.Second {
		ttl = time.Second
	}
	encoded, err := encodeResetToken(&ResetToken{UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			previous, err := tx.Get(ctx, owner).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if previous != "" {
					pipe.Del(ctx, s.tokenKey(previous))
				}
				pipe.Set(ctx, s.tokenKey(tokenHash), encoded, ttl)
				pipe.Set(ctx, owner, tokenHash, ttl)
				return nil
			})
			return err
		}, owner)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: too much contention", ErrResetRedisUnavailable)
}

// Find returns the stored record. Expiry is left to the caller.
func (s *ResetTokenStore) Find(ctx context.Context, tokenHash string) (*ResetToken, error) {
	data, err := s.redis.Get(ctx, s.tokenKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResetNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
	}
	record, err := decodeResetToken(data)
	if err != nil {
		return nil, err
	}
	record.TokenHash = tokenHash
	return record, nil
}

// DeleteForUser removes the user's token, if any.
func (s *ResetTokenStore) DeleteForUser(ctx context.Context, userID int64) error {
	const maxRetries = 4
	owner := s.ownerKey(userID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, owner).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.tokenKey(current), owner)
				return nil
			})
			return err
		}, owner)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrResetRedisUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: too much contention", ErrResetRedisUnavailable)
}

func encodeResetToken(record *ResetToken) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(resetRecordVersion1)
	if err := binary.Write(&buf, binary.BigEndian, record.UserID); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt.UnixMilli()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeResetToken(data []byte) (*ResetToken, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != resetRecordVersion1 {
		return nil, errors.New("invalid reset record version")
	}

	record := &ResetToken{}
	var expiresAt int64
	if err := binary.Read(reader, binary.BigEndian, &record.UserID); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &expiresAt); err != nil {
		return nil, err
	}
	if _, err := reader.ReadByte(); err != io.EOF {
		return nil, errors.New("trailing bytes in reset record")
	}
	record.ExpiresAt = time.UnixMilli(expiresAt)
	return record, nil
}

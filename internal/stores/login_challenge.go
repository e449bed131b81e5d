package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const loginChallengeVersion1 = 1

var (
	ErrLoginChallengeNotFound = errors.New("login challenge not found")
	ErrLoginChallengeExpired  = errors.New("login challenge expired")
	ErrLoginChallengeBackend  = errors.New("login challenge backend unavailable")
)

// LoginChallenge is the pending state between a verified password and the
// one-time passcode. It never holds the password.
type LoginChallenge struct {
	UserID    int64
	Email     string
	ExpiresAt int64 // unix millis
	Attempts  uint16
}

type LoginChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewLoginChallengeStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *LoginChallengeStore {
	if prefix == "" {
		prefix = "alc"
	}
	if now == nil {
		now = time.Now
	}
	return &LoginChallengeStore{redis: redisClient, prefix: prefix, now: now}
}

func (s *LoginChallengeStore) key(challengeID string) string {
	return s.prefix + ":" + challengeID
}

func (s *LoginChallengeStore) Save(ctx context.Context, challengeID string, record *LoginChallenge, ttl time.Duration) error {
	encoded, err := encodeLoginChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLoginChallengeBackend, err)
	}
	return nil
}

func (s *LoginChallengeStore) Get(ctx context.Context, challengeID string) (*LoginChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrLoginChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrLoginChallengeBackend, err)
	}

	record, err := decodeLoginChallenge(data)
	if err != nil {
		return nil, err
	}
	if s.now().UnixMilli() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, ErrLoginChallengeExpired
	}
	return record, nil
}

// Delete reports whether this call removed the challenge. Two concurrent
// completions of the same challenge see exactly one true.
func (s *LoginChallengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrLoginChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt counter and drops the challenge once it
// reaches maxAttempts. A maxAttempts of zero or less never drops it.
func (s *LoginChallengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			record, err := decodeLoginChallenge(data)
			if err != nil {
				return err
			}

			ttl := time.Duration(record.ExpiresAt-s.now().UnixMilli()) * time.Millisecond
			if ttl <= 0 {
				if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				}); err != nil {
					return err
				}
				return ErrLoginChallengeExpired
			}

			record.Attempts++
			if maxAttempts > 0 && int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeLoginChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrLoginChallengeNotFound
			}
			if errors.Is(err, ErrLoginChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrLoginChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrLoginChallengeNotFound
}

func encodeLoginChallenge(record *LoginChallenge) ([]byte, error) {
	if len(record.Email) > 65535 {
		return nil, errors.New("login challenge email too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(loginChallengeVersion1)
	for _, v := range []any{record.Attempts, record.ExpiresAt, record.UserID, uint16(len(record.Email))} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	buf.WriteString(record.Email)
	return buf.Bytes(), nil
}

func decodeLoginChallenge(data []byte) (*LoginChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != loginChallengeVersion1 {
		return nil, errors.New("invalid login challenge version")
	}

	record := &LoginChallenge{}
	var emailLen uint16
	for _, v := range []any{&record.Attempts, &record.ExpiresAt, &record.UserID, &emailLen} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}
	email := make([]byte, emailLen)
	if _, err := io.ReadFull(reader, email); err != nil {
		return nil, err
	}
	record.Email = string(email)
	return record, nil
}

package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrReplayBackend = errors.New("totp replay backend unavailable")

// TOTPReplayGuard remembers which time-step counters were already accepted
// for a user.
type TOTPReplayGuard struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTOTPReplayGuard(redisClient redis.UniversalClient, prefix string) *TOTPReplayGuard {
	if prefix == "" {
		prefix = "atr"
	}
	return &TOTPReplayGuard{redis: redisClient, prefix: prefix}
}

func (g *TOTPReplayGuard) key(userID int64, counter int64) string {
	return g.prefix + ":" + strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(counter, 10)
}

// Claim returns true the first time a counter is presented for a user and
// false for every later presentation within ttl.
func (g *TOTPReplayGuard) Claim(ctx context.Context, userID int64, counter int64, ttl time.Duration) (bool, error) {
	ok, err := g.redis.SetNX(ctx, g.key(userID, counter), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReplayBackend, err)
	}
	return ok, nil
}

package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const resetTokenSize = 32

var errShortRead = errors.New("short random read")

// NewResetToken returns 32 random bytes as 64 lowercase hex characters.
func NewResetToken(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var raw [resetTokenSize]byte
	n, err := io.ReadFull(r, raw[:])
	if err != nil {
		return "", err
	}
	if n != resetTokenSize {
		return "", errShortRead
	}
	return hex.EncodeToString(raw[:]), nil
}

// HashToken is the at-rest form of a reset token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewChallengeID returns an opaque identifier for a pending login.
func NewChallengeID() string {
	return uuid.NewString()
}

// JitterDelay returns a uniformly random duration in [lo, hi]. It falls back
// to lo when the range is empty or randomness is unavailable.
func JitterDelay(lo, hi time.Duration) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
	if err != nil {
		return lo
	}
	return lo + time.Duration(n.Int64())
}

// Sleep blocks for d or until done is closed.
func Sleep(done <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
	}
}

package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	minCostN      = 1 << 14
	minSaltLength = 16
	minKeyLength  = 32
	separator     = ":"
)

var (
	// ErrMalformedCredential is returned when a stored credential does not split
	// into exactly two hex components.
	ErrMalformedCredential = errors.New("malformed stored credential")
	// ErrRandomnessUnavailable is returned when the system CSPRNG fails.
	ErrRandomnessUnavailable = errors.New("secure randomness unavailable")
)

// Config holds scrypt cost parameters.
//
// Changing any field invalidates existing credentials; the stored format
// does not record parameters.
type Config struct {
	N          int
	R          int
	P          int
	SaltLength int
	KeyLength  int
}

// DefaultConfig returns N=16384, r=8, p=1 with a 16-byte salt and 64-byte key.
func DefaultConfig() Config {
	return Config{
		N:          1 << 14,
		R:          8,
		P:          1,
		SaltLength: 16,
		KeyLength:  64,
	}
}

// Scrypt hashes and verifies passwords stored as hex(key) + ":" + hex(salt).
//
// Scrypt instances are immutable after construction and safe for concurrent use.
type Scrypt struct {
	config Config
	rand   io.Reader
}

// NewScrypt validates cfg and returns a hasher.
func NewScrypt(cfg Config) (*Scrypt, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return &Scrypt{config: cfg, rand: rand.Reader}, nil
}

// Hash derives a key from password with a fresh random salt.
//
// Every call draws a new salt, so hashing the same password twice yields
// different stored strings that both verify.
func (s *Scrypt) Hash(password string) (string, error) {
	salt := make([]byte, s.config.SaltLength)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomnessUnavailable, err)
	}
	saltHex := hex.EncodeToString(salt)

	key, err := s.derive(password, saltHex)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(key) + separator + saltHex, nil
}

// Verify reports whether password matches the stored credential.
//
// A credential that is not exactly "<hex>:<hex>", or whose key is not
// KeyLength bytes, returns ErrMalformedCredential.
// The derived key is compared in constant time.
func (s *Scrypt) Verify(password string, stored string) (bool, error) {
	parts := strings.Split(stored, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false, ErrMalformedCredential
	}

	want, err := hex.DecodeString(parts[0])
	if err != nil || len(want) != s.config.KeyLength {
		return false, ErrMalformedCredential
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return false, ErrMalformedCredential
	}

	got, err := s.derive(password, parts[1])
	if err != nil {
		return false, err
	}

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// derive uses the hex salt string itself as the scrypt salt input.
func (s *Scrypt) derive(password, saltHex string) ([]byte, error) {
	return scrypt.Key([]byte(password), []byte(saltHex), s.config.N, s.config.R, s.config.P, s.config.KeyLength)
}

func validateConfig(cfg Config) error {
	if cfg.N < minCostN || cfg.N&(cfg.N-1) != 0 {
		return errors.New("password scrypt N must be a power of two >= 16384")
	}
	if cfg.R < 1 {
		return errors.New("password scrypt r must be >= 1")
	}
	if cfg.P < 1 {
		return errors.New("password scrypt p must be >= 1")
	}
	if cfg.SaltLength < minSaltLength {
		return errors.New("password salt length must be >= 16")
	}
	if cfg.KeyLength < minKeyLength {
		return errors.New("password key length must be >= 32")
	}

	return nil
}

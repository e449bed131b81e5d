package password

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestScrypt(t *testing.T) *Scrypt {
	t.Helper()
	s, err := NewScrypt(DefaultConfig())
	require.NoError(t, err)
	return s
}

func TestHashAndVerify(t *testing.T) {
	s := newTestScrypt(t)

	stored, err := s.Hash("Abcde1")
	require.NoError(t, err)

	parts := strings.Split(stored, ":")
	require.Len(t, parts, 2)
	require.Len(t, parts[0], 128, "64-byte key hex encoded")
	require.Len(t, parts[1], 32, "16-byte salt hex encoded")

	ok, err := s.Verify("Abcde1", stored)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyWrongPassword(t *testing.T) {
	s := newTestScrypt(t)

	stored, err := s.Hash("Abcde1")
	require.NoError(t, err)

	ok, err := s.Verify("abcde1", stored)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashUsesFreshSalt(t *testing.T) {
	s := newTestScrypt(t)

	first, err := s.Hash("same-password")
	require.NoError(t, err)
	second, err := s.Hash("same-password")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.NotEqual(t, strings.Split(first, ":")[1], strings.Split(second, ":")[1])

	for _, stored := range []string{first, second} {
		ok, err := s.Verify("same-password", stored)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestVerifyKnownCredential(t *testing.T) {
	s := newTestScrypt(t)

	const stored = "63953295b9aac096257bb174eb472e94c05434ac3f1e854ad9cf9898fe732c16" +
		"28dccb90a2df56cafd1ccb58b7a9ed8d124a4a1541bbb4c2ddc32e122957c5ff" +
		":00112233445566778899aabbccddeeff"

	ok, err := s.Verify("Abcde1", stored)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyMalformedCredential(t *testing.T) {
	s := newTestScrypt(t)

	for _, stored := range []string{
		"",
		"deadbeef",
		"deadbeef:",
		":deadbeef",
		"aa:bb:cc",
		"zz:00112233",
		"00112233:not-hex",
		"ab:" + strings.Repeat("0", 32),
		strings.Repeat("ab", 63) + ":" + strings.Repeat("0", 32),
		strings.Repeat("ab", 65) + ":" + strings.Repeat("0", 32),
	} {
		ok, err := s.Verify("whatever", stored)
		if !errors.Is(err, ErrMalformedCredential) {
			t.Fatalf("stored %q: expected ErrMalformedCredential, got %v", stored, err)
		}
		require.False(t, ok)
	}
}

func TestVerifyRejectsTruncatedKey(t *testing.T) {
	s := newTestScrypt(t)

	stored, err := s.Hash("Abcde1")
	require.NoError(t, err)
	key, salt, _ := strings.Cut(stored, ":")
	truncated := key[:2] + ":" + salt

	for _, pw := range []string{"Abcde1", "wrong1", "wrong2", "wrong3"} {
		ok, err := s.Verify(pw, truncated)
		require.ErrorIs(t, err, ErrMalformedCredential, pw)
		require.False(t, ok, pw)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestHashRandomnessUnavailable(t *testing.T) {
	s := newTestScrypt(t)
	s.rand = failingReader{}

	_, err := s.Hash("Abcde1")
	require.ErrorIs(t, err, ErrRandomnessUnavailable)
}

func TestNewScryptRejectsWeakConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"low N":      func(c *Config) { c.N = 1024 },
		"N not pow2": func(c *Config) { c.N = 20000 },
		"zero r":     func(c *Config) { c.R = 0 },
		"zero p":     func(c *Config) { c.P = 0 },
		"short salt": func(c *Config) { c.SaltLength = 8 },
		"short key":  func(c *Config) { c.KeyLength = 16 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := NewScrypt(cfg)
			require.Error(t, err)
		})
	}
}

package kbgauth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memUserStore struct {
	mu      sync.Mutex
	nextID  int64
	byEmail map[string]*UserCredentials
	failErr error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byEmail: map[string]*UserCredentials{}}
}

func (s *memUserStore) fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *memUserStore) get(email string) (UserCredentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byEmail[email]
	if !ok {
		return UserCredentials{}, false
	}
	return *u, true
}

func (s *memUserStore) put(u UserCredentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.UserID == 0 {
		s.nextID++
		u.UserID = s.nextID
	}
	cp := u
	s.byEmail[u.Email] = &cp
}

func (s *memUserStore) FindCredentialsByEmail(_ context.Context, email string) (UserCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return UserCredentials{}, s.failErr
	}
	u, ok := s.byEmail[email]
	if !ok {
		return UserCredentials{}, ErrStoreNotFound
	}
	return *u, nil
}

func (s *memUserStore) FindEmailByID(_ context.Context, userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	for _, u := range s.byEmail {
		if u.UserID == userID {
			return u.Email, nil
		}
	}
	return "", ErrStoreNotFound
}

func (s *memUserStore) CreateUser(_ context.Context, email, hash string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	if _, ok := s.byEmail[email]; ok {
		return 0, ErrStoreDuplicate
	}
	s.nextID++
	s.byEmail[email] = &UserCredentials{UserID: s.nextID, Email: email, PasswordHash: hash}
	return s.nextID, nil
}

func (s *memUserStore) update(email string, fn func(*UserCredentials)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	u, ok := s.byEmail[email]
	if !ok {
		return ErrStoreNotFound
	}
	fn(u)
	return nil
}

func (s *memUserStore) UpdatePassword(_ context.Context, email, hash string) error {
	return s.update(email, func(u *UserCredentials) { u.PasswordHash = hash })
}

func (s *memUserStore) SetTOTPSecret(_ context.Context, email, secret string) error {
	return s.update(email, func(u *UserCredentials) { u.TOTPSecret = secret })
}

func (s *memUserStore) SetTOTPActivated(_ context.Context, email string, activated bool) error {
	return s.update(email, func(u *UserCredentials) { u.TOTPActivated = activated })
}

type memResetStore struct {
	mu     sync.Mutex
	byUser map[int64]ResetTokenRecord
}

func newMemResetStore() *memResetStore {
	return &memResetStore{byUser: map[int64]ResetTokenRecord{}}
}

func (s *memResetStore) IssueOrReplaceResetToken(_ context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byUser[userID] = ResetTokenRecord{UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt}
	return nil
}

func (s *memResetStore) FindResetToken(_ context.Context, tokenHash string) (ResetTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byUser {
		if rec.TokenHash == tokenHash {
			return rec, nil
		}
	}
	return ResetTokenRecord{}, ErrStoreNotFound
}

func (s *memResetStore) DeleteResetToken(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byUser, userID)
	return nil
}

func (s *memResetStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser)
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []MailMessage
	refuse bool
	err    error
}

func (m *fakeMailer) SendMail(_ context.Context, msg MailMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.refuse {
		return false, nil
	}
	m.sent = append(m.sent, msg)
	return true, nil
}

func (m *fakeMailer) messages() []MailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MailMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

type testHarness struct {
	engine *Engine
	users  *memUserStore
	tokens *memResetStore
	mailer *fakeMailer
	clock  *testClock
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func testSessionIssuer(_ context.Context, p Principal) (string, error) {
	return "session-" + strconv.FormatInt(p.UserID, 10), nil
}

func newTestHarness(t testing.TB, mutate func(*Config)) *testHarness {
	t.Helper()

	mr, rdb := newTestRedis(t)
	h := &testHarness{
		users:  newMemUserStore(),
		tokens: newMemResetStore(),
		mailer: &fakeMailer{},
		clock:  newTestClock(),
		mr:     mr,
		rdb:    rdb,
	}

	cfg := DefaultConfig()
	cfg.Now = h.clock.Now
	cfg.PasswordReset.EnumerationDelayMin = 0
	cfg.PasswordReset.EnumerationDelayMax = 0
	if mutate != nil {
		mutate(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(h.users).
		WithResetTokenStore(h.tokens).
		WithMailer(h.mailer).
		WithSessionIssuer(SessionIssuerFunc(testSessionIssuer)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

func (h *testHarness) register(t testing.TB, email, password string) Principal {
	t.Helper()

	p, err := h.engine.Register(context.Background(), RegisterRequest{Email: email, Password: password, PasswordConfirm: password})
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", email, err)
	}
	return p
}

// enableTOTP registers the account's secret and activates it directly in
// the store, returning the secret.
func (h *testHarness) enableTOTP(t testing.TB, email string) string {
	t.Helper()

	secret, err := h.engine.totp.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if err := h.users.update(email, func(u *UserCredentials) {
		u.TOTPSecret = secret
		u.TOTPActivated = true
	}); err != nil {
		t.Fatalf("enable totp failed: %v", err)
	}
	return secret
}

func (h *testHarness) code(t testing.TB, secret string) string {
	t.Helper()

	code, err := h.engine.totp.CurrentCode(secret)
	if err != nil {
		t.Fatalf("CurrentCode failed: %v", err)
	}
	return code
}

// codeAt returns the code for the step offset steps away from now.
func (h *testHarness) codeAt(t testing.TB, secret string, steps int) string {
	t.Helper()

	at := h.clock.Now().Add(time.Duration(steps) * h.engine.totp.Period())
	code, err := h.engine.totp.CodeAt(secret, at)
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	return code
}

// wrongCode returns a code that differs from every code accepted within
// the configured skew.
func (h *testHarness) wrongCode(t testing.TB, secret string) string {
	t.Helper()

	accepted := map[string]bool{}
	skew := int(h.engine.totp.Skew())
	for i := -skew; i <= skew; i++ {
		accepted[h.codeAt(t, secret, i)] = true
	}
	for n := 0; n < 1000000; n++ {
		c := strconv.Itoa(1000000 + n)[1:]
		if !accepted[c] {
			return c
		}
	}
	t.Fatal("no wrong code found")
	return ""
}

var errBackend = errors.New("connection reset by peer")

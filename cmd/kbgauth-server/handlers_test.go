package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/metrics/export/prometheus"
	"github.com/kbgapp/kbgauth/middleware"
	"github.com/kbgapp/kbgauth/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resetLinkRE = regexp.MustCompile(`token=([0-9a-f]{64})`)

type memUsers struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]kbgauth.UserCredentials
}

func newMemUsers() *memUsers {
	return &memUsers{rows: map[string]kbgauth.UserCredentials{}}
}

func (m *memUsers) FindCredentialsByEmail(_ context.Context, email string) (kbgauth.UserCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[email]
	if !ok {
		return kbgauth.UserCredentials{}, kbgauth.ErrStoreNotFound
	}
	return u, nil
}

func (m *memUsers) FindEmailByID(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for email, u := range m.rows {
		if u.UserID == id {
			return email, nil
		}
	}
	return "", kbgauth.ErrStoreNotFound
}

func (m *memUsers) CreateUser(_ context.Context, email, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[email]; ok {
		return 0, kbgauth.ErrStoreDuplicate
	}
	m.nextID++
	m.rows[email] = kbgauth.UserCredentials{UserID: m.nextID, Email: email, PasswordHash: hash}
	return m.nextID, nil
}

func (m *memUsers) update(email string, fn func(*kbgauth.UserCredentials)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[email]
	if !ok {
		return kbgauth.ErrStoreNotFound
	}
	fn(&u)
	m.rows[email] = u
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, email, hash string) error {
	return m.update(email, func(u *kbgauth.UserCredentials) { u.PasswordHash = hash })
}

func (m *memUsers) SetTOTPSecret(_ context.Context, email, secret string) error {
	return m.update(email, func(u *kbgauth.UserCredentials) { u.TOTPSecret = secret })
}

func (m *memUsers) SetTOTPActivated(_ context.Context, email string, activated bool) error {
	return m.update(email, func(u *kbgauth.UserCredentials) { u.TOTPActivated = activated })
}

type captureMailer struct {
	mu   sync.Mutex
	sent []kbgauth.MailMessage
}

func (c *captureMailer) SendMail(_ context.Context, msg kbgauth.MailMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return true, nil
}

func (c *captureMailer) last(t *testing.T) kbgauth.MailMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "no mail sent")
	return c.sent[len(c.sent)-1]
}

type testServer struct {
	srv    *httptest.Server
	users  *memUsers
	mailer *captureMailer
	// skew shifts the engine clock ahead of wall time.
	skew atomic.Int64
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fc := defaultFileConfig()
	fc.Auth.SessionSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), 32))
	cfg, err := fc.engineConfig()
	require.NoError(t, err)
	cfg.PasswordReset.EnumerationDelayMin = 0
	cfg.PasswordReset.EnumerationDelayMax = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{users: newMemUsers(), mailer: &captureMailer{}}
	cfg.Now = func() time.Time { return time.Now().Add(time.Duration(ts.skew.Load())) }
	engine, err := kbgauth.New().
		WithConfig(cfg).
		WithLogger(logger).
		WithRedis(rdb).
		WithUserStore(ts.users).
		WithResetTokenStore(kbgauth.NewRedisResetTokenStore(rdb, "")).
		WithMailer(ts.mailer).
		Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	a := &api{engine: engine, logger: logger, sessionTTL: cfg.JWT.TTL}
	ts.srv = httptest.NewServer(newRouter(a, fc.Server.CORSOrigins, prometheus.New(engine).Handler()))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (ts *testServer) register(t *testing.T, email, pw string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": pw, "passwordConfirm": pw,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "register body: %v", body)
}

func (ts *testServer) login(t *testing.T, email, pw string) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "password": pw,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "login body: %v", body)
	require.Equal(t, "authenticated", body["state"])
	return body["token"].(string)
}

func TestRegisterLoginAndMe(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authenticated", body["state"])

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie not set")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, body["token"], cookie.Value)

	resp, body = ts.do(t, http.MethodGet, "/api/auth/me", body["token"].(string), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ada@example.com", body["email"])
}

func TestRegisterErrorsUsePublicMessages(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse", "passwordConfirm": "correct-horse",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, kbgauth.PublicMessage(kbgauth.ErrAccountExists), body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "bob@example.com", "password": "abcdef", "passwordConfirm": "abcdeg",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Passwords do not match", body["error"])
}

func TestLoginWrongPasswordAndUnknownEmailMatch(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")

	wrongResp, wrongBody := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong-horse",
	})
	unknownResp, unknownBody := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "wrong-horse",
	})
	assert.Equal(t, http.StatusUnauthorized, wrongResp.StatusCode)
	assert.Equal(t, wrongResp.StatusCode, unknownResp.StatusCode)
	assert.Equal(t, "Invalid credentials", wrongBody["error"])
	assert.Equal(t, wrongBody, unknownBody)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/auth/change-password", "/api/auth/2fa/enroll", "/api/auth/2fa/disable"} {
		resp, _ := ts.do(t, http.MethodPost, path, "", map[string]string{})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, _ := ts.do(t, http.MethodGet, "/api/auth/me", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTOTPEnrollmentAndTwoStepLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")
	token := ts.login(t, "ada@example.com", "correct-horse")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/2fa/enroll", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "enroll body: %v", body)
	secret := body["secret"].(string)
	assert.True(t, strings.HasPrefix(body["uri"].(string), "otpauth://totp/"))
	assert.True(t, strings.HasPrefix(body["qr"].(string), "data:image/png;base64,"))

	p, err := totp.New(totp.DefaultConfig())
	require.NoError(t, err)
	code, err := p.CurrentCode(secret)
	require.NoError(t, err)

	resp, body = ts.do(t, http.MethodPost, "/api/auth/2fa/confirm", token, map[string]string{"code": code})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "confirm body: %v", body)

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "awaiting_otp", body["state"])
	assert.Nil(t, body["token"])
	challenge := body["challengeId"].(string)
	require.NotEmpty(t, challenge)

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login/otp", "", map[string]string{
		"challengeId": challenge, "code": "000000x",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Invalid one-time passcode", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login/otp", "", map[string]string{
		"challengeId": challenge, "code": code,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "otp body: %v", body)
	assert.Equal(t, "authenticated", body["state"])
	assert.NotEmpty(t, body["token"])

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/login/otp", "", map[string]string{
		"challengeId": challenge, "code": code,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "challenge must be single use")

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/2fa/disable", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	ts.login(t, "ada@example.com", "correct-horse")
}

func TestPasswordResetRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")

	resp, _ := ts.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{"email": "ada@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := ts.mailer.last(t)
	assert.Equal(t, "ada@example.com", msg.To)
	m := resetLinkRE.FindStringSubmatch(msg.Text)
	require.Len(t, m, 2, "no reset link in %q", msg.Text)
	tok := m[1]

	resp, body := ts.do(t, http.MethodGet, "/api/auth/password-reset/validate?token="+tok, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "ada@example.com", body["email"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token": tok, "newPassword": "battery-staple", "newPasswordConfirm": "battery-staple",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "confirm body: %v", body)

	resp, body = ts.do(t, http.MethodPost, "/api/auth/password-reset/confirm", "", map[string]string{
		"token": tok, "newPassword": "battery-staple", "newPasswordConfirm": "battery-staple",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, kbgauth.PublicMessage(kbgauth.ErrResetTokenInvalid), body["error"])

	ts.login(t, "ada@example.com", "battery-staple")
}

func TestPasswordResetValidateHidesExpiry(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")

	resp, _ := ts.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{"email": "ada@example.com"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	m := resetLinkRE.FindStringSubmatch(ts.mailer.last(t).Text)
	require.Len(t, m, 2)

	resp, unknown := ts.do(t, http.MethodGet, "/api/auth/password-reset/validate?token="+strings.Repeat("0", 64), "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.skew.Store(int64(time.Hour + time.Second))
	resp, expired := ts.do(t, http.MethodGet, "/api/auth/password-reset/validate?token="+m[1], "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, unknown, expired)
	assert.Equal(t, kbgauth.PublicMessage(kbgauth.ErrResetTokenInvalid), expired["error"])
}

func TestPasswordResetUnknownEmailLooksAccepted(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/auth/password-reset", "", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, ts.mailer.sent)
}

func TestPasswordResetRefusedWhenLoggedIn(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")
	token := ts.login(t, "ada@example.com", "correct-horse")

	resp, body := ts.do(t, http.MethodPost, "/api/auth/password-reset", token, map[string]string{"email": "ada@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Already logged in. Please logout to reset your password.", body["error"])
}

func TestChangePasswordAndLogout(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "ada@example.com", "correct-horse")
	token := ts.login(t, "ada@example.com", "correct-horse")

	resp, _ := ts.do(t, http.MethodPost, "/api/auth/change-password", token, map[string]string{
		"currentPassword": "wrong", "newPassword": "battery-staple", "newPasswordConfirm": "battery-staple",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/change-password", token, map[string]string{
		"currentPassword": "correct-horse", "newPassword": "battery-staple", "newPasswordConfirm": "battery-staple",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	ts.login(t, "ada@example.com", "battery-staple")

	resp, _ = ts.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	var cleared bool
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "logout must expire the session cookie")
}

func TestMalformedJSONRejected(t *testing.T) {
	ts := newTestServer(t)

	resp, err := ts.srv.Client().Post(ts.srv.URL+"/api/auth/login", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	ts.register(t, "ada@example.com", "correct-horse")
	ts.login(t, "ada@example.com", "correct-horse")

	resp, err := ts.srv.Client().Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "kbgauth_")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{kbgauth.ErrInvalidCredentials, http.StatusUnauthorized},
		{kbgauth.ErrOTPReplay, http.StatusUnauthorized},
		{kbgauth.ErrAlreadyAuthenticated, http.StatusForbidden},
		{kbgauth.ErrTOTPAlreadyEnabled, http.StatusConflict},
		{kbgauth.ErrAccountNotFound, http.StatusNotFound},
		{kbgauth.ErrPasswordPolicy, http.StatusBadRequest},
		{kbgauth.ErrEmailDelivery, http.StatusBadGateway},
		{kbgauth.ErrEngineNotReady, http.StatusServiceUnavailable},
		{kbgauth.ErrStorage, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

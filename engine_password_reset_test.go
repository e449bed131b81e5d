package kbgauth

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/kbgapp/kbgauth/internal"
)

var resetLinkPattern = regexp.MustCompile(`http://localhost:3000/update-password\?token=([0-9a-f]{64})`)

// requestResetToken asks for a reset and pulls the token out of the mail.
func requestResetToken(t *testing.T, h *testHarness, email string) string {
	t.Helper()

	before := len(h.mailer.messages())
	if err := h.engine.RequestPasswordReset(context.Background(), email); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	msgs := h.mailer.messages()
	if len(msgs) != before+1 {
		t.Fatalf("expected one new mail, got %d", len(msgs)-before)
	}
	m := resetLinkPattern.FindStringSubmatch(msgs[len(msgs)-1].Text)
	if m == nil {
		t.Fatalf("reset link not found in %q", msgs[len(msgs)-1].Text)
	}
	return m[1]
}

func TestRequestPasswordResetMailsLink(t *testing.T) {
	h := newTestHarness(t, nil)
	p := h.register(t, "a@x.com", "Abcde1")

	token := requestResetToken(t, h, "a@x.com")

	msg := h.mailer.messages()[0]
	if msg.To != "a@x.com" || msg.Subject != "Your Password Reset Request" {
		t.Fatalf("unexpected mail header: %+v", msg)
	}
	if !strings.HasPrefix(msg.Text, "You requested to reset your password. This link will expire in an hour.") {
		t.Fatalf("unexpected mail body: %q", msg.Text)
	}

	rec, ok := h.tokens.byUser[p.UserID]
	if !ok {
		t.Fatal("token row not stored")
	}
	if rec.TokenHash == token || rec.TokenHash != internal.HashToken(token) {
		t.Fatal("stored token must be the digest of the mailed token")
	}
	if !rec.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", rec.ExpiresAt)
	}
}

func TestRequestPasswordResetUnknownEmail(t *testing.T) {
	h := newTestHarness(t, nil)

	if err := h.engine.RequestPasswordReset(context.Background(), "ghost@x.com"); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if n := len(h.mailer.messages()); n != 0 {
		t.Fatalf("expected no mail, got %d", n)
	}
	if h.tokens.count() != 0 {
		t.Fatal("expected no token row")
	}
	if got := h.engine.MetricsSnapshot().Counters[MetricPasswordResetRequest]; got != 1 {
		t.Fatalf("expected request metric 1, got %d", got)
	}
}

func TestRequestPasswordResetReplacesToken(t *testing.T) {
	h := newTestHarness(t, nil)
	h.register(t, "a@x.com", "Abcde1")
	ctx := context.Background()

	first := requestResetToken(t, h, "a@x.com")
	second := requestResetToken(t, h, "a@x.com")
	if first == second {
		t.Fatal("tokens must differ")
	}
	if h.tokens.count() != 1 {
		t.Fatalf("expected one live token, got %d", h.tokens.count())
	}

	if _, err := h.engine.ValidateResetToken(ctx, first); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("replaced token should be invalid, got %v", err)
	}
	st, err := h.engine.ValidateResetToken(ctx, second)
	if err != nil || !st.Valid {
		t.Fatalf("latest token should be valid: %+v %v", st, err)
	}
}

func TestResetTokenExpiryBoundary(t *testing.T) {
	h := newTestHarness(t, nil)
	h.register(t, "a@x.com", "Abcde1")
	ctx := context.Background()

	token := requestResetToken(t, h, "a@x.com")

	h.clock.Advance(time.Hour - time.Millisecond)
	st, err := h.engine.ValidateResetToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateResetToken failed: %v", err)
	}
	if !st.Valid || st.Email != "a@x.com" {
		t.Fatalf("token should be valid just before expiry: %+v", st)
	}

	h.clock.Advance(2 * time.Millisecond)
	st, err = h.engine.ValidateResetToken(ctx, token)
	if err != nil {
		t.Fatalf("expired token should not error: %v", err)
	}
	if st.Valid || st.Email != "" {
		t.Fatalf("token should be invalid after expiry: %+v", st)
	}

	err = h.engine.ConsumePasswordReset(ctx, ResetPasswordRequest{Token: token, NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"})
	if !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid for expired token, got %v", err)
	}
}

func TestConsumePasswordReset(t *testing.T) {
	h := newTestHarness(t, nil)
	h.register(t, "a@x.com", "Abcde1")
	ctx := context.Background()

	token := requestResetToken(t, h, "a@x.com")
	req := ResetPasswordRequest{Token: token, Email: "a@x.com", NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"}

	if err := h.engine.ConsumePasswordReset(ctx, req); err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}
	if _, err := h.engine.Validate(ctx, "a@x.com", "Fresh123", ""); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if _, err := h.engine.Validate(ctx, "a@x.com", "Abcde1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}

	if err := h.engine.ConsumePasswordReset(ctx, req); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("second consume: expected ErrResetTokenInvalid, got %v", err)
	}
	snap := h.engine.MetricsSnapshot()
	if snap.Counters[MetricPasswordResetConfirmSuccess] != 1 || snap.Counters[MetricPasswordResetConfirmFailure] != 1 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
}

func TestConsumePasswordResetRejectsBadInput(t *testing.T) {
	h := newTestHarness(t, nil)
	h.register(t, "a@x.com", "Abcde1")
	h.register(t, "b@x.com", "Abcde1")
	ctx := context.Background()
	token := requestResetToken(t, h, "a@x.com")

	cases := []struct {
		name string
		req  ResetPasswordRequest
		want error
	}{
		{"too short", ResetPasswordRequest{Token: token, NewPassword: "abcd", NewPasswordConfirm: "abcd"}, ErrPasswordPolicy},
		{"too long", ResetPasswordRequest{Token: token, NewPassword: strings.Repeat("a", 257), NewPasswordConfirm: strings.Repeat("a", 257)}, ErrPasswordPolicy},
		{"mismatch", ResetPasswordRequest{Token: token, NewPassword: "Fresh123", NewPasswordConfirm: "Fresh124"}, ErrPasswordMismatch},
		{"empty token", ResetPasswordRequest{NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"}, ErrResetTokenInvalid},
		{"unknown token", ResetPasswordRequest{Token: strings.Repeat("0", 64), NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"}, ErrResetTokenInvalid},
		{"other email", ResetPasswordRequest{Token: token, Email: "b@x.com", NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"}, ErrResetTokenInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.engine.ConsumePasswordReset(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// None of the rejected attempts burned the token.
	if st, err := h.engine.ValidateResetToken(ctx, token); err != nil || !st.Valid {
		t.Fatalf("token should still be valid: %+v %v", st, err)
	}
}

func TestPasswordResetRequiresAnonymousCaller(t *testing.T) {
	h := newTestHarness(t, nil)
	p := h.register(t, "a@x.com", "Abcde1")
	token := requestResetToken(t, h, "a@x.com")
	ctx := WithPrincipal(context.Background(), p)

	if err := h.engine.RequestPasswordReset(ctx, "a@x.com"); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	err := h.engine.ConsumePasswordReset(ctx, ResetPasswordRequest{Token: token, NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"})
	if !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if PublicMessage(err) != "Already logged in. Please logout to reset your password." {
		t.Fatalf("unexpected public message %q", PublicMessage(err))
	}
}

func TestRequestPasswordResetMailFailure(t *testing.T) {
	cases := []struct {
		name   string
		mailer *fakeMailer
	}{
		{"refused", &fakeMailer{refuse: true}},
		{"transport error", &fakeMailer{err: errBackend}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t, nil)
			h.register(t, "a@x.com", "Abcde1")
			h.engine.mailer = tc.mailer

			err := h.engine.RequestPasswordReset(context.Background(), "a@x.com")
			if !errors.Is(err, ErrEmailDelivery) {
				t.Fatalf("expected ErrEmailDelivery, got %v", err)
			}
			if errors.Is(err, errBackend) {
				t.Fatal("transport detail must not leak")
			}
			if got := h.engine.MetricsSnapshot().Counters[MetricPasswordResetMailFailure]; got != 1 {
				t.Fatalf("expected mail failure metric 1, got %d", got)
			}
		})
	}
}

func TestPasswordResetWithoutStore(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine, err := New().
		WithRedis(rdb).
		WithUserStore(newMemUserStore()).
		WithSessionIssuer(SessionIssuerFunc(testSessionIssuer)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	if err := engine.RequestPasswordReset(context.Background(), "a@x.com"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestResetLinkAndBody(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) {
		cfg.PasswordReset.BaseURL = "https://example.com/"
		cfg.PasswordReset.Path = "/reset"
	})

	link := h.engine.resetLink("abc")
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("link does not parse: %v", err)
	}
	if u.Host != "example.com" || u.Path != "/reset" || u.Query().Get("token") != "abc" {
		t.Fatalf("unexpected link %q", link)
	}

	body := resetMailBody(30*time.Minute, link)
	if !strings.Contains(body, "expire in 30m0s.") || !strings.HasSuffix(body, "\n\n "+link) {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestRedisResetTokenStoreBacksEngine(t *testing.T) {
	h := newTestHarness(t, nil)
	h.engine.resetTokens = NewRedisResetTokenStore(h.rdb, "")
	h.register(t, "a@x.com", "Abcde1")
	ctx := context.Background()

	token := requestResetToken(t, h, "a@x.com")
	if st, err := h.engine.ValidateResetToken(ctx, token); err != nil || !st.Valid {
		t.Fatalf("token should be valid: %+v %v", st, err)
	}
	req := ResetPasswordRequest{Token: token, NewPassword: "Fresh123", NewPasswordConfirm: "Fresh123"}
	if err := h.engine.ConsumePasswordReset(ctx, req); err != nil {
		t.Fatalf("ConsumePasswordReset failed: %v", err)
	}
	if err := h.engine.ConsumePasswordReset(ctx, req); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected ErrResetTokenInvalid, got %v", err)
	}
}

func TestRedisResetTokenStoreReportsExpiredToken(t *testing.T) {
	h := newTestHarness(t, nil)
	cfg := h.engine.config
	engine, err := New().
		WithConfig(cfg).
		WithRedis(h.rdb).
		WithUserStore(h.users).
		WithResetTokenStore(NewRedisResetTokenStore(h.rdb, "")).
		WithMailer(h.mailer).
		WithSessionIssuer(SessionIssuerFunc(testSessionIssuer)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	h.register(t, "a@x.com", "Abcde1")
	ctx := context.Background()

	token := requestResetToken(t, h, "a@x.com")
	step := time.Hour + time.Millisecond
	h.clock.Advance(step)
	h.mr.FastForward(step)

	st, err := h.engine.ValidateResetToken(ctx, token)
	if err != nil {
		t.Fatalf("expired token should still be found: %v", err)
	}
	if st.Valid || st.Email != "" {
		t.Fatalf("expected found-but-invalid, got %+v", st)
	}
}

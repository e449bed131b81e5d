package kbgauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	internalaudit "github.com/kbgapp/kbgauth/internal/audit"
	internalflows "github.com/kbgapp/kbgauth/internal/flows"
	"github.com/kbgapp/kbgauth/internal/stores"
	"github.com/kbgapp/kbgauth/jwt"
	"github.com/kbgapp/kbgauth/password"
	"github.com/kbgapp/kbgauth/totp"
)

// Engine runs every authentication operation. Build one with New().Build();
// it is immutable afterwards and safe for concurrent use.
type Engine struct {
	config Config
	logger *slog.Logger

	users       UserCredentialStore
	resetTokens ResetTokenStore
	mailer      Mailer
	sessions    SessionIssuer

	hasher    *password.Scrypt
	dummyHash string
	totp      *totp.Provisioner

	challenges *stores.LoginChallengeStore
	replay     *stores.TOTPReplayGuard

	audit      *internalaudit.Dispatcher
	metrics    *Metrics
	jwtManager *jwt.Manager
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events dropped under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return (*Metrics)(nil).Snapshot()
	}
	return e.metrics.Snapshot()
}

// SessionManager returns the built-in JWT manager, or nil when the engine
// was given its own SessionIssuer.
func (e *Engine) SessionManager() *jwt.Manager {
	if e == nil {
		return nil
	}
	return e.jwtManager
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) now() time.Time {
	if e != nil && e.config.Now != nil {
		return e.config.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return discardLogger
	}
	return e.logger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// storageErr passes store sentinels through and wraps everything else in
// ErrStorage so driver detail never reaches PublicMessage.
func (e *Engine) storageErr(ctx context.Context, op string, err error) error {
	if err == nil || errors.Is(err, ErrStoreNotFound) || errors.Is(err, ErrStoreDuplicate) {
		return err
	}
	e.log().ErrorContext(ctx, "storage call failed", slog.String("op", op), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, ErrStoreNotFound)
}

func (e *Engine) hooks() internalflows.Hooks {
	return internalflows.Hooks{
		Now:       e.now,
		Logger:    e.log(),
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAudit,
	}
}

/*
====================================
STORE ADAPTERS
====================================
*/

func (e *Engine) findCredentials(ctx context.Context, email string) (internalflows.Credentials, error) {
	if e.users == nil {
		return internalflows.Credentials{}, ErrEngineNotReady
	}
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	c, err := e.users.FindCredentialsByEmail(ctx, email)
	if err != nil {
		return internalflows.Credentials{}, e.storageErr(ctx, "find credentials", err)
	}
	return internalflows.Credentials{
		UserID:        c.UserID,
		Email:         c.Email,
		PasswordHash:  c.PasswordHash,
		TOTPSecret:    c.TOTPSecret,
		TOTPActivated: c.TOTPActivated,
	}, nil
}

func (e *Engine) findEmailByID(ctx context.Context, userID int64) (string, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	email, err := e.users.FindEmailByID(ctx, userID)
	return email, e.storageErr(ctx, "find email", err)
}

func (e *Engine) createUser(ctx context.Context, email, hash string) (int64, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	id, err := e.users.CreateUser(ctx, email, hash)
	return id, e.storageErr(ctx, "create user", err)
}

func (e *Engine) updatePassword(ctx context.Context, email, hash string) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	return e.storageErr(ctx, "update password", e.users.UpdatePassword(ctx, email, hash))
}

func (e *Engine) setTOTPSecret(ctx context.Context, email, secret string) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	return e.storageErr(ctx, "set totp secret", e.users.SetTOTPSecret(ctx, email, secret))
}

func (e *Engine) setTOTPActivated(ctx context.Context, email string, activated bool) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	return e.storageErr(ctx, "set totp activated", e.users.SetTOTPActivated(ctx, email, activated))
}

/*
====================================
CREDENTIAL HELPERS
====================================
*/

func (e *Engine) hashPassword(pw string) (string, error) {
	if e.hasher == nil {
		return "", ErrEngineNotReady
	}
	return e.hasher.Hash(pw)
}

func (e *Engine) verifyPassword(pw, stored string) (bool, error) {
	if e.hasher == nil {
		return false, ErrEngineNotReady
	}
	return e.hasher.Verify(pw, stored)
}

func (e *Engine) dummyVerify(pw string) {
	if e.hasher == nil || e.dummyHash == "" {
		return
	}
	_, _ = e.hasher.Verify(pw, e.dummyHash)
}

// checkNewPassword applies the length policy and the confirmation match.
func (e *Engine) checkNewPassword(pw, confirm string) error {
	n := len([]rune(pw))
	if n < e.config.Password.MinLength || n > e.config.Password.MaxLength {
		return fmt.Errorf("%w: must be %d to %d characters", ErrPasswordPolicy, e.config.Password.MinLength, e.config.Password.MaxLength)
	}
	if pw != confirm {
		return ErrPasswordMismatch
	}
	return nil
}

func (e *Engine) verifyOTP(secret, code string) (bool, int64, error) {
	if e.totp == nil {
		return false, 0, ErrEngineNotReady
	}
	return e.totp.VerifyCode(secret, code)
}

// claimOTPStep is nil unless replay protection is on, which turns the check
// off inside the flows.
func (e *Engine) claimOTPStep() func(context.Context, int64, int64) (bool, error) {
	if e.replay == nil || !e.config.TOTP.EnforceReplayProtection {
		return nil
	}
	// A counter can be accepted for Skew steps on either side of now.
	ttl := time.Duration(2*e.config.TOTP.Skew+1) * e.totp.Period()
	return func(ctx context.Context, userID, counter int64) (bool, error) {
		ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
		defer cancel()

		ok, err := e.replay.Claim(ctx, userID, counter, ttl)
		return ok, e.storageErr(ctx, "claim totp step", err)
	}
}

func (e *Engine) issueSession(ctx context.Context, userID int64, email string) (string, error) {
	if e.sessions == nil {
		return "", ErrEngineNotReady
	}
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Session)
	defer cancel()

	token, err := e.sessions.IssueSession(ctx, Principal{UserID: userID, Email: email})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionIssue, err)
	}
	return token, nil
}

// jwtSessionIssuer adapts the built-in JWT manager to SessionIssuer.
type jwtSessionIssuer struct {
	manager *jwt.Manager
}

func (j jwtSessionIssuer) IssueSession(_ context.Context, p Principal) (string, error) {
	return j.manager.CreateSession(p.UserID, p.Email)
}

func (e *Engine) validateDeps() internalflows.ValidateDeps {
	return internalflows.ValidateDeps{
		Hooks:           e.hooks(),
		FindCredentials: e.findCredentials,
		IsNotFound:      isStoreNotFound,
		VerifyPassword:  e.verifyPassword,
		DummyVerify:     e.dummyVerify,
		VerifyOTP:       e.verifyOTP,
		ClaimOTPStep:    e.claimOTPStep(),
		ObserveLatency: func(d time.Duration) {
			if e.metrics != nil {
				e.metrics.Observe(MetricValidateLatency, d)
			}
		},
		Metrics: internalflows.ValidateMetrics{
			LoginFailure:        int(MetricLoginFailure),
			OTPRequired:         int(MetricOTPRequired),
			OTPSuccess:          int(MetricOTPSuccess),
			OTPFailure:          int(MetricOTPFailure),
			OTPReplay:           int(MetricOTPReplay),
			MalformedCredential: int(MetricMalformedCredential),
		},
		Events: internalflows.ValidateEvents{
			LoginFailure:        auditEventLoginFailure,
			OTPRequired:         auditEventOTPRequired,
			OTPFailure:          auditEventOTPFailure,
			CredentialIntegrity: auditEventCredentialIntegrity,
		},
		Errors: internalflows.ValidateErrors{
			EngineNotReady:      ErrEngineNotReady,
			InvalidCredentials:  ErrInvalidCredentials,
			MalformedCredential: ErrMalformedCredential,
			OTPRequired:         ErrOTPRequired,
			InvalidOTP:          ErrInvalidOTP,
			OTPReplay:           ErrOTPReplay,
		},
	}
}

package flows

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ResetToken is the stored side of a reset link.
type ResetToken struct {
	UserID    int64
	ExpiresAt time.Time
}

// ResetStatus is what ValidateResetToken reports for a known token.
type ResetStatus struct {
	Valid     bool
	Email     string
	ExpiresAt time.Time
}

// ConsumeResetInput carries a reset submission.
type ConsumeResetInput struct {
	Token              string
	Email              string
	NewPassword        string
	NewPasswordConfirm string
}

type PasswordResetMetrics struct {
	Request        int
	MailFailure    int
	ConfirmSuccess int
	ConfirmFailure int
}

type PasswordResetEvents struct {
	Request  string
	Validate string
	Consume  string
}

type PasswordResetErrors struct {
	EngineNotReady       error
	AlreadyAuthenticated error
	TokenInvalid         error
	AccountNotFound      error
	EmailDelivery        error
}

type PasswordResetDeps struct {
	Hooks

	TokenTTL    time.Duration
	MailSubject string
	ResetLink   func(token string) string
	MailBody    func(link string) string

	IsAuthenticated func(context.Context) bool
	FindCredentials func(context.Context, string) (Credentials, error)
	FindEmailByID   func(context.Context, int64) (string, error)
	IsNotFound      func(error) bool

	NewToken    func() (string, error)
	HashToken   func(string) string
	IssueToken  func(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	FindToken   func(ctx context.Context, tokenHash string) (ResetToken, error)
	DeleteToken func(ctx context.Context, userID int64) error

	SendMail              func(ctx context.Context, to, subject, text string) (bool, error)
	SleepEnumerationDelay func(context.Context)

	CheckNewPassword func(password, confirm string) error
	HashPassword     func(string) (string, error)
	UpdatePassword   func(ctx context.Context, email, hash string) error

	Metrics PasswordResetMetrics
	Events  PasswordResetEvents
	Errors  PasswordResetErrors
}

// RunRequestPasswordReset issues a token and mails the link. An unknown email
// is indistinguishable from a known one apart from the mail itself.
func RunRequestPasswordReset(ctx context.Context, email string, deps PasswordResetDeps) error {
	normalizePasswordResetDeps(&deps)
	if deps.FindCredentials == nil || deps.NewToken == nil || deps.IssueToken == nil || deps.SendMail == nil {
		return deps.Errors.EngineNotReady
	}

	if deps.IsAuthenticated(ctx) {
		deps.EmitAudit(ctx, deps.Events.Request, false, 0, deps.Errors.AlreadyAuthenticated, nil)
		return deps.Errors.AlreadyAuthenticated
	}
	deps.MetricInc(deps.Metrics.Request)

	creds, err := deps.FindCredentials(ctx, email)
	if err != nil {
		if !deps.IsNotFound(err) {
			return err
		}
		deps.SleepEnumerationDelay(ctx)
		deps.EmitAudit(ctx, deps.Events.Request, true, 0, nil, func() map[string]string {
			return map[string]string{"outcome": "unknown_email"}
		})
		return nil
	}

	token, err := deps.NewToken()
	if err != nil {
		return err
	}
	expiresAt := deps.Now().Add(deps.TokenTTL)
	if err := deps.IssueToken(ctx, creds.UserID, deps.HashToken(token), expiresAt); err != nil {
		return err
	}

	accepted, err := deps.SendMail(ctx, creds.Email, deps.MailSubject, deps.MailBody(deps.ResetLink(token)))
	if err != nil || !accepted {
		attrs := []any{slog.Int64("user_id", creds.UserID)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		deps.Logger.WarnContext(ctx, "password reset mail not accepted", attrs...)
		deps.MetricInc(deps.Metrics.MailFailure)
		deps.EmitAudit(ctx, deps.Events.Request, false, creds.UserID, deps.Errors.EmailDelivery, nil)
		return deps.Errors.EmailDelivery
	}

	deps.EmitAudit(ctx, deps.Events.Request, true, creds.UserID, nil, func() map[string]string {
		return map[string]string{"outcome": "mailed"}
	})
	return nil
}

// RunValidateResetToken reports whether token is live. Expired tokens are
// reported as found but invalid and are left in place.
func RunValidateResetToken(ctx context.Context, token string, deps PasswordResetDeps) (ResetStatus, error) {
	normalizePasswordResetDeps(&deps)
	if deps.FindToken == nil || deps.FindEmailByID == nil {
		return ResetStatus{}, deps.Errors.EngineNotReady
	}
	if token == "" {
		return ResetStatus{}, deps.Errors.TokenInvalid
	}

	rec, err := deps.FindToken(ctx, deps.HashToken(token))
	if err != nil {
		if deps.IsNotFound(err) {
			deps.EmitAudit(ctx, deps.Events.Validate, false, 0, deps.Errors.TokenInvalid, nil)
			return ResetStatus{}, deps.Errors.TokenInvalid
		}
		return ResetStatus{}, err
	}

	status := ResetStatus{ExpiresAt: rec.ExpiresAt}
	if !deps.Now().Before(rec.ExpiresAt) {
		deps.EmitAudit(ctx, deps.Events.Validate, false, rec.UserID, deps.Errors.TokenInvalid, func() map[string]string {
			return map[string]string{"reason": "expired"}
		})
		return status, nil
	}

	email, err := deps.FindEmailByID(ctx, rec.UserID)
	if err != nil {
		if deps.IsNotFound(err) {
			return ResetStatus{}, deps.Errors.TokenInvalid
		}
		return ResetStatus{}, err
	}
	status.Valid = true
	status.Email = email
	deps.EmitAudit(ctx, deps.Events.Validate, true, rec.UserID, nil, nil)
	return status, nil
}

// RunConsumePasswordReset sets a new password for the token's owner and
// deletes the token so the link works once.
func RunConsumePasswordReset(ctx context.Context, in ConsumeResetInput, deps PasswordResetDeps) (int64, error) {
	normalizePasswordResetDeps(&deps)
	if deps.FindToken == nil || deps.FindEmailByID == nil || deps.HashPassword == nil ||
		deps.UpdatePassword == nil || deps.DeleteToken == nil {
		return 0, deps.Errors.EngineNotReady
	}

	fail := func(userID int64, err error) (int64, error) {
		deps.MetricInc(deps.Metrics.ConfirmFailure)
		deps.EmitAudit(ctx, deps.Events.Consume, false, userID, err, nil)
		return 0, err
	}

	if deps.IsAuthenticated(ctx) {
		return fail(0, deps.Errors.AlreadyAuthenticated)
	}
	if err := deps.CheckNewPassword(in.NewPassword, in.NewPasswordConfirm); err != nil {
		return fail(0, err)
	}
	if in.Token == "" {
		return fail(0, deps.Errors.TokenInvalid)
	}

	rec, err := deps.FindToken(ctx, deps.HashToken(in.Token))
	if err != nil {
		if deps.IsNotFound(err) {
			return fail(0, deps.Errors.TokenInvalid)
		}
		return 0, err
	}
	if !deps.Now().Before(rec.ExpiresAt) {
		return fail(rec.UserID, deps.Errors.TokenInvalid)
	}

	email, err := deps.FindEmailByID(ctx, rec.UserID)
	if err != nil {
		if deps.IsNotFound(err) {
			return fail(rec.UserID, deps.Errors.AccountNotFound)
		}
		return 0, err
	}
	if in.Email != "" && in.Email != email {
		return fail(rec.UserID, deps.Errors.TokenInvalid)
	}

	hash, err := deps.HashPassword(in.NewPassword)
	if err != nil {
		return 0, err
	}
	if err := deps.UpdatePassword(ctx, email, hash); err != nil {
		if deps.IsNotFound(err) {
			return fail(rec.UserID, deps.Errors.AccountNotFound)
		}
		return 0, err
	}
	if err := deps.DeleteToken(ctx, rec.UserID); err != nil {
		// The password is already changed; the token stays until it expires.
		deps.Logger.ErrorContext(ctx, "reset token delete failed after password update",
			slog.Int64("user_id", rec.UserID), slog.String("error", err.Error()))
		return 0, err
	}

	deps.MetricInc(deps.Metrics.ConfirmSuccess)
	deps.EmitAudit(ctx, deps.Events.Consume, true, rec.UserID, nil, nil)
	return rec.UserID, nil
}

func normalizePasswordResetDeps(deps *PasswordResetDeps) {
	deps.Hooks.normalize()
	if deps.IsAuthenticated == nil {
		deps.IsAuthenticated = func(context.Context) bool { return false }
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.HashToken == nil {
		deps.HashToken = func(s string) string { return s }
	}
	if deps.ResetLink == nil {
		deps.ResetLink = func(token string) string { return token }
	}
	if deps.MailBody == nil {
		deps.MailBody = func(link string) string { return link }
	}
	if deps.SleepEnumerationDelay == nil {
		deps.SleepEnumerationDelay = func(context.Context) {}
	}
	if deps.CheckNewPassword == nil {
		deps.CheckNewPassword = func(password, confirm string) error {
			if password != confirm {
				return errors.New("password confirmation does not match")
			}
			return nil
		}
	}
}

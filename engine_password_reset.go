package kbgauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/kbgapp/kbgauth/internal"
	internalflows "github.com/kbgapp/kbgauth/internal/flows"
)

// RequestPasswordReset mails a single-use reset link to email.
//
// It returns ErrAlreadyAuthenticated when ctx carries a Principal. An
// unknown email returns nil after a short random delay and sends nothing. A
// mailer refusal returns ErrEmailDelivery.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		defer func(start time.Time) {
			e.metrics.Observe(MetricResetRequestLatency, time.Since(start))
		}(time.Now())
	}
	return internalflows.RunRequestPasswordReset(ctx, email, e.passwordResetFlowDeps())
}

// ValidateResetToken looks a token up without consuming it. Unknown tokens
// return ErrResetTokenInvalid; expired ones return Valid=false and no error.
func (e *Engine) ValidateResetToken(ctx context.Context, token string) (ResetTokenStatus, error) {
	if e == nil {
		return ResetTokenStatus{}, ErrEngineNotReady
	}
	st, err := internalflows.RunValidateResetToken(ctx, token, e.passwordResetFlowDeps())
	if err != nil {
		return ResetTokenStatus{}, err
	}
	return ResetTokenStatus{Valid: st.Valid, Email: st.Email, ExpiresAt: st.ExpiresAt}, nil
}

// ConsumePasswordReset sets a new password for the token's owner and
// deletes the token. A second call with the same token returns
// ErrResetTokenInvalid.
func (e *Engine) ConsumePasswordReset(ctx context.Context, req ResetPasswordRequest) error {
	if e == nil {
		return ErrEngineNotReady
	}
	_, err := internalflows.RunConsumePasswordReset(ctx, internalflows.ConsumeResetInput{
		Token:              req.Token,
		Email:              req.Email,
		NewPassword:        req.NewPassword,
		NewPasswordConfirm: req.NewPasswordConfirm,
	}, e.passwordResetFlowDeps())
	return err
}

func (e *Engine) passwordResetFlowDeps() internalflows.PasswordResetDeps {
	cfg := e.config.PasswordReset

	deps := internalflows.PasswordResetDeps{
		Hooks:       e.hooks(),
		TokenTTL:    cfg.TokenTTL,
		MailSubject: cfg.MailSubject,
		ResetLink:   e.resetLink,
		MailBody: func(link string) string {
			return resetMailBody(cfg.TokenTTL, link)
		},
		IsAuthenticated: func(ctx context.Context) bool {
			_, ok := PrincipalFromContext(ctx)
			return ok
		},
		FindCredentials: e.findCredentials,
		FindEmailByID:   e.findEmailByID,
		IsNotFound:      isStoreNotFound,
		NewToken: func() (string, error) {
			tok, err := internal.NewResetToken(nil)
			if err != nil {
				return "", errors.Join(ErrRandomnessUnavailable, err)
			}
			return tok, nil
		},
		HashToken: internal.HashToken,
		SleepEnumerationDelay: func(ctx context.Context) {
			internal.Sleep(ctx.Done(), internal.JitterDelay(cfg.EnumerationDelayMin, cfg.EnumerationDelayMax))
		},
		CheckNewPassword: e.checkNewPassword,
		HashPassword:     e.hashPassword,
		Metrics: internalflows.PasswordResetMetrics{
			Request:        int(MetricPasswordResetRequest),
			MailFailure:    int(MetricPasswordResetMailFailure),
			ConfirmSuccess: int(MetricPasswordResetConfirmSuccess),
			ConfirmFailure: int(MetricPasswordResetConfirmFailure),
		},
		Events: internalflows.PasswordResetEvents{
			Request:  auditEventPasswordResetRequest,
			Validate: auditEventPasswordResetValidate,
			Consume:  auditEventPasswordResetConsume,
		},
		Errors: internalflows.PasswordResetErrors{
			EngineNotReady:       ErrEngineNotReady,
			AlreadyAuthenticated: ErrAlreadyAuthenticated,
			TokenInvalid:         ErrResetTokenInvalid,
			AccountNotFound:      ErrAccountNotFound,
			EmailDelivery:        ErrEmailDelivery,
		},
	}

	if e.users != nil {
		deps.UpdatePassword = e.updatePassword
	}
	if e.resetTokens != nil {
		deps.IssueToken = e.issueResetToken
		deps.FindToken = e.findResetToken
		deps.DeleteToken = e.deleteResetToken
	}
	if e.mailer != nil {
		deps.SendMail = e.sendMail
	}
	return deps
}

func (e *Engine) resetLink(token string) string {
	cfg := e.config.PasswordReset
	return strings.TrimRight(cfg.BaseURL, "/") + cfg.Path + "?token=" + url.QueryEscape(token)
}

func resetMailBody(ttl time.Duration, link string) string {
	window := "an hour"
	if ttl != time.Hour {
		window = ttl.String()
	}
	return "You requested to reset your password. This link will expire in " + window +
		". Click on the link below to reset it on our website:\n\n " + link
}

func (e *Engine) issueResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	return e.storageErr(ctx, "issue reset token", e.resetTokens.IssueOrReplaceResetToken(ctx, userID, tokenHash, expiresAt))
}

func (e *Engine) findResetToken(ctx context.Context, tokenHash string) (internalflows.ResetToken, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	rec, err := e.resetTokens.FindResetToken(ctx, tokenHash)
	if err != nil {
		return internalflows.ResetToken{}, e.storageErr(ctx, "find reset token", err)
	}
	return internalflows.ResetToken{UserID: rec.UserID, ExpiresAt: rec.ExpiresAt}, nil
}

func (e *Engine) deleteResetToken(ctx context.Context, userID int64) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	return e.storageErr(ctx, "delete reset token", e.resetTokens.DeleteResetToken(ctx, userID))
}

func (e *Engine) sendMail(ctx context.Context, to, subject, text string) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Mail)
	defer cancel()

	return e.mailer.SendMail(ctx, MailMessage{To: to, Subject: subject, Text: text})
}

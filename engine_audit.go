package kbgauth

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventOTPRequired           = "otp_required"
	auditEventOTPFailure            = "otp_failure"
	auditEventAccountCreated        = "account_created"
	auditEventAccountCreateFailure  = "account_creation_failure"
	auditEventPasswordChange        = "password_change"
	auditEventPasswordResetRequest  = "password_reset_request"
	auditEventPasswordResetValidate = "password_reset_validate"
	auditEventPasswordResetConsume  = "password_reset_consume"
	auditEventTOTPEnrollmentBegin   = "totp_enrollment_begin"
	auditEventTOTPEnabled           = "totp_enabled"
	auditEventTOTPDisabled          = "totp_disabled"
	auditEventCredentialIntegrity   = "credential_integrity_alert"
)

// AuditErrorCode is the stable error label carried by audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrMalformedCred      AuditErrorCode = "malformed_credential"
	auditErrOTPRequired        AuditErrorCode = "otp_required"
	auditErrOTPInvalid         AuditErrorCode = "otp_invalid"
	auditErrOTPReplay          AuditErrorCode = "otp_replay"
	auditErrAlreadyAuth        AuditErrorCode = "already_authenticated"
	auditErrAccountNotFound    AuditErrorCode = "account_not_found"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrTokenInvalid       AuditErrorCode = "invalid_token"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordMismatch   AuditErrorCode = "password_mismatch"
	auditErrNoSecret           AuditErrorCode = "no_secret"
	auditErrTOTPEnabled        AuditErrorCode = "totp_already_enabled"
	auditErrChallengeExpired   AuditErrorCode = "challenge_expired"
	auditErrMailDelivery       AuditErrorCode = "mail_delivery"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrSessionIssue       AuditErrorCode = "session_issue_failed"
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID int64,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		RequestID: requestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		UserID:    userID,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMalformedCredential):
		return auditErrMalformedCred
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrOTPRequired):
		return auditErrOTPRequired
	case errors.Is(err, ErrInvalidOTP):
		return auditErrOTPInvalid
	case errors.Is(err, ErrOTPReplay):
		return auditErrOTPReplay
	case errors.Is(err, ErrAlreadyAuthenticated):
		return auditErrAlreadyAuth
	case errors.Is(err, ErrAccountNotFound):
		return auditErrAccountNotFound
	case errors.Is(err, ErrAccountExists):
		return auditErrDuplicate
	case errors.Is(err, ErrResetTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrPasswordPolicy), errors.Is(err, ErrInvalidEmail):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordMismatch):
		return auditErrPasswordMismatch
	case errors.Is(err, ErrNoSecretProvisioned):
		return auditErrNoSecret
	case errors.Is(err, ErrTOTPAlreadyEnabled):
		return auditErrTOTPEnabled
	case errors.Is(err, ErrLoginChallengeExpired):
		return auditErrChallengeExpired
	case errors.Is(err, ErrEmailDelivery):
		return auditErrMailDelivery
	case errors.Is(err, ErrStorage):
		return auditErrUnavailable
	case errors.Is(err, ErrSessionIssue):
		return auditErrSessionIssue
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	default:
		return auditErrInternal
	}
}

package kbgauth

import (
	"context"
	"errors"
	"fmt"

	internalflows "github.com/kbgapp/kbgauth/internal/flows"
)

// BeginTOTPEnrollment returns the secret, otpauth URI and QR code for an
// account that has not activated 2FA yet.
//
// A secret already stored for the account is returned unchanged unless
// TOTP.RotateOnReenroll is set, so repeated calls show the same QR code.
// Accounts with 2FA active get ErrTOTPAlreadyEnabled.
func (e *Engine) BeginTOTPEnrollment(ctx context.Context, email string) (TOTPEnrollment, error) {
	if e == nil || e.totp == nil {
		return TOTPEnrollment{}, ErrEngineNotReady
	}
	if err := checkPrincipalEmail(ctx, email); err != nil {
		return TOTPEnrollment{}, err
	}

	creds, err := internalflows.RunBeginTOTPEnrollment(ctx, email, e.totpFlowDeps())
	if err != nil {
		return TOTPEnrollment{}, err
	}

	uri, err := e.totp.ProvisioningURI(e.config.TOTP.Issuer, creds.Email, creds.TOTPSecret)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("provisioning uri: %w", err)
	}
	out := TOTPEnrollment{Secret: creds.TOTPSecret, URI: uri}
	if e.config.TOTP.QRSize > 0 {
		png, err := e.totp.ProvisioningQR(e.config.TOTP.Issuer, creds.Email, creds.TOTPSecret, e.config.TOTP.QRSize)
		if err != nil {
			return TOTPEnrollment{}, fmt.Errorf("provisioning qr: %w", err)
		}
		out.QRCode = png
	}
	return out, nil
}

// ConfirmTOTPEnrollment activates 2FA when code verifies against the stored
// secret. It returns ErrNoSecretProvisioned before BeginTOTPEnrollment and
// ErrInvalidOTP for a wrong code.
func (e *Engine) ConfirmTOTPEnrollment(ctx context.Context, email, code string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := checkPrincipalEmail(ctx, email); err != nil {
		return err
	}
	return internalflows.RunConfirmTOTPEnrollment(ctx, email, code, e.totpFlowDeps())
}

// DisableTOTP turns 2FA off. It is a no-op for accounts without 2FA. The
// secret is kept unless TOTP.ClearSecretOnDisable is set.
func (e *Engine) DisableTOTP(ctx context.Context, email string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := checkPrincipalEmail(ctx, email); err != nil {
		return err
	}
	return internalflows.RunDisableTOTP(ctx, email, e.totpFlowDeps())
}

// checkPrincipalEmail rejects a call whose session belongs to another
// account. Calls without a principal are left to the caller to authorize.
func checkPrincipalEmail(ctx context.Context, email string) error {
	if p, ok := PrincipalFromContext(ctx); ok && p.Email != email {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) totpFlowDeps() internalflows.TOTPDeps {
	deps := internalflows.TOTPDeps{
		Hooks:                e.hooks(),
		RotateOnReenroll:     e.config.TOTP.RotateOnReenroll,
		ClearSecretOnDisable: e.config.TOTP.ClearSecretOnDisable,
		Validate:             e.validateDeps(),
		Metrics: internalflows.TOTPMetrics{
			EnrollmentStarted: int(MetricTOTPEnrollmentStarted),
			Enabled:           int(MetricTOTPEnabled),
			Disabled:          int(MetricTOTPDisabled),
		},
		Events: internalflows.TOTPEvents{
			EnrollmentBegin: auditEventTOTPEnrollmentBegin,
			Enabled:         auditEventTOTPEnabled,
			Disabled:        auditEventTOTPDisabled,
		},
		Errors: internalflows.TOTPErrors{
			EngineNotReady:  ErrEngineNotReady,
			AccountNotFound: ErrAccountNotFound,
			NoSecret:        ErrNoSecretProvisioned,
			AlreadyEnabled:  ErrTOTPAlreadyEnabled,
		},
	}
	if e.totp != nil {
		deps.GenerateSecret = func() (string, error) {
			s, err := e.totp.GenerateSecret()
			if err != nil {
				return "", errors.Join(ErrRandomnessUnavailable, err)
			}
			return s, nil
		}
	}
	if e.users != nil {
		deps.SetSecret = e.setTOTPSecret
		deps.SetActivated = e.setTOTPActivated
	}
	return deps
}

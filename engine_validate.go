package kbgauth

import (
	"context"

	internalflows "github.com/kbgapp/kbgauth/internal/flows"
)

// Precheck verifies email and password and reports whether a one-time
// passcode is needed. It never issues a session.
//
// Unknown emails and wrong passwords both return ErrInvalidCredentials. A
// malformed stored credential returns an error matching both
// ErrInvalidCredentials and ErrMalformedCredential.
func (e *Engine) Precheck(ctx context.Context, email, password string) (PrecheckResult, error) {
	if e == nil {
		return PrecheckResult{}, ErrEngineNotReady
	}
	creds, err := internalflows.RunPrecheck(ctx, email, password, e.validateDeps())
	if err != nil {
		return PrecheckResult{}, err
	}
	return PrecheckResult{
		UserID:      creds.UserID,
		Email:       creds.Email,
		OTPRequired: creds.TOTPActivated,
	}, nil
}

// Validate is the full credential check. For accounts with 2FA active an
// empty otp returns ErrOTPRequired and a wrong one ErrInvalidOTP; otp is
// ignored for accounts without 2FA. It can be called alone or after
// Precheck.
func (e *Engine) Validate(ctx context.Context, email, password, otp string) (Principal, error) {
	if e == nil {
		return Principal{}, ErrEngineNotReady
	}
	creds, err := internalflows.RunValidate(ctx, email, password, otp, e.validateDeps())
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: creds.UserID, Email: creds.Email}, nil
}

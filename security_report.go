package kbgauth

import "time"

// SecurityReport summarizes the security posture the engine was built with.
// It holds no secrets and is safe to log at startup.
type SecurityReport struct {
	LoginMode             LoginMode
	Scrypt                PasswordConfigReport
	TOTPSkew              uint
	TOTPPeriod            time.Duration
	ReplayProtection      bool
	MaxOTPAttempts        int
	ChallengeTTL          time.Duration
	ResetTokenTTL         time.Duration
	PasswordResetActive   bool
	BuiltInSessionIssuer  bool
	SessionSigningMethod  string
	AuditEnabled          bool
	ClearSecretOnDisable  bool
	RotateSecretOnReenrol bool
}

// PasswordConfigReport mirrors the scrypt cost and length policy.
type PasswordConfigReport struct {
	N          int
	R          int
	P          int
	SaltLength int
	KeyLength  int
	MinLength  int
	MaxLength  int
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	r := SecurityReport{
		LoginMode: e.config.Login.Mode,
		Scrypt: PasswordConfigReport{
			N:          e.config.Password.N,
			R:          e.config.Password.R,
			P:          e.config.Password.P,
			SaltLength: e.config.Password.SaltLength,
			KeyLength:  e.config.Password.KeyLength,
			MinLength:  e.config.Password.MinLength,
			MaxLength:  e.config.Password.MaxLength,
		},
		TOTPSkew:              e.config.TOTP.Skew,
		ReplayProtection:      e.replay != nil,
		MaxOTPAttempts:        e.config.Login.MaxOTPAttempts,
		ResetTokenTTL:         e.config.PasswordReset.TokenTTL,
		PasswordResetActive:   e.resetTokens != nil && e.mailer != nil,
		AuditEnabled:          e.config.Audit.Enabled,
		ClearSecretOnDisable:  e.config.TOTP.ClearSecretOnDisable,
		RotateSecretOnReenrol: e.config.TOTP.RotateOnReenroll,
	}
	if e.totp != nil {
		r.TOTPPeriod = e.totp.Period()
	}
	if e.config.Login.Mode == LoginModeChallenge {
		r.ChallengeTTL = e.config.Login.ChallengeTTL
	}
	if _, ok := e.sessions.(jwtSessionIssuer); ok {
		r.BuiltInSessionIssuer = true
		r.SessionSigningMethod = e.config.JWT.SigningMethod
	}
	return r
}

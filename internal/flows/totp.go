package flows

import (
	"context"
)

type TOTPMetrics struct {
	EnrollmentStarted int
	Enabled           int
	Disabled          int
}

type TOTPEvents struct {
	EnrollmentBegin string
	Enabled         string
	Disabled        string
}

type TOTPErrors struct {
	EngineNotReady  error
	AccountNotFound error
	NoSecret        error
	AlreadyEnabled  error
}

type TOTPDeps struct {
	Hooks

	RotateOnReenroll     bool
	ClearSecretOnDisable bool

	Validate ValidateDeps

	GenerateSecret func() (string, error)
	SetSecret      func(ctx context.Context, email, secret string) error
	SetActivated   func(ctx context.Context, email string, activated bool) error

	Metrics TOTPMetrics
	Events  TOTPEvents
	Errors  TOTPErrors
}

// RunBeginTOTPEnrollment returns the account's pending secret, creating one
// when none is stored.
func RunBeginTOTPEnrollment(ctx context.Context, email string, deps TOTPDeps) (Credentials, error) {
	normalizeTOTPDeps(&deps)
	if deps.Validate.FindCredentials == nil || deps.GenerateSecret == nil || deps.SetSecret == nil {
		return Credentials{}, deps.Errors.EngineNotReady
	}

	creds, err := deps.findAccount(ctx, email)
	if err != nil {
		return Credentials{}, err
	}
	if creds.TOTPActivated {
		deps.EmitAudit(ctx, deps.Events.EnrollmentBegin, false, creds.UserID, deps.Errors.AlreadyEnabled, nil)
		return Credentials{}, deps.Errors.AlreadyEnabled
	}

	if creds.TOTPSecret == "" || deps.RotateOnReenroll {
		secret, err := deps.GenerateSecret()
		if err != nil {
			return Credentials{}, err
		}
		if err := deps.SetSecret(ctx, creds.Email, secret); err != nil {
			return Credentials{}, err
		}
		creds.TOTPSecret = secret
	}

	deps.MetricInc(deps.Metrics.EnrollmentStarted)
	deps.EmitAudit(ctx, deps.Events.EnrollmentBegin, true, creds.UserID, nil, nil)
	return creds, nil
}

// RunConfirmTOTPEnrollment activates 2FA once a code verifies against the
// stored secret.
func RunConfirmTOTPEnrollment(ctx context.Context, email, code string, deps TOTPDeps) error {
	normalizeTOTPDeps(&deps)
	if deps.Validate.FindCredentials == nil || deps.SetActivated == nil {
		return deps.Errors.EngineNotReady
	}

	creds, err := deps.findAccount(ctx, email)
	if err != nil {
		return err
	}
	if creds.TOTPSecret == "" {
		deps.EmitAudit(ctx, deps.Events.Enabled, false, creds.UserID, deps.Errors.NoSecret, nil)
		return deps.Errors.NoSecret
	}
	if code == "" {
		return deps.Validate.Errors.InvalidOTP
	}
	if err := RunVerifyOTP(ctx, creds, code, deps.Validate); err != nil {
		return err
	}
	if creds.TOTPActivated {
		return nil
	}
	if err := deps.SetActivated(ctx, creds.Email, true); err != nil {
		return err
	}

	deps.MetricInc(deps.Metrics.Enabled)
	deps.EmitAudit(ctx, deps.Events.Enabled, true, creds.UserID, nil, nil)
	return nil
}

// RunDisableTOTP turns 2FA off. Disabling an inactive account is a no-op.
func RunDisableTOTP(ctx context.Context, email string, deps TOTPDeps) error {
	normalizeTOTPDeps(&deps)
	if deps.Validate.FindCredentials == nil || deps.SetActivated == nil {
		return deps.Errors.EngineNotReady
	}

	creds, err := deps.findAccount(ctx, email)
	if err != nil {
		return err
	}
	if !creds.TOTPActivated && !(deps.ClearSecretOnDisable && creds.TOTPSecret != "") {
		return nil
	}

	if creds.TOTPActivated {
		if err := deps.SetActivated(ctx, creds.Email, false); err != nil {
			return err
		}
	}
	if deps.ClearSecretOnDisable && creds.TOTPSecret != "" && deps.SetSecret != nil {
		if err := deps.SetSecret(ctx, creds.Email, ""); err != nil {
			return err
		}
	}

	deps.MetricInc(deps.Metrics.Disabled)
	deps.EmitAudit(ctx, deps.Events.Disabled, true, creds.UserID, nil, nil)
	return nil
}

func (deps *TOTPDeps) findAccount(ctx context.Context, email string) (Credentials, error) {
	creds, err := deps.Validate.FindCredentials(ctx, email)
	if err != nil {
		if deps.Validate.IsNotFound(err) {
			return Credentials{}, deps.Errors.AccountNotFound
		}
		return Credentials{}, err
	}
	return creds, nil
}

func normalizeTOTPDeps(deps *TOTPDeps) {
	deps.Hooks.normalize()
	normalizeValidateDeps(&deps.Validate)
}

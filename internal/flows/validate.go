package flows

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type ValidateMetrics struct {
	LoginFailure        int
	OTPRequired         int
	OTPSuccess          int
	OTPFailure          int
	OTPReplay           int
	MalformedCredential int
}

type ValidateEvents struct {
	LoginFailure        string
	OTPRequired         string
	OTPFailure          string
	CredentialIntegrity string
}

type ValidateErrors struct {
	EngineNotReady      error
	InvalidCredentials  error
	MalformedCredential error
	OTPRequired         error
	InvalidOTP          error
	OTPReplay           error
}

type ValidateDeps struct {
	Hooks

	FindCredentials func(context.Context, string) (Credentials, error)
	IsNotFound      func(error) bool
	VerifyPassword  func(password, stored string) (bool, error)
	// DummyVerify burns one KDF evaluation so an unknown email costs the
	// same as a wrong password.
	DummyVerify func(password string)
	VerifyOTP   func(secret, code string) (bool, int64, error)
	// ClaimOTPStep is nil when replay protection is off.
	ClaimOTPStep   func(ctx context.Context, userID, counter int64) (bool, error)
	ObserveLatency func(time.Duration)

	Metrics ValidateMetrics
	Events  ValidateEvents
	Errors  ValidateErrors
}

// RunPrecheck verifies email and password only. The caller inspects
// TOTPActivated to decide whether a passcode step follows.
func RunPrecheck(ctx context.Context, email, password string, deps ValidateDeps) (Credentials, error) {
	normalizeValidateDeps(&deps)
	if deps.FindCredentials == nil || deps.VerifyPassword == nil {
		return Credentials{}, deps.Errors.EngineNotReady
	}

	creds, err := deps.FindCredentials(ctx, email)
	if err != nil {
		if !deps.IsNotFound(err) {
			return Credentials{}, err
		}
		deps.DummyVerify(password)
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, 0, deps.Errors.InvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "unknown_email"}
		})
		return Credentials{}, deps.Errors.InvalidCredentials
	}

	ok, err := deps.VerifyPassword(password, creds.PasswordHash)
	if err != nil {
		if errors.Is(err, deps.Errors.MalformedCredential) {
			deps.MetricInc(deps.Metrics.MalformedCredential)
			deps.Logger.ErrorContext(ctx, "stored password credential is malformed", slog.Int64("user_id", creds.UserID))
			deps.EmitAudit(ctx, deps.Events.CredentialIntegrity, false, creds.UserID, err, nil)
			return Credentials{}, errors.Join(deps.Errors.InvalidCredentials, deps.Errors.MalformedCredential)
		}
		return Credentials{}, err
	}
	if !ok {
		deps.MetricInc(deps.Metrics.LoginFailure)
		deps.EmitAudit(ctx, deps.Events.LoginFailure, false, creds.UserID, deps.Errors.InvalidCredentials, func() map[string]string {
			return map[string]string{"reason": "wrong_password"}
		})
		return Credentials{}, deps.Errors.InvalidCredentials
	}

	return creds, nil
}

// RunVerifyOTP checks code against the account's activated secret. An empty
// code yields the OTPRequired control signal.
func RunVerifyOTP(ctx context.Context, creds Credentials, code string, deps ValidateDeps) error {
	normalizeValidateDeps(&deps)
	if deps.VerifyOTP == nil {
		return deps.Errors.EngineNotReady
	}

	if code == "" {
		deps.MetricInc(deps.Metrics.OTPRequired)
		deps.EmitAudit(ctx, deps.Events.OTPRequired, true, creds.UserID, nil, nil)
		return deps.Errors.OTPRequired
	}

	ok, counter, err := deps.VerifyOTP(creds.TOTPSecret, code)
	if err != nil {
		deps.Logger.ErrorContext(ctx, "stored totp secret is unusable", slog.Int64("user_id", creds.UserID), slog.String("error", err.Error()))
		deps.EmitAudit(ctx, deps.Events.CredentialIntegrity, false, creds.UserID, err, func() map[string]string {
			return map[string]string{"field": "totp_secret"}
		})
		ok = false
	}
	if !ok {
		deps.MetricInc(deps.Metrics.OTPFailure)
		deps.EmitAudit(ctx, deps.Events.OTPFailure, false, creds.UserID, deps.Errors.InvalidOTP, nil)
		return deps.Errors.InvalidOTP
	}

	if deps.ClaimOTPStep != nil {
		fresh, err := deps.ClaimOTPStep(ctx, creds.UserID, counter)
		if err != nil {
			return err
		}
		if !fresh {
			deps.MetricInc(deps.Metrics.OTPReplay)
			replay := errors.Join(deps.Errors.InvalidOTP, deps.Errors.OTPReplay)
			deps.EmitAudit(ctx, deps.Events.OTPFailure, false, creds.UserID, deps.Errors.OTPReplay, func() map[string]string {
				return map[string]string{"reason": "replay"}
			})
			return replay
		}
	}

	deps.MetricInc(deps.Metrics.OTPSuccess)
	return nil
}

// RunValidate is the one-shot form: password, then passcode when the
// account has 2FA active.
func RunValidate(ctx context.Context, email, password, code string, deps ValidateDeps) (Credentials, error) {
	normalizeValidateDeps(&deps)
	start := time.Now()
	defer func() { deps.ObserveLatency(time.Since(start)) }()

	creds, err := RunPrecheck(ctx, email, password, deps)
	if err != nil {
		return Credentials{}, err
	}
	if creds.TOTPActivated {
		if err := RunVerifyOTP(ctx, creds, code, deps); err != nil {
			return Credentials{}, err
		}
	}
	return creds, nil
}

func normalizeValidateDeps(deps *ValidateDeps) {
	deps.Hooks.normalize()
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.DummyVerify == nil {
		deps.DummyVerify = func(string) {}
	}
	if deps.ObserveLatency == nil {
		deps.ObserveLatency = func(time.Duration) {}
	}
}

package flows

import (
	"context"
	"errors"
	"log/slog"
)

type AccountMetrics struct {
	AccountCreated           int
	AccountDuplicate         int
	PasswordChangeSuccess    int
	PasswordChangeInvalidOld int
}

type AccountEvents struct {
	AccountCreated       string
	AccountCreateFailure string
	PasswordChange       string
}

type AccountErrors struct {
	EngineNotReady      error
	AccountExists       error
	InvalidCredentials  error
	MalformedCredential error
}

type AccountDeps struct {
	Hooks

	ValidateEmail    func(string) error
	CheckNewPassword func(password, confirm string) error
	HashPassword     func(string) (string, error)
	VerifyPassword   func(password, stored string) (bool, error)

	CreateUser      func(ctx context.Context, email, hash string) (int64, error)
	IsDuplicate     func(error) bool
	FindCredentials func(context.Context, string) (Credentials, error)
	IsNotFound      func(error) bool
	UpdatePassword  func(ctx context.Context, email, hash string) error

	Metrics AccountMetrics
	Events  AccountEvents
	Errors  AccountErrors
}

// RunRegister creates an account with a freshly salted credential.
func RunRegister(ctx context.Context, email, password, confirm string, deps AccountDeps) (int64, error) {
	normalizeAccountDeps(&deps)
	if deps.CreateUser == nil || deps.HashPassword == nil {
		return 0, deps.Errors.EngineNotReady
	}

	fail := func(err error) (int64, error) {
		deps.EmitAudit(ctx, deps.Events.AccountCreateFailure, false, 0, err, nil)
		return 0, err
	}

	if err := deps.ValidateEmail(email); err != nil {
		return fail(err)
	}
	if err := deps.CheckNewPassword(password, confirm); err != nil {
		return fail(err)
	}

	hash, err := deps.HashPassword(password)
	if err != nil {
		return 0, err
	}
	id, err := deps.CreateUser(ctx, email, hash)
	if err != nil {
		if deps.IsDuplicate(err) {
			deps.MetricInc(deps.Metrics.AccountDuplicate)
			return fail(deps.Errors.AccountExists)
		}
		return 0, err
	}

	deps.MetricInc(deps.Metrics.AccountCreated)
	deps.EmitAudit(ctx, deps.Events.AccountCreated, true, id, nil, nil)
	deps.Logger.InfoContext(ctx, "account created", slog.Int64("user_id", id))
	return id, nil
}

// RunChangePassword replaces the password after re-checking the current one.
func RunChangePassword(ctx context.Context, email, current, next, confirm string, deps AccountDeps) (int64, error) {
	normalizeAccountDeps(&deps)
	if deps.FindCredentials == nil || deps.VerifyPassword == nil || deps.HashPassword == nil || deps.UpdatePassword == nil {
		return 0, deps.Errors.EngineNotReady
	}

	fail := func(userID int64, err error) (int64, error) {
		deps.EmitAudit(ctx, deps.Events.PasswordChange, false, userID, err, nil)
		return 0, err
	}

	if err := deps.CheckNewPassword(next, confirm); err != nil {
		return fail(0, err)
	}

	creds, err := deps.FindCredentials(ctx, email)
	if err != nil {
		if deps.IsNotFound(err) {
			return fail(0, deps.Errors.InvalidCredentials)
		}
		return 0, err
	}

	ok, err := deps.VerifyPassword(current, creds.PasswordHash)
	if err != nil {
		if errors.Is(err, deps.Errors.MalformedCredential) {
			deps.Logger.ErrorContext(ctx, "stored password credential is malformed", slog.Int64("user_id", creds.UserID))
			return fail(creds.UserID, errors.Join(deps.Errors.InvalidCredentials, deps.Errors.MalformedCredential))
		}
		return 0, err
	}
	if !ok {
		deps.MetricInc(deps.Metrics.PasswordChangeInvalidOld)
		return fail(creds.UserID, deps.Errors.InvalidCredentials)
	}

	hash, err := deps.HashPassword(next)
	if err != nil {
		return 0, err
	}
	if err := deps.UpdatePassword(ctx, creds.Email, hash); err != nil {
		return 0, err
	}

	deps.MetricInc(deps.Metrics.PasswordChangeSuccess)
	deps.EmitAudit(ctx, deps.Events.PasswordChange, true, creds.UserID, nil, nil)
	return creds.UserID, nil
}

func normalizeAccountDeps(deps *AccountDeps) {
	deps.Hooks.normalize()
	if deps.ValidateEmail == nil {
		deps.ValidateEmail = func(string) error { return nil }
	}
	if deps.CheckNewPassword == nil {
		deps.CheckNewPassword = func(string, string) error { return nil }
	}
	if deps.IsDuplicate == nil {
		deps.IsDuplicate = func(error) bool { return false }
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
}

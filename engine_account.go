package kbgauth

import (
	"context"
	"errors"
	"net/mail"

	internalflows "github.com/kbgapp/kbgauth/internal/flows"
)

// Register creates an account. The email is stored exactly as given; a taken
// email returns ErrAccountExists.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (Principal, error) {
	if e == nil {
		return Principal{}, ErrEngineNotReady
	}
	id, err := internalflows.RunRegister(ctx, req.Email, req.Password, req.PasswordConfirm, e.accountFlowDeps())
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: id, Email: req.Email}, nil
}

// ChangePassword replaces the password of the account in ctx's principal.
// A missing or different principal returns ErrUnauthorized; a wrong current
// password returns ErrInvalidCredentials.
func (e *Engine) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	if e == nil {
		return ErrEngineNotReady
	}
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Email != req.Email {
		e.emitAudit(ctx, auditEventPasswordChange, false, p.UserID, ErrUnauthorized, nil)
		return ErrUnauthorized
	}
	_, err := internalflows.RunChangePassword(ctx, req.Email, req.CurrentPassword, req.NewPassword, req.NewPasswordConfirm, e.accountFlowDeps())
	return err
}

// validateEmail accepts a bare RFC 5322 address and nothing else: no display
// name, no angle brackets, no surrounding whitespace.
func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return ErrInvalidEmail
	}
	return nil
}

func (e *Engine) accountFlowDeps() internalflows.AccountDeps {
	deps := internalflows.AccountDeps{
		Hooks:            e.hooks(),
		ValidateEmail:    validateEmail,
		CheckNewPassword: e.checkNewPassword,
		HashPassword:     e.hashPassword,
		VerifyPassword:   e.verifyPassword,
		IsDuplicate: func(err error) bool {
			return errors.Is(err, ErrStoreDuplicate)
		},
		FindCredentials: e.findCredentials,
		IsNotFound:      isStoreNotFound,
		Metrics: internalflows.AccountMetrics{
			AccountCreated:           int(MetricAccountCreated),
			AccountDuplicate:         int(MetricAccountDuplicate),
			PasswordChangeSuccess:    int(MetricPasswordChangeSuccess),
			PasswordChangeInvalidOld: int(MetricPasswordChangeInvalidOld),
		},
		Events: internalflows.AccountEvents{
			AccountCreated:       auditEventAccountCreated,
			AccountCreateFailure: auditEventAccountCreateFailure,
			PasswordChange:       auditEventPasswordChange,
		},
		Errors: internalflows.AccountErrors{
			EngineNotReady:      ErrEngineNotReady,
			AccountExists:       ErrAccountExists,
			InvalidCredentials:  ErrInvalidCredentials,
			MalformedCredential: ErrMalformedCredential,
		},
	}
	if e.users != nil {
		deps.CreateUser = e.createUser
		deps.UpdatePassword = e.updatePassword
	}
	return deps
}

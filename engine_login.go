package kbgauth

import (
	"context"
	"errors"
	"time"

	"github.com/kbgapp/kbgauth/internal"
	internalflows "github.com/kbgapp/kbgauth/internal/flows"
	"github.com/kbgapp/kbgauth/internal/stores"
)

// Login runs the password step.
//
// Accounts without 2FA get a session and State LoginAuthenticated. Accounts
// with 2FA get State LoginAwaitingOTP and no session; in LoginModeChallenge
// ChallengeID names the server-held challenge for ConfirmLoginOTP, in
// LoginModeRetainPassword the caller resubmits through LoginWithOTP.
func (e *Engine) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if e == nil {
		return LoginResult{}, ErrEngineNotReady
	}

	if e.config.Login.Mode == LoginModeRetainPassword {
		pre, err := e.Precheck(ctx, email, password)
		if err != nil {
			return LoginResult{State: LoginFailed}, err
		}
		if pre.OTPRequired {
			e.metricInc(MetricOTPRequired)
			e.emitAudit(ctx, auditEventOTPRequired, true, pre.UserID, nil, nil)
			return LoginResult{State: LoginAwaitingOTP, Principal: Principal{UserID: pre.UserID, Email: pre.Email}}, nil
		}
		return e.completeLogin(ctx, Principal{UserID: pre.UserID, Email: pre.Email})
	}

	out, err := internalflows.RunLogin(ctx, email, password, e.loginDeps())
	if err != nil {
		return LoginResult{State: LoginFailed}, err
	}
	return loginResult(out), nil
}

// LoginWithOTP validates password and passcode in one call and issues a
// session. The code is ignored for accounts without 2FA.
func (e *Engine) LoginWithOTP(ctx context.Context, email, password, code string) (LoginResult, error) {
	if e == nil {
		return LoginResult{}, ErrEngineNotReady
	}
	p, err := e.Validate(ctx, email, password, code)
	if err != nil {
		if errors.Is(err, ErrOTPRequired) || errors.Is(err, ErrInvalidOTP) {
			return LoginResult{State: LoginAwaitingOTP}, err
		}
		return LoginResult{State: LoginFailed}, err
	}
	return e.completeLogin(ctx, p)
}

// ConfirmLoginOTP completes a challenge minted by Login. A wrong code keeps
// the challenge alive (State LoginAwaitingOTP) until Login.MaxOTPAttempts is
// reached; an unknown, expired or used challenge returns
// ErrLoginChallengeExpired.
func (e *Engine) ConfirmLoginOTP(ctx context.Context, challengeID, code string) (LoginResult, error) {
	if e == nil {
		return LoginResult{}, ErrEngineNotReady
	}
	if e.challenges == nil {
		return LoginResult{}, ErrEngineNotReady
	}

	out, err := internalflows.RunConfirmLoginOTP(ctx, challengeID, code, e.loginDeps())
	if err != nil {
		if errors.Is(err, ErrLoginChallengeExpired) {
			return LoginResult{State: LoginFailed}, err
		}
		return LoginResult{State: LoginAwaitingOTP, ChallengeID: challengeID}, err
	}
	return loginResult(out), nil
}

func (e *Engine) completeLogin(ctx context.Context, p Principal) (LoginResult, error) {
	out, err := internalflows.RunIssueLoginSession(ctx, p.UserID, p.Email, e.loginDeps())
	if err != nil {
		return LoginResult{State: LoginFailed}, err
	}
	return loginResult(out), nil
}

func loginResult(out internalflows.LoginOutcome) LoginResult {
	r := LoginResult{
		ChallengeID: out.ChallengeID,
		Session:     out.Session,
		Principal:   Principal{UserID: out.UserID, Email: out.Email},
	}
	if out.OTPRequired {
		r.State = LoginAwaitingOTP
	} else {
		r.State = LoginAuthenticated
	}
	return r
}

func (e *Engine) loginDeps() internalflows.LoginDeps {
	deps := internalflows.LoginDeps{
		Hooks:           e.hooks(),
		Validate:        e.validateDeps(),
		ChallengeTTL:    e.config.Login.ChallengeTTL,
		MaxOTPAttempts:  e.config.Login.MaxOTPAttempts,
		NewChallengeID:  internal.NewChallengeID,
		IsChallengeGone: isChallengeGone,
		IssueSession:    e.issueSession,
		Metrics: internalflows.LoginMetrics{
			LoginSuccess:     int(MetricLoginSuccess),
			SessionIssued:    int(MetricSessionIssued),
			ChallengeExpired: int(MetricLoginChallengeExpired),
		},
		Events: internalflows.LoginEvents{
			LoginSuccess: auditEventLoginSuccess,
			OTPRequired:  auditEventOTPRequired,
		},
		Errors: internalflows.LoginErrors{
			EngineNotReady:   ErrEngineNotReady,
			OTPRequired:      ErrOTPRequired,
			InvalidOTP:       ErrInvalidOTP,
			ChallengeExpired: ErrLoginChallengeExpired,
		},
	}

	if e.challenges != nil {
		deps.SaveChallenge = e.saveChallenge
		deps.GetChallenge = e.getChallenge
		deps.DeleteChallenge = e.deleteChallenge
		deps.RecordChallengeFailure = e.recordChallengeFailure
	}
	return deps
}

func isChallengeGone(err error) bool {
	return errors.Is(err, ErrLoginChallengeExpired)
}

func mapChallengeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stores.ErrLoginChallengeNotFound), errors.Is(err, stores.ErrLoginChallengeExpired):
		return ErrLoginChallengeExpired
	default:
		return err
	}
}

func (e *Engine) saveChallenge(ctx context.Context, id string, ch internalflows.LoginChallenge, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	err := e.challenges.Save(ctx, id, &stores.LoginChallenge{
		UserID:    ch.UserID,
		Email:     ch.Email,
		ExpiresAt: ch.ExpiresAt.UnixMilli(),
	}, ttl)
	return e.storageErr(ctx, "save login challenge", err)
}

func (e *Engine) getChallenge(ctx context.Context, id string) (internalflows.LoginChallenge, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	rec, err := e.challenges.Get(ctx, id)
	if err != nil {
		if mapped := mapChallengeErr(err); errors.Is(mapped, ErrLoginChallengeExpired) {
			return internalflows.LoginChallenge{}, mapped
		}
		return internalflows.LoginChallenge{}, e.storageErr(ctx, "get login challenge", err)
	}
	return internalflows.LoginChallenge{
		UserID:    rec.UserID,
		Email:     rec.Email,
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}, nil
}

func (e *Engine) deleteChallenge(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	ok, err := e.challenges.Delete(ctx, id)
	return ok, e.storageErr(ctx, "delete login challenge", err)
}

func (e *Engine) recordChallengeFailure(ctx context.Context, id string, maxAttempts int) (bool, error) {
	ctx, cancel := withTimeout(ctx, e.config.Timeouts.Storage)
	defer cancel()

	exceeded, err := e.challenges.RecordFailure(ctx, id, maxAttempts)
	if err != nil {
		if mapped := mapChallengeErr(err); errors.Is(mapped, ErrLoginChallengeExpired) {
			return false, mapped
		}
		return false, e.storageErr(ctx, "record login challenge failure", err)
	}
	return exceeded, nil
}

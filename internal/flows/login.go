package flows

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LoginChallenge is the server-held state between the password and passcode
// steps.
type LoginChallenge struct {
	UserID    int64
	Email     string
	ExpiresAt time.Time
}

// LoginOutcome is the flow-level result; the engine maps it to LoginResult.
type LoginOutcome struct {
	OTPRequired bool
	ChallengeID string
	Session     string
	UserID      int64
	Email       string
}

type LoginMetrics struct {
	LoginSuccess     int
	SessionIssued    int
	ChallengeExpired int
}

type LoginEvents struct {
	LoginSuccess string
	OTPRequired  string
}

type LoginErrors struct {
	EngineNotReady   error
	OTPRequired      error
	InvalidOTP       error
	ChallengeExpired error
}

type LoginDeps struct {
	Hooks

	Validate ValidateDeps

	ChallengeTTL   time.Duration
	MaxOTPAttempts int

	NewChallengeID         func() string
	SaveChallenge          func(ctx context.Context, id string, ch LoginChallenge, ttl time.Duration) error
	GetChallenge           func(ctx context.Context, id string) (LoginChallenge, error)
	DeleteChallenge        func(ctx context.Context, id string) (bool, error)
	RecordChallengeFailure func(ctx context.Context, id string, maxAttempts int) (bool, error)
	IsChallengeGone        func(error) bool

	IssueSession func(ctx context.Context, userID int64, email string) (string, error)

	Metrics LoginMetrics
	Events  LoginEvents
	Errors  LoginErrors
}

// RunLogin runs the password step. Accounts without 2FA get a session right
// away; the rest get a challenge id and no session.
func RunLogin(ctx context.Context, email, password string, deps LoginDeps) (LoginOutcome, error) {
	normalizeLoginDeps(&deps)
	if deps.IssueSession == nil {
		return LoginOutcome{}, deps.Errors.EngineNotReady
	}

	creds, err := RunPrecheck(ctx, email, password, deps.Validate)
	if err != nil {
		return LoginOutcome{}, err
	}

	if !creds.TOTPActivated {
		return RunIssueLoginSession(ctx, creds.UserID, creds.Email, deps)
	}

	if deps.SaveChallenge == nil || deps.NewChallengeID == nil {
		return LoginOutcome{}, deps.Errors.EngineNotReady
	}
	id := deps.NewChallengeID()
	ch := LoginChallenge{
		UserID:    creds.UserID,
		Email:     creds.Email,
		ExpiresAt: deps.Now().Add(deps.ChallengeTTL),
	}
	if err := deps.SaveChallenge(ctx, id, ch, deps.ChallengeTTL); err != nil {
		return LoginOutcome{}, err
	}

	deps.MetricInc(deps.Validate.Metrics.OTPRequired)
	deps.EmitAudit(ctx, deps.Events.OTPRequired, true, creds.UserID, nil, nil)
	return LoginOutcome{OTPRequired: true, ChallengeID: id, UserID: creds.UserID, Email: creds.Email}, nil
}

// RunConfirmLoginOTP completes a challenge. A wrong code leaves the
// challenge usable unless MaxOTPAttempts is reached; success consumes it.
func RunConfirmLoginOTP(ctx context.Context, challengeID, code string, deps LoginDeps) (LoginOutcome, error) {
	normalizeLoginDeps(&deps)
	if deps.GetChallenge == nil || deps.DeleteChallenge == nil || deps.IssueSession == nil || deps.Validate.FindCredentials == nil {
		return LoginOutcome{}, deps.Errors.EngineNotReady
	}

	if challengeID == "" {
		return LoginOutcome{}, deps.challengeGone(ctx, 0)
	}
	ch, err := deps.GetChallenge(ctx, challengeID)
	if err != nil {
		if deps.IsChallengeGone(err) {
			return LoginOutcome{}, deps.challengeGone(ctx, 0)
		}
		return LoginOutcome{}, err
	}

	creds, err := deps.Validate.FindCredentials(ctx, ch.Email)
	if err != nil {
		if deps.Validate.IsNotFound != nil && deps.Validate.IsNotFound(err) {
			_, _ = deps.DeleteChallenge(ctx, challengeID)
			return LoginOutcome{}, deps.challengeGone(ctx, ch.UserID)
		}
		return LoginOutcome{}, err
	}
	if creds.UserID != ch.UserID {
		_, _ = deps.DeleteChallenge(ctx, challengeID)
		return LoginOutcome{}, deps.challengeGone(ctx, ch.UserID)
	}

	if creds.TOTPActivated {
		if err := RunVerifyOTP(ctx, creds, code, deps.Validate); err != nil {
			if errors.Is(err, deps.Errors.InvalidOTP) && deps.MaxOTPAttempts > 0 && deps.RecordChallengeFailure != nil {
				exceeded, ferr := deps.RecordChallengeFailure(ctx, challengeID, deps.MaxOTPAttempts)
				if ferr != nil && !deps.IsChallengeGone(ferr) {
					deps.Logger.WarnContext(ctx, "recording passcode failure failed", slog.String("error", ferr.Error()))
				}
				if exceeded || (ferr != nil && deps.IsChallengeGone(ferr)) {
					return LoginOutcome{}, errors.Join(err, deps.challengeGone(ctx, ch.UserID))
				}
			}
			return LoginOutcome{}, err
		}
	}

	deleted, err := deps.DeleteChallenge(ctx, challengeID)
	if err != nil {
		return LoginOutcome{}, err
	}
	if !deleted {
		return LoginOutcome{}, deps.challengeGone(ctx, ch.UserID)
	}

	return RunIssueLoginSession(ctx, creds.UserID, creds.Email, deps)
}

// RunIssueLoginSession hands a verified principal to the session issuer and
// records the login.
func RunIssueLoginSession(ctx context.Context, userID int64, email string, deps LoginDeps) (LoginOutcome, error) {
	normalizeLoginDeps(&deps)
	if deps.IssueSession == nil {
		return LoginOutcome{}, deps.Errors.EngineNotReady
	}
	session, err := deps.IssueSession(ctx, userID, email)
	if err != nil {
		deps.Logger.ErrorContext(ctx, "session issuance failed", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		return LoginOutcome{}, err
	}
	deps.MetricInc(deps.Metrics.SessionIssued)
	deps.MetricInc(deps.Metrics.LoginSuccess)
	deps.EmitAudit(ctx, deps.Events.LoginSuccess, true, userID, nil, nil)
	return LoginOutcome{Session: session, UserID: userID, Email: email}, nil
}

func (deps *LoginDeps) challengeGone(ctx context.Context, userID int64) error {
	deps.MetricInc(deps.Metrics.ChallengeExpired)
	deps.EmitAudit(ctx, deps.Validate.Events.OTPFailure, false, userID, deps.Errors.ChallengeExpired, func() map[string]string {
		return map[string]string{"reason": "challenge_expired"}
	})
	return deps.Errors.ChallengeExpired
}

func normalizeLoginDeps(deps *LoginDeps) {
	deps.Hooks.normalize()
	normalizeValidateDeps(&deps.Validate)
	if deps.IsChallengeGone == nil {
		deps.IsChallengeGone = func(error) bool { return false }
	}
}

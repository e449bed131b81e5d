package kbgauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LoginState is a step of the two-stage login.
type LoginState int

const (
	LoginAwaitingPassword LoginState = iota
	LoginAwaitingOTP
	LoginAuthenticated
	LoginFailed
)

func (s LoginState) String() string {
	switch s {
	case LoginAwaitingPassword:
		return "awaiting_password"
	case LoginAwaitingOTP:
		return "awaiting_otp"
	case LoginAuthenticated:
		return "authenticated"
	case LoginFailed:
		return "failed"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

// LoginFlow is caller-owned state for one interactive login. The engine
// keeps nothing between calls; whatever crosses the two steps lives here,
// in memory only.
//
// Transitions:
//
//	AwaitingPassword --password ok, 2FA off--> Authenticated
//	AwaitingPassword --password ok, 2FA on---> AwaitingOTP
//	AwaitingPassword --bad credentials-------> Failed
//	AwaitingOTP      --good code-------------> Authenticated
//	AwaitingOTP      --bad code--------------> AwaitingOTP
//	AwaitingOTP      --challenge gone--------> Failed
//	Failed           --SubmitPassword--------> as AwaitingPassword
type LoginFlow struct {
	engine *Engine

	mu          sync.Mutex
	state       LoginState
	email       string
	password    string
	challengeID string
	principal   Principal
	session     string
}

// NewLoginFlow starts a login in LoginAwaitingPassword.
func (e *Engine) NewLoginFlow() *LoginFlow {
	return &LoginFlow{engine: e, state: LoginAwaitingPassword}
}

// State returns the current state.
func (f *LoginFlow) State() LoginState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Session returns the issued session token once authenticated.
func (f *LoginFlow) Session() (string, Principal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != LoginAuthenticated {
		return "", Principal{}, false
	}
	return f.session, f.principal, true
}

// SubmitPassword runs the password step. It is accepted in
// LoginAwaitingPassword and, for a retry, in LoginFailed.
func (f *LoginFlow) SubmitPassword(ctx context.Context, email, password string) (LoginState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != LoginAwaitingPassword && f.state != LoginFailed {
		return f.state, ErrLoginFlowState
	}
	if f.engine == nil {
		return f.state, ErrEngineNotReady
	}
	f.reset()

	res, err := f.engine.Login(ctx, email, password)
	if err != nil {
		f.state = LoginFailed
		return f.state, err
	}

	switch res.State {
	case LoginAuthenticated:
		f.authenticated(res)
	case LoginAwaitingOTP:
		f.state = LoginAwaitingOTP
		f.challengeID = res.ChallengeID
		if f.engine.config.Login.Mode == LoginModeRetainPassword {
			f.email = email
			f.password = password
		}
	default:
		f.state = LoginFailed
	}
	return f.state, nil
}

// SubmitOTP runs the passcode step. It is only accepted in
// LoginAwaitingOTP; a wrong code leaves the flow there.
func (f *LoginFlow) SubmitOTP(ctx context.Context, code string) (LoginState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != LoginAwaitingOTP {
		return f.state, ErrLoginFlowState
	}

	var (
		res LoginResult
		err error
	)
	if f.engine.config.Login.Mode == LoginModeRetainPassword {
		res, err = f.engine.LoginWithOTP(ctx, f.email, f.password, code)
	} else {
		res, err = f.engine.ConfirmLoginOTP(ctx, f.challengeID, code)
	}
	if err != nil {
		// A wrong or missing code keeps the flow in LoginAwaitingOTP.
		if errors.Is(err, ErrLoginChallengeExpired) || errors.Is(err, ErrInvalidCredentials) {
			f.reset()
			f.state = LoginFailed
		}
		return f.state, err
	}

	f.authenticated(res)
	return f.state, nil
}

func (f *LoginFlow) authenticated(res LoginResult) {
	f.reset()
	f.state = LoginAuthenticated
	f.principal = res.Principal
	f.session = res.Session
}

func (f *LoginFlow) reset() {
	f.email = ""
	f.password = ""
	f.challengeID = ""
	f.principal = Principal{}
	f.session = ""
}

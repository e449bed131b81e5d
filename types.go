package kbgauth

import (
	"context"
	"time"
)

// Principal is the output of successful authentication and the input to
// session issuance. It is never persisted by the engine.
type Principal struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
}

// UserCredentials is what the validator needs to decide a login.
//
// TOTPSecret is empty until enrollment begins. TOTPActivated is only true
// once a code was confirmed against that secret.
type UserCredentials struct {
	UserID        int64
	Email         string
	PasswordHash  string
	TOTPSecret    string
	TOTPActivated bool
}

// ResetTokenRecord is a stored password reset token. TokenHash is the hex
// SHA-256 digest of the emailed token; the raw token is never stored.
type ResetTokenRecord struct {
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
}

// UserCredentialStore is the persistence contract for user credentials.
//
// Implementations return ErrStoreNotFound for absent rows and
// ErrStoreDuplicate when CreateUser hits the unique email constraint.
// Emails are used exactly as stored; no case folding is applied.
type UserCredentialStore interface {
	FindCredentialsByEmail(ctx context.Context, email string) (UserCredentials, error)
	FindEmailByID(ctx context.Context, userID int64) (string, error)
	CreateUser(ctx context.Context, email, passwordHash string) (int64, error)
	UpdatePassword(ctx context.Context, email, passwordHash string) error
	SetTOTPSecret(ctx context.Context, email, secret string) error
	SetTOTPActivated(ctx context.Context, email string, activated bool) error
}

// ResetTokenStore is the persistence contract for password reset tokens.
//
// IssueOrReplaceResetToken must upsert keyed by user id so that at most one
// live token exists per user.
type ResetTokenStore interface {
	IssueOrReplaceResetToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	FindResetToken(ctx context.Context, tokenHash string) (ResetTokenRecord, error)
	DeleteResetToken(ctx context.Context, userID int64) error
}

// MailMessage is a plain-text email.
type MailMessage struct {
	To      string
	Subject string
	Text    string
}

// Mailer sends email. accepted=false with a nil error means the transport
// refused the message; both outcomes map to ErrEmailDelivery.
type Mailer interface {
	SendMail(ctx context.Context, msg MailMessage) (accepted bool, err error)
}

// SessionIssuer creates an authenticated session for a principal and returns
// an opaque token. The engine never inspects it.
type SessionIssuer interface {
	IssueSession(ctx context.Context, principal Principal) (string, error)
}

// SessionIssuerFunc adapts a function to SessionIssuer.
type SessionIssuerFunc func(ctx context.Context, principal Principal) (string, error)

// IssueSession calls f.
func (f SessionIssuerFunc) IssueSession(ctx context.Context, principal Principal) (string, error) {
	return f(ctx, principal)
}

// PrecheckResult is returned by Engine.Precheck.
type PrecheckResult struct {
	UserID      int64
	Email       string
	OTPRequired bool
}

// LoginResult carries the outcome of Engine.Login and Engine.ConfirmLoginOTP.
//
// When State is LoginAwaitingOTP, ChallengeID identifies the server-held
// challenge to submit the passcode against. When State is
// LoginAuthenticated, Session holds the issued session token.
type LoginResult struct {
	State       LoginState
	ChallengeID string
	Session     string
	Principal   Principal
}

// ResetTokenStatus is returned by Engine.ValidateResetToken.
type ResetTokenStatus struct {
	Valid     bool
	Email     string
	ExpiresAt time.Time
}

// ResetPasswordRequest is the input of Engine.ConsumePasswordReset.
//
// Email is optional; when set it must belong to the token's owner.
type ResetPasswordRequest struct {
	Token              string
	Email              string
	NewPassword        string
	NewPasswordConfirm string
}

// RegisterRequest is the input of Engine.Register.
type RegisterRequest struct {
	Email           string
	Password        string
	PasswordConfirm string
}

// ChangePasswordRequest is the input of Engine.ChangePassword.
type ChangePasswordRequest struct {
	Email              string
	CurrentPassword    string
	NewPassword        string
	NewPasswordConfirm string
}

// TOTPEnrollment is returned by Engine.BeginTOTPEnrollment.
type TOTPEnrollment struct {
	Secret string
	URI    string
	// QRCode is a PNG rendering of URI.
	QRCode []byte
}

package kbgauth

import (
	"errors"

	"github.com/kbgapp/kbgauth/password"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrOTPRequired is a control signal: the password checked out and the
	// account needs a one-time passcode before a session can be issued.
	ErrOTPRequired = errors.New("one-time passcode required")
	// ErrInvalidOTP is returned when a submitted one-time passcode does not verify.
	ErrInvalidOTP = errors.New("invalid one-time passcode")
	// ErrMalformedCredential marks a stored password credential that cannot be parsed.
	ErrMalformedCredential = password.ErrMalformedCredential
	// ErrRandomnessUnavailable is returned when the CSPRNG fails.
	ErrRandomnessUnavailable = password.ErrRandomnessUnavailable
	// ErrAlreadyAuthenticated guards reset flows against callers holding a session.
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	// ErrAccountNotFound is only surfaced past the email-disclosure boundary.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned by Register for a taken email.
	ErrAccountExists = errors.New("account already exists")
	// ErrEmailDelivery is returned when the mailer does not accept a message.
	ErrEmailDelivery = errors.New("email delivery failed")
	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage unavailable")
	// ErrNoSecretProvisioned is returned when confirming 2FA before enrollment began.
	ErrNoSecretProvisioned = errors.New("no totp secret provisioned")
	// ErrTOTPAlreadyEnabled is returned when enrolling an account whose 2FA is active.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	// ErrOTPReplay is returned when a passcode's time step was already used.
	ErrOTPReplay = errors.New("one-time passcode already used")

	// ErrResetTokenInvalid covers unknown, consumed and expired reset tokens.
	ErrResetTokenInvalid = errors.New("reset token invalid or expired")
	// ErrPasswordPolicy is returned when a new password violates the length policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordMismatch is returned when a password and its confirmation differ.
	ErrPasswordMismatch = errors.New("password confirmation does not match")
	// ErrInvalidEmail is returned for syntactically invalid email addresses.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrUnauthorized is returned when an operation requires a matching session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLoginFlowState is returned when a LoginFlow step is submitted out of order.
	ErrLoginFlowState = errors.New("login step not valid in current state")
	// ErrLoginChallengeExpired covers unknown, expired and exhausted login challenges.
	ErrLoginChallengeExpired = errors.New("login challenge expired")

	// ErrStoreNotFound is returned by store implementations when a row is absent.
	ErrStoreNotFound = errors.New("record not found")
	// ErrStoreDuplicate is returned by store implementations on a unique violation.
	ErrStoreDuplicate = errors.New("duplicate record")

	// ErrEngineNotReady is returned when a required dependency is missing.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrConfigInvalid wraps configuration validation failures.
	ErrConfigInvalid = errors.New("invalid config")
	// ErrSessionIssue is returned when the session issuer fails.
	ErrSessionIssue = errors.New("session issuance failed")
)

const genericFailureMessage = "Something went wrong. Please try again later."

// publicMessages is ordered: the first sentinel matched wins, so joined
// errors (invalid credentials + malformed credential) resolve to the
// generic credentials message.
var publicMessages = []struct {
	err error
	msg string
}{
	{ErrInvalidCredentials, "Invalid credentials"},
	{ErrOTPRequired, "Please enter your one-time passcode"},
	{ErrInvalidOTP, "Invalid one-time passcode"},
	{ErrOTPReplay, "Invalid one-time passcode"},
	{ErrAlreadyAuthenticated, "Already logged in. Please logout to reset your password."},
	{ErrAccountNotFound, "No account found for this email."},
	{ErrAccountExists, "An account is already registered for this email."},
	{ErrEmailDelivery, "We could not send the email. Please try again later."},
	{ErrNoSecretProvisioned, "Two-factor authentication has not been set up yet."},
	{ErrTOTPAlreadyEnabled, "Two-factor authentication is already enabled."},
	{ErrResetTokenInvalid, "This password reset link is invalid or has expired."},
	{ErrPasswordPolicy, "Password does not meet the length requirements"},
	{ErrPasswordMismatch, "Passwords do not match"},
	{ErrInvalidEmail, "Please enter a valid email address"},
	{ErrUnauthorized, "You must be logged in to do that."},
	{ErrLoginChallengeExpired, "Your login attempt expired. Please sign in again."},
	{ErrLoginFlowState, "Please sign in again."},
}

// PublicMessage returns a display-safe message for err. Storage, mail
// transport and integrity failures collapse into a generic message so
// internal detail never reaches the user.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	for _, m := range publicMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return genericFailureMessage
}

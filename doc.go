// Package kbgauth is the authentication engine behind the KBG web app:
// scrypt password credentials, optional TOTP second factor, single-use
// password reset links and a two-step login.
//
// Engine methods are safe for concurrent use once [Builder.Build] returns.
//
// # Architecture boundaries
//
// kbgauth is the public surface. It exposes [Engine], [Builder], [Config],
// the store contracts ([UserCredentialStore], [ResetTokenStore], [Mailer],
// [SessionIssuer]) and value types. Flow orchestration and the Redis
// records for login challenges and replay guards live under internal/.
//
// # Credentials
//
// Passwords are stored as "<hex key>:<hex salt>" (scrypt N=16384 r=8 p=1
// by default). Unknown emails still run one key derivation, and both
// unknown emails and wrong passwords return [ErrInvalidCredentials].
//
// # Login
//
// [Engine.Login] runs the password step. Accounts with 2FA active get
// [LoginAwaitingOTP] and, in [LoginModeChallenge], a single-use challenge
// id for [Engine.ConfirmLoginOTP]. [LoginFlow] wraps both steps as a small
// state machine owned by the caller.
//
// # Errors
//
// Every failure matches one of the exported sentinels via errors.Is.
// [PublicMessage] maps an error to text that is safe to show to users.
package kbgauth

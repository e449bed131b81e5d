// Package middleware exposes HTTP middleware that turns a session token into
// a kbgauth.Principal on the request context.
//
// # Guards
//
//   - [RequireSession] rejects requests without a valid session with 401.
//   - [OptionalSession] attaches the principal when a valid session is
//     present and passes every request through.
//
// The token is read from the Authorization bearer header, then from the
// session cookie. Verification is delegated to a [SessionVerifier], usually
// the engine's built-in *jwt.Manager.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into a principal. It does not
// implement authentication logic; reset flows and 2FA checks read the
// principal through kbgauth.PrincipalFromContext.
package middleware

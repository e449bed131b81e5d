// Package jwt issues and verifies signed session tokens for authenticated
// principals. Ed25519 is the default algorithm; HS256 is available for
// single-service deployments.
//
// The package does not depend on the engine. The engine adapts Manager to its
// SessionIssuer boundary, and middleware uses ParseSession to restore the
// principal on later requests.
package jwt

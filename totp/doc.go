// Package totp provisions and verifies RFC 6238 time-based one-time passcodes.
//
// Secret encoding, provisioning URIs and code generation are delegated to
// github.com/pquerna/otp so that output stays compatible with common
// authenticator apps. This package adds an injectable clock, a bounded
// clock-drift window and constant-time comparison of submitted codes.
//
// # What this package must NOT do
//
//   - Persist secrets or activation state.
//   - Track replayed counters. VerifyCode reports the matched counter so the
//     caller can enforce single use.
package totp

// Package internal holds helpers private to kbgauth: reset token
// generation and hashing, challenge identifiers and timing jitter.
//
// Sub-packages:
//
//   - audit: asynchronous event dispatch and sinks
//   - flows: the login, reset, enrollment and account flows as pure functions
//   - stores: Redis records for login challenges, replay guards and reset tokens
package internal

// Package stores holds the short-lived Redis records behind kbgauth flows:
// pending login challenges, accepted TOTP counters and, as an alternative to
// SQL, outstanding password reset tokens.
//
// Records are versioned binary blobs with a TTL. Read-modify-write paths use
// WATCH/MULTI and retry on contention. The package does not import kbgauth;
// the root package adapts these types to its own interfaces.
package stores

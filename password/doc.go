// Package password hashes and verifies passwords with salted scrypt.
//
// A stored credential is one string, derived key then salt, both hex:
//
//	<hex(key)>:<hex(salt)>
//
// scrypt is fed the hex text of the salt, not the raw bytes. Policy checks
// such as minimum length live in the engine; this package never sees an
// account and never logs its input.
package password

// Package mail implements kbgauth.Mailer over SMTP, plus a logging mailer
// for local development.
package mail

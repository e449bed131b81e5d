// Package pgstore implements kbgauth.UserCredentialStore and
// kbgauth.ResetTokenStore on PostgreSQL through database/sql and the pgx
// driver, plus goose migrations for the schema.
package pgstore

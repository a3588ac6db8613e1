// Package smtptest provides SMTP servers and helpers for tests. The
// InProcessServer is a real server built on emersion/go-smtp. The
// ScriptedServer replays canned replies so that tests can reach failure
// paths on demand.
package smtptest

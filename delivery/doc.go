// Package delivery hands a built message to an SMTP relay. A Client opens one
// connection per Send and walks it through greeting, EHLO, STARTTLS, AUTH,
// MAIL, RCPT, DATA and NOOP before saying QUIT. Every step either succeeds or
// ends the exchange with an *Error. Nothing is retried.
package delivery

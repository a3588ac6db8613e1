// Package email assembles the MIME message that mailsender delivers. It reads
// attachment and inline image files from disk and arranges them, together with
// the plain and HTML bodies, in a multipart/related tree. It knows nothing
// about SMTP: the delivery package is responsible for getting the message to
// a relay.
package email

package e2e

// e2e contains integration tests that run the mailsender command against a
// real SMTP server in the same process, along with the utility code needed to
// set that server up. Test dependencies also used by unit tests live in
// smtptest instead. (These were intended to be end-to-end tests but became
// integration tests instead, hence the name.)

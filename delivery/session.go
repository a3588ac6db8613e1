package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/mailsender/userconfig"
)

// Tracing levels for userconfig.Relay.DebugLevel
const (
	traceProtocol = 1
	tracePayload  = 2
)

const redacted = "<redacted>"

// Reply code of a healthy session
const codeOK = 250

// session is one SMTP connection driven by a go-smtp client. Every step
// re-arms the timeouts, so the relay timeout bounds each blocking operation
// rather than the whole exchange.
type session struct {
	ctx     context.Context
	relay   userconfig.Relay
	rootCAs *x509.CertPool

	// The TCP connection under the client. Deadlines set here also bound
	// reads and writes after STARTTLS.
	conn   net.Conn
	client *smtp.Client
	tracer *traceWriter
}

// dial connects to the relay and reads the greeting.
func dial(ctx context.Context, relay userconfig.Relay, rootCAs *x509.CertPool) (*session, error) {
	d := &net.Dialer{Timeout: relay.Timeout}
	conn, err := d.DialContext(ctx, "tcp", relay.Address())
	if err != nil {
		return nil, ioError("CONNECT", ErrConnection, err)
	}

	s := &session{
		ctx:     ctx,
		relay:   relay,
		rootCAs: rootCAs,
		conn:    conn,
		tracer:  &traceWriter{relay: relay.Address()},
	}

	// NewClient reads the greeting with no deadline of its own
	s.arm()
	c, err := smtp.NewClient(conn, relay.Host)
	if err != nil {
		return nil, stepError("CONNECT", ErrConnection, ErrConnection, err)
	}
	s.client = c
	if relay.DebugLevel >= traceProtocol {
		c.DebugWriter = s.tracer
	}

	return s, nil
}

// timeout is the relay timeout, cut short by the context deadline.
func (s *session) timeout() time.Duration {
	d := s.relay.Timeout
	if dl, ok := s.ctx.Deadline(); ok {
		if left := time.Until(dl); left < d {
			d = left
		}
	}
	return d
}

// arm gives the next step a full timeout. The client sets its own deadline
// per command from CommandTimeout and SubmissionTimeout, and the connection
// deadline covers what happens between commands.
func (s *session) arm() {
	d := s.timeout()
	if s.client != nil {
		s.client.CommandTimeout = d
		s.client.SubmissionTimeout = d
	}
	// Only fails on a closed connection, which the next read reports
	_ = s.conn.SetDeadline(time.Now().Add(d))
}

// stepError turns an error from the client into an *Error. Server replies
// get kind and I/O failures get ioKind.
func stepError(step string, kind, ioKind, err error) *Error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return replyError(step, kind, se.Code, replyText(se))
	}
	return ioError(step, ioKind, err)
}

// replyText puts back the enhanced status code the client strips from the
// reply.
func replyText(se *smtp.SMTPError) string {
	c := se.EnhancedCode
	if c == smtp.EnhancedCodeNotSet || c == smtp.NoEnhancedCode {
		return se.Message
	}
	return fmt.Sprintf("%d.%d.%d %s", c[0], c[1], c[2], se.Message)
}

// hello sends EHLO. The client falls back to HELO when the server rejects
// it.
func (s *session) hello() error {
	s.arm()
	if err := s.client.Hello(s.relay.LocalName); err != nil {
		return stepError("EHLO", ErrConnection, ErrConnection, err)
	}
	return nil
}

// extension returns the parameters of an EHLO keyword.
func (s *session) extension(name string) (string, bool) {
	ok, params := s.client.Extension(name)
	return params, ok
}

// encrypted reports whether STARTTLS has succeeded.
func (s *session) encrypted() bool {
	_, ok := s.client.TLSConnectionState()
	return ok
}

// startTLS upgrades the connection. The client repeats EHLO afterwards, and
// the handshake happens on its first write.
func (s *session) startTLS() error {
	const step = "STARTTLS"

	if _, ok := s.extension("STARTTLS"); !ok {
		return &Error{Step: step, Kind: ErrTLS, Err: errNoStartTLS}
	}

	s.arm()
	err := s.client.StartTLS(&tls.Config{
		ServerName:         s.relay.Host,
		InsecureSkipVerify: s.relay.TLSSkipVerify,
		RootCAs:            s.rootCAs,
		MinVersion:         tls.VersionTLS12,
	})
	if err != nil {
		return stepError(step, ErrTLS, ErrTLS, err)
	}

	if cs, ok := s.client.TLSConnectionState(); ok {
		log.Debug().
			Str("relay", s.relay.Address()).
			Str("version", tls.VersionName(cs.Version)).
			Msg("connection upgraded to TLS")
	}
	return nil
}

// authenticate runs AUTH over the client's text connection. The client's
// own trace is muted for the exchange and authRoundTrip logs a redacted one.
func (s *session) authenticate(c sasl.Client, initialResponseOK bool) error {
	s.tracer.muted = true
	defer func() { s.tracer.muted = false }()
	return Authenticate(s.authRoundTrip, c, initialResponseOK)
}

// authRoundTrip is a RoundTripFunc that keeps credentials out of the trace.
func (s *session) authRoundTrip(line string) (int, string, error) {
	s.arm()
	s.trace("C: " + redactAuth(line))

	t := s.client.Text
	id, err := t.Cmd("%s", line)
	if err != nil {
		return 0, "", err
	}
	t.StartResponse(id)
	defer t.EndResponse(id)

	code, msg, err := t.ReadResponse(0)
	if err != nil {
		return 0, "", err
	}
	for _, l := range strings.Split(msg, "\n") {
		s.trace(fmt.Sprintf("S: %d %s", code, l))
	}
	return code, msg, nil
}

// redactAuth keeps the command and mechanism of an AUTH line and hides
// everything else.
func redactAuth(line string) string {
	if !strings.HasPrefix(line, "AUTH ") {
		return redacted
	}
	fields := strings.Fields(line)
	shown := strings.Join(fields[:min(len(fields), 2)], " ")
	if len(fields) > 2 {
		shown += " " + redacted
	}
	return shown
}

func (s *session) trace(line string) {
	if s.relay.DebugLevel < traceProtocol {
		return
	}
	log.Debug().Str("relay", s.relay.Address()).Msg(line)
}

func (s *session) mail(from string) error {
	s.arm()
	if err := s.client.Mail(from, nil); err != nil {
		return stepError("MAIL", ErrTransmission, ErrConnection, err)
	}
	return nil
}

func (s *session) rcpt(to string) error {
	s.arm()
	if err := s.client.Rcpt(to); err != nil {
		return stepError("RCPT", ErrTransmission, ErrConnection, err)
	}
	return nil
}

// data sends DATA and streams the payload written by m.
func (s *session) data(m io.WriterTo) error {
	const step = "DATA"

	s.arm()
	w, err := s.client.Data()
	if err != nil {
		return stepError(step, ErrTransmission, ErrConnection, err)
	}

	// The client clears the deadline after every command
	s.arm()
	s.tracer.payload = true
	n, err := m.WriteTo(w)
	if err != nil {
		s.tracer.payload = false
		return ioError(step, ErrConnection, err)
	}
	if err := w.Close(); err != nil {
		s.tracer.payload = false
		return stepError(step, ErrTransmission, ErrConnection, err)
	}

	if s.relay.DebugLevel >= tracePayload {
		log.Debug().
			Str("relay", s.relay.Address()).
			Str("size", units.HumanSize(float64(n))).
			Int64("bytes", n).
			Msg("message data sent")
	}
	return nil
}

// noop asks the relay to confirm the session is still healthy.
func (s *session) noop() error {
	s.arm()
	if err := s.client.Noop(); err != nil {
		return stepError("NOOP", ErrDeliveryNotConfirmed, ErrDeliveryNotConfirmed, err)
	}
	return nil
}

// quit sends QUIT and closes the connection. Failures are only logged.
func (s *session) quit() {
	s.arm()
	err := s.client.Quit()
	if err == nil {
		return
	}
	log.Warn().
		Err(err).
		Str("relay", s.relay.Address()).
		Msg("couldn't end the session cleanly")
	// Quit leaves the connection open when it fails
	_ = s.client.Close()
}

// traceWriter receives the raw traffic the client copies to its DebugWriter
// and logs one line per protocol line. Message data is logged as a single
// placeholder and nothing is logged while muted.
type traceWriter struct {
	relay   string
	partial []byte
	// Set while the message data is written, cleared by the final dot
	payload bool
	muted   bool
}

func (tw *traceWriter) Write(b []byte) (int, error) {
	if tw.muted {
		return len(b), nil
	}
	tw.partial = append(tw.partial, b...)
	for {
		i := bytes.IndexByte(tw.partial, '\n')
		if i < 0 {
			return len(b), nil
		}
		line := strings.TrimSuffix(string(tw.partial[:i]), "\r")
		tw.partial = tw.partial[i+1:]
		tw.line(line)
	}
}

func (tw *traceWriter) line(l string) {
	switch {
	case tw.payload:
		// Dot-stuffing guarantees only the terminator is a lone dot
		if l == "." {
			tw.payload = false
			tw.log("C: <message data>")
		}
	case isReply(l):
		tw.log("S: " + l)
	default:
		tw.log("C: " + l)
	}
}

func (tw *traceWriter) log(line string) {
	log.Debug().Str("relay", tw.relay).Msg(line)
}

// isReply reports whether l starts with a reply code, as in "250 OK" or
// "250-SIZE".
func isReply(l string) bool {
	if len(l) < 3 {
		return false
	}
	for _, r := range l[:3] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(l) == 3 || l[3] == ' ' || l[3] == '-'
}

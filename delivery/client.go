package delivery

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/mailsender/email"
	"github.com/ptgott/mailsender/userconfig"
)

// Ports relays are normally found on. Anything else only earns a warning.
var standardPorts = map[int]bool{
	25:   true,
	465:  true,
	587:  true,
	2525: true,
}

var errNoStartTLS = errors.New("the server does not advertise STARTTLS")

// Result is the outcome of one Send.
type Result struct {
	Success bool
	// Reply code to the last command sent, 0 if there was no reply
	Code    int
	Message string
}

// Client delivers a single message per Send call over a fresh connection.
// Build one with New.
type Client struct {
	relay   userconfig.Relay
	rootCAs *x509.CertPool
	auth    sasl.Client
}

// Option configures a Client.
type Option func(*Client)

// WithRootCAs verifies the relay's certificate against pool instead of the
// system roots.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) { c.rootCAs = pool }
}

// WithSASLClient authenticates with sc instead of picking PLAIN or LOGIN from
// the server's advertisement. The mechanism sc names is used as is.
func WithSASLClient(sc sasl.Client) Option {
	return func(c *Client) { c.auth = sc }
}

// New returns a Client for relay.
func New(relay userconfig.Relay, opts ...Option) *Client {
	c := &Client{relay: relay}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send delivers m and confirms the session is still healthy afterwards with
// NOOP. Nothing is retried. On failure the error is an *Error, or a
// userconfig error when the settings were rejected before connecting.
func (c *Client) Send(ctx context.Context, m *email.Message) (Result, error) {
	to := m.Envelope.To

	if err := c.validate(to); err != nil {
		return failure(to, err), err
	}

	log.Info().
		Str("relay", c.relay.Address()).
		Str("to", to).
		Msg("connecting to the SMTP relay")

	s, err := dial(ctx, c.relay, c.rootCAs)
	if err != nil {
		return failure(to, err), err
	}
	defer s.quit()

	code, err := c.exchange(s, m)
	if err != nil {
		return failure(to, err), err
	}

	return Result{
		Success: true,
		Code:    code,
		Message: fmt.Sprintf("The mail has been sent successfully to %v", to),
	}, nil
}

func (c *Client) validate(to string) error {
	if to == "" {
		return userconfig.ErrMissingRecipient
	}
	if c.relay.Timeout <= 0 {
		return fmt.Errorf("%w (got %v)", userconfig.ErrInvalidTimeout, c.relay.Timeout)
	}
	if !standardPorts[c.relay.Port] {
		log.Warn().
			Int("port", c.relay.Port).
			Msg("not a standard SMTP port, expected one of 25, 465, 587 or 2525")
	}
	return nil
}

// exchange runs everything between the greeting and QUIT. It returns the
// NOOP reply code.
func (c *Client) exchange(s *session, m *email.Message) (int, error) {
	if err := s.hello(); err != nil {
		return 0, err
	}

	if c.relay.WantsTLS() {
		if err := s.startTLS(); err != nil {
			return 0, err
		}
	}

	if c.relay.WantsAuth() {
		if err := c.authenticate(s); err != nil {
			return 0, err
		}
		log.Debug().Str("user", c.relay.Username).Msg("authenticated")
	}

	log.Debug().
		Bool("tls", s.encrypted()).
		Str("from", m.Envelope.From).
		Str("to", m.Envelope.To).
		Msg("starting mail transaction")

	if err := s.mail(m.Envelope.From); err != nil {
		return 0, err
	}
	if err := s.rcpt(m.Envelope.To); err != nil {
		return 0, err
	}
	if err := s.data(m); err != nil {
		return 0, err
	}
	if err := s.noop(); err != nil {
		return 0, err
	}

	return codeOK, nil
}

func (c *Client) authenticate(s *session) error {
	if c.auth != nil {
		return s.authenticate(c.auth, true)
	}

	advertised, ok := s.extension("AUTH")
	if !ok {
		return &Error{Step: authStep, Kind: ErrAuthentication, Err: errNoMechanism}
	}
	mech, ok := chooseMechanism(advertised)
	if !ok {
		return &Error{
			Step: authStep,
			Kind: ErrAuthentication,
			Err:  fmt.Errorf("%w (offered: %v)", errNoMechanism, advertised),
		}
	}

	log.Debug().Str("mechanism", mech).Msg("authenticating")
	sc, irOK := saslClient(mech, c.relay.Username, c.relay.Password)
	return s.authenticate(sc, irOK)
}

func failure(to string, err error) Result {
	r := Result{Message: fmt.Sprintf("Failed to send email to %v: %v", to, err)}
	var de *Error
	if errors.As(err, &de) {
		r.Code = de.Code
	}
	return r
}

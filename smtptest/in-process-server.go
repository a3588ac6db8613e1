package smtptest

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// doubtful we'll get an email this big, but we need a limit
const maxEmailSize = 100 * units.MiB

// Credentials are the only username and password the server accepts.
type Credentials struct {
	Username string
	Password string
}

// Received is one message accepted by an InProcessServer.
type Received struct {
	created time.Time
	From    string
	To      []string
	Body    string
}

// Backend implements smtp.Backend. It checks credentials and hands out a
// fresh session per connection, all backed by one InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	creds Credentials
	// Accept mail without AUTH
	anonymous bool
}

// Login implements smtp.Backend.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username != be.creds.Username || password != be.creds.Password {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return &session{store: be.InMemoryEmailStore}, nil
}

// AnonymousLogin implements smtp.Backend. Refused unless the server was
// created with AllowAnonymous.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if !be.anonymous {
		return nil, smtp.ErrAuthRequired
	}
	return &session{store: be.InMemoryEmailStore}, nil
}

// session implements smtp.Session, collecting the envelope of the message
// in flight.
type session struct {
	store *InMemoryEmailStore
	from  string
	to    []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data stores the message in memory for retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	s.store.saveEmail(Received{
		From: s.from,
		To:   s.to,
		Body: string(buf),
	})
	return nil
}

// InMemoryEmailStore retains received messages for comparison against a
// test's expected output. Goroutine safe.
type InMemoryEmailStore struct {
	mu       sync.Mutex
	messages []Received
}

// saveEmail stores the message along with a timestamp created just prior to
// saving
func (es *InMemoryEmailStore) saveEmail(m Received) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.created = time.Now()
	es.messages = append(es.messages, m)
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t
// Satisfies smtptest.Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r, nil
}

// Messages returns every message received so far, envelope included.
func (es *InMemoryEmailStore) Messages() []Received {
	es.mu.Lock()
	defer es.mu.Unlock()

	return append([]Received{}, es.messages...)
}

// InProcessServer is a Server that runs in the same process as the test
// suite, letting us inspect sent emails. It advertises STARTTLS and accepts
// AUTH PLAIN and AUTH LOGIN once TLS is up. You must initialize this via
// NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	*InMemoryEmailStore
	ln net.Listener
}

// InProcessServerOption configures an InProcessServer.
type InProcessServerOption func(*InProcessServer, *Backend)

// AllowAnonymous lets clients send mail without authenticating.
func AllowAnonymous() InProcessServerOption {
	return func(_ *InProcessServer, be *Backend) {
		be.anonymous = true
	}
}

// WithoutTLS stops the server from advertising STARTTLS and allows AUTH on
// the plaintext connection.
func WithoutTLS() InProcessServerOption {
	return func(is *InProcessServer, _ *Backend) {
		is.Server.TLSConfig = nil
		is.Server.AllowInsecureAuth = true
	}
}

// NewInProcessServer creates an InProcessServer listening on a random local
// port. Must provide the paths to the key and cert used for TLS. The cert
// must be a root cert.
func NewInProcessServer(keypath string, certpath string, creds Credentials, opts ...InProcessServerOption) (*InProcessServer, error) {
	is := &InMemoryEmailStore{}
	be := &Backend{
		InMemoryEmailStore: is,
		creds:              creds,
	}

	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = false // need STARTTLS before AUTH
	srv.AuthDisabled = false
	srv.MaxMessageBytes = maxEmailSize
	// Strict is undocumented, but it looks like it enforces <address> syntax
	// in messages:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second

	srv.EnableAuth(sasl.Login, func(conn *smtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			state := conn.State()
			session, err := be.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	cert, err := tls.LoadX509KeyPair(certpath, keypath)
	if err != nil {
		return nil, err
	}
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	ip := &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		ln:                 ln,
	}
	for _, o := range opts {
		o(ip, be)
	}

	return ip, nil
}

// Start starts the test server. Blocking.
func (is *InProcessServer) Start() error {
	// Not using ListenAndServeTLS--the client should upgrade the connection
	// to TLS
	return is.Server.Serve(is.ln)
}

// Close shuts down the test server daemon. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.ln.Addr().String()
}

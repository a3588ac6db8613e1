package delivery

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

const (
	codeAuthOK       = 235
	codeAuthContinue = 334
	// The session is already authenticated
	codeAlreadyAuthed = 503

	authStep   = "AUTH"
	authCancel = "*"
	// Stands in for a zero-length response
	emptyResponse = "="
)

// Mechanisms in order of preference. Only the first one the server
// advertises is tried.
var preferredMechanisms = []string{sasl.Plain, sasl.Login}

// RoundTripFunc sends one line to the server and returns its reply.
type RoundTripFunc func(line string) (code int, text string, err error)

// Authenticate runs an SMTP AUTH exchange for c over rt.
//
// If c produces an initial response and initialResponseOK is true it goes on
// the AUTH line. Otherwise the bare AUTH command is sent and the initial
// response answers the first challenge. Every other challenge is
// base64-decoded and handed to c.Next, and its answer is sent back encoded.
//
// Replies 235 and 503 succeed. Anything else, or a client without a
// mechanism name, fails with ErrAuthentication.
func Authenticate(rt RoundTripFunc, c sasl.Client, initialResponseOK bool) error {
	mech, ir, err := c.Start()
	if err != nil {
		return &Error{Step: authStep, Kind: ErrAuthentication, Err: err}
	}
	if strings.TrimSpace(mech) == "" {
		return &Error{Step: authStep, Kind: ErrAuthentication, Err: errEmptyMechanism}
	}

	line := "AUTH " + mech
	pending := ir
	if ir != nil && initialResponseOK {
		line += " " + encodeResponse(ir)
		pending = nil
	}

	code, text, err := rt(line)
	for {
		if err != nil {
			return ioError(authStep, ErrConnection, err)
		}

		switch code {
		case codeAuthOK, codeAlreadyAuthed:
			return nil
		case codeAuthContinue:
		default:
			return replyError(authStep, ErrAuthentication, code, text)
		}

		var resp []byte
		if pending != nil {
			resp, pending = pending, nil
		} else {
			resp, err = answer(c, text)
			if err != nil {
				// The server's reply to a cancellation carries no information
				_, _, _ = rt(authCancel)
				return &Error{Step: authStep, Kind: ErrAuthentication, Code: code, Text: text, Err: err}
			}
		}

		code, text, err = rt(encodeResponse(resp))
	}
}

func answer(c sasl.Client, challenge string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(challenge))
	if err != nil {
		return nil, err
	}
	return c.Next(b)
}

func encodeResponse(b []byte) string {
	if len(b) == 0 {
		return emptyResponse
	}
	return base64.StdEncoding.EncodeToString(b)
}

// ChallengeFunc produces the response to a decoded server challenge. The
// challenge is empty when the server sent none.
type ChallengeFunc func(challenge []byte) ([]byte, error)

type challengeClient struct {
	mech    string
	respond ChallengeFunc
}

// NewChallengeClient returns a sasl.Client for mechanism mech that answers
// every challenge with respond. It sends no initial response.
func NewChallengeClient(mech string, respond ChallengeFunc) sasl.Client {
	return &challengeClient{mech: strings.ToUpper(mech), respond: respond}
}

func (c *challengeClient) Start() (string, []byte, error) {
	return c.mech, nil, nil
}

func (c *challengeClient) Next(challenge []byte) ([]byte, error) {
	return c.respond(challenge)
}

// errNoMechanism is wrapped into ErrAuthentication when the server offers
// nothing we can use.
var errNoMechanism = errors.New("the server offers no supported AUTH mechanism")

var errEmptyMechanism = errors.New("the SASL client names no mechanism")

// chooseMechanism picks the preferred mechanism out of an EHLO AUTH
// parameter such as "LOGIN PLAIN CRAM-MD5".
func chooseMechanism(advertised string) (string, bool) {
	offered := make(map[string]bool)
	for _, m := range strings.Fields(advertised) {
		offered[strings.ToUpper(m)] = true
	}
	for _, m := range preferredMechanisms {
		if offered[m] {
			return m, true
		}
	}
	return "", false
}

// saslClient returns the client for mech and whether it may send its
// initial response on the AUTH line. LOGIN servers commonly expect the
// username only after the first challenge.
func saslClient(mech, username, password string) (sasl.Client, bool) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainClient("", username, password), true
	default:
		return sasl.NewLoginClient(username, password), false
	}
}

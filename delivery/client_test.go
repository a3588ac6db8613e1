package delivery

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/mailsender/email"
	"github.com/ptgott/mailsender/smtptest"
	"github.com/ptgott/mailsender/userconfig"
)

func testRelay(t *testing.T, address string) userconfig.Relay {
	t.Helper()
	host, p, err := net.SplitHostPort(address)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)

	return userconfig.Relay{
		Host:      host,
		Port:      port,
		Timeout:   5 * time.Second,
		LocalName: "client.example.com",
	}
}

func testMessage(t *testing.T) *email.Message {
	t.Helper()
	m, err := email.Build(userconfig.Message{
		From:      "sender@example.com",
		To:        "recipient@example.com",
		Subject:   "test",
		BodyPlain: "hello",
		BodyHTML:  "<p>hello</p>",
	})
	require.NoError(t, err)
	return m
}

func startScripted(t *testing.T, script smtptest.Script) *smtptest.ScriptedServer {
	t.Helper()
	srv, err := smtptest.NewScriptedServer(script)
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestSendConfirmed(t *testing.T) {
	srv := startScripted(t, nil)

	res, err := New(testRelay(t, srv.Address())).Send(context.Background(), testMessage(t))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 250, res.Code)
	assert.Equal(t, "The mail has been sent successfully to recipient@example.com", res.Message)

	assert.Equal(t, []string{"EHLO", "MAIL", "RCPT", "DATA", "NOOP", "QUIT"}, srv.Verbs())
	cmds := srv.Commands()
	assert.Equal(t, "EHLO client.example.com", cmds[0])
	assert.Equal(t, "MAIL FROM:<sender@example.com> BODY=8BITMIME", cmds[1], "the relay advertises 8BITMIME")
	assert.Equal(t, "RCPT TO:<recipient@example.com>", cmds[2])

	msgs, err := srv.RetrieveEmails(0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	leaves, err := smtptest.ParseLeaves(msgs[0])
	require.NoError(t, err)
	require.Len(t, leaves, 2)
	assert.Equal(t, "text/plain", leaves[0].MediaType)
	assert.Equal(t, "hello", strings.TrimSpace(string(leaves[0].Body)))
	assert.Equal(t, "text/html", leaves[1].MediaType)
}

func TestSendFailures(t *testing.T) {
	testCases := []struct {
		description   string
		script        smtptest.Script
		modify        func(*userconfig.Relay)
		expectedErr   error
		expectedCode  int
		expectedText  string
		expectedStep  string
		expectedVerbs []string
	}{
		{
			description:   "NOOP not confirmed",
			script:        smtptest.Script{"NOOP": {{Code: 421, Lines: []string{"4.4.2 Timeout"}}}},
			expectedErr:   ErrDeliveryNotConfirmed,
			expectedCode:  421,
			expectedText:  "4.4.2 Timeout",
			expectedStep:  "NOOP",
			expectedVerbs: []string{"EHLO", "MAIL", "RCPT", "DATA", "NOOP", "QUIT"},
		},
		{
			description:   "no reply to NOOP",
			script:        smtptest.Script{"NOOP": {{Code: 0}}},
			expectedErr:   ErrDeliveryNotConfirmed,
			expectedCode:  0,
			expectedStep:  "NOOP",
			expectedVerbs: []string{"EHLO", "MAIL", "RCPT", "DATA", "NOOP"},
		},
		{
			description:   "service not available",
			script:        smtptest.Script{smtptest.Greeting: {{Code: 554, Lines: []string{"no SMTP service here"}}}},
			expectedErr:   ErrConnection,
			expectedCode:  554,
			expectedText:  "no SMTP service here",
			expectedStep:  "CONNECT",
			expectedVerbs: []string{},
		},
		{
			description:   "STARTTLS refused",
			script:        smtptest.Script{"EHLO": {{Code: 250, Lines: []string{"localhost", "STARTTLS"}}}},
			modify:        func(r *userconfig.Relay) { r.UseTLS = true },
			expectedErr:   ErrTLS,
			expectedCode:  454,
			expectedStep:  "STARTTLS",
			expectedVerbs: []string{"EHLO", "STARTTLS", "QUIT"},
		},
		{
			description:   "STARTTLS not advertised",
			modify:        func(r *userconfig.Relay) { r.UseTLS = true },
			expectedErr:   ErrTLS,
			expectedStep:  "STARTTLS",
			expectedVerbs: []string{"EHLO", "QUIT"},
		},
		{
			description:   "a password forces STARTTLS",
			modify:        func(r *userconfig.Relay) { r.Username, r.Password = "user", "pass" },
			expectedErr:   ErrTLS,
			expectedStep:  "STARTTLS",
			expectedVerbs: []string{"EHLO", "QUIT"},
		},
		{
			description: "AUTH rejected",
			script: smtptest.Script{
				"AUTH": {{Code: 535, Lines: []string{"5.7.8 Authentication credentials invalid"}}},
			},
			modify:        func(r *userconfig.Relay) { r.Username = "user" },
			expectedErr:   ErrAuthentication,
			expectedCode:  535,
			expectedStep:  "AUTH",
			expectedVerbs: []string{"EHLO", "AUTH", "QUIT"},
		},
		{
			description:   "AUTH not advertised",
			script:        smtptest.Script{"EHLO": {{Code: 250, Lines: []string{"localhost", "8BITMIME"}}}},
			modify:        func(r *userconfig.Relay) { r.Username = "user" },
			expectedErr:   ErrAuthentication,
			expectedStep:  "AUTH",
			expectedVerbs: []string{"EHLO", "QUIT"},
		},
		{
			description:   "sender rejected",
			script:        smtptest.Script{"MAIL": {{Code: 550, Lines: []string{"5.7.1 Sender rejected"}}}},
			expectedErr:   ErrTransmission,
			expectedCode:  550,
			expectedStep:  "MAIL",
			expectedVerbs: []string{"EHLO", "MAIL", "QUIT"},
		},
		{
			description:   "recipient rejected",
			script:        smtptest.Script{"RCPT": {{Code: 550, Lines: []string{"5.1.1 No such user"}}}},
			expectedErr:   ErrTransmission,
			expectedCode:  550,
			expectedText:  "5.1.1 No such user",
			expectedStep:  "RCPT",
			expectedVerbs: []string{"EHLO", "MAIL", "RCPT", "QUIT"},
		},
		{
			description:   "message rejected",
			script:        smtptest.Script{smtptest.DataEnd: {{Code: 552, Lines: []string{"5.3.4 Message too big"}}}},
			expectedErr:   ErrTransmission,
			expectedCode:  552,
			expectedStep:  "DATA",
			expectedVerbs: []string{"EHLO", "MAIL", "RCPT", "DATA", "QUIT"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := startScripted(t, tc.script)
			relay := testRelay(t, srv.Address())
			if tc.modify != nil {
				tc.modify(&relay)
			}

			res, err := New(relay).Send(context.Background(), testMessage(t))
			require.ErrorIs(t, err, tc.expectedErr)

			var de *Error
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.expectedStep, de.Step)
			assert.Equal(t, tc.expectedCode, de.Code)
			if tc.expectedText != "" {
				assert.Equal(t, tc.expectedText, de.Text)
			}

			assert.False(t, res.Success)
			assert.Equal(t, tc.expectedCode, res.Code)
			assert.True(t, strings.HasPrefix(res.Message, "Failed to send email to recipient@example.com: "), res.Message)

			assert.Equal(t, tc.expectedVerbs, srv.Verbs())
		})
	}
}

func TestSendHELOFallback(t *testing.T) {
	srv := startScripted(t, smtptest.Script{
		"EHLO": {{Code: 502, Lines: []string{"5.5.1 Command not implemented"}}},
	})

	res, err := New(testRelay(t, srv.Address())).Send(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"EHLO", "HELO", "MAIL", "RCPT", "DATA", "NOOP", "QUIT"}, srv.Verbs())
}

func TestSendAuthWithoutTLS(t *testing.T) {
	srv := startScripted(t, nil)
	relay := testRelay(t, srv.Address())
	relay.Username = "user"

	res, err := New(relay).Send(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.True(t, res.Success)

	cmds := srv.Commands()
	require.Greater(t, len(cmds), 1)
	assert.Equal(t, "AUTH PLAIN "+b64("\x00user\x00"), cmds[1], "PLAIN goes out as a single command")
}

func TestSendLoginOnly(t *testing.T) {
	srv := startScripted(t, smtptest.Script{
		"EHLO":                {{Code: 250, Lines: []string{"localhost", "AUTH LOGIN"}}},
		"AUTH":                {{Code: 334, Lines: []string{b64("Username:")}}},
		smtptest.Continuation: {{Code: 334, Lines: []string{b64("Password:")}}, {Code: 235, Lines: []string{"ok"}}},
	})
	relay := testRelay(t, srv.Address())
	relay.Username = "user"

	res, err := New(relay).Send(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.True(t, res.Success)

	cmds := srv.Commands()
	require.Greater(t, len(cmds), 3)
	assert.Equal(t, []string{
		"AUTH LOGIN",
		smtptest.Continuation + " " + b64("user"),
		smtptest.Continuation + " =",
	}, cmds[1:4], "an empty password goes out as =")
}

func TestSendWithSASLClient(t *testing.T) {
	srv := startScripted(t, smtptest.Script{
		"EHLO": {{Code: 250, Lines: []string{"localhost", "AUTH X-TOKEN"}}},
		"AUTH": {{Code: 334, Lines: []string{b64("token?")}}},
	})
	relay := testRelay(t, srv.Address())
	relay.Username = "user"

	c := New(relay, WithSASLClient(NewChallengeClient("X-TOKEN", func([]byte) ([]byte, error) {
		return []byte("abc123"), nil
	})))
	_, err := c.Send(context.Background(), testMessage(t))
	require.NoError(t, err)

	cmds := srv.Commands()
	require.Greater(t, len(cmds), 2)
	assert.Equal(t, "AUTH X-TOKEN", cmds[1])
	assert.Equal(t, smtptest.Continuation+" "+b64("abc123"), cmds[2])
}

func TestSendWithEmptyMechanism(t *testing.T) {
	srv := startScripted(t, nil)
	relay := testRelay(t, srv.Address())
	relay.Username = "user"
	relay.DebugLevel = 1

	c := New(relay, WithSASLClient(NewChallengeClient("", func([]byte) ([]byte, error) {
		return nil, nil
	})))
	res, err := c.Send(context.Background(), testMessage(t))
	require.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"EHLO", "QUIT"}, srv.Verbs())
}

func TestRedactAuth(t *testing.T) {
	testCases := []struct {
		line     string
		expected string
	}{
		{"AUTH PLAIN " + b64("\x00user\x00pass"), "AUTH PLAIN " + redacted},
		{"AUTH LOGIN", "AUTH LOGIN"},
		{"AUTH ", "AUTH"},
		{"AUTH  ", "AUTH"},
		{b64("user"), redacted},
		{"*", redacted},
		{"", redacted},
	}

	for _, tc := range testCases {
		t.Run(tc.line, func(t *testing.T) {
			assert.Equal(t, tc.expected, redactAuth(tc.line))
		})
	}
}

func TestSendValidation(t *testing.T) {
	srv := startScripted(t, nil)

	testCases := []struct {
		description string
		modify      func(*userconfig.Relay, *email.Message)
		expectedErr error
	}{
		{
			description: "no recipient",
			modify:      func(_ *userconfig.Relay, m *email.Message) { m.Envelope.To = "" },
			expectedErr: userconfig.ErrMissingRecipient,
		},
		{
			description: "zero timeout",
			modify:      func(r *userconfig.Relay, _ *email.Message) { r.Timeout = 0 },
			expectedErr: userconfig.ErrInvalidTimeout,
		},
		{
			description: "negative timeout",
			modify:      func(r *userconfig.Relay, _ *email.Message) { r.Timeout = -time.Second },
			expectedErr: userconfig.ErrInvalidTimeout,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			relay := testRelay(t, srv.Address())
			m := testMessage(t)
			tc.modify(&relay, m)

			res, err := New(relay).Send(context.Background(), m)
			require.ErrorIs(t, err, tc.expectedErr)
			assert.ErrorIs(t, err, userconfig.ErrConfig)
			assert.False(t, res.Success)
			assert.Equal(t, 0, res.Code)
		})
	}

	assert.Equal(t, 0, srv.Connections(), "validation failures never connect")
}

func TestSendConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := ln.Addr().String()
	require.NoError(t, ln.Close())

	res, err := New(testRelay(t, address)).Send(context.Background(), testMessage(t))
	require.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Code)
}

// silentListener accepts connections and never says anything.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	return ln.Addr().String()
}

func TestSendTimeout(t *testing.T) {
	relay := testRelay(t, silentListener(t))
	relay.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := New(relay).Send(context.Background(), testMessage(t))
	require.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSendContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	relay := testRelay(t, silentListener(t))
	relay.Timeout = time.Minute

	start := time.Now()
	_, err := New(relay).Send(ctx, testMessage(t))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSendTraceRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	orig, origLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = orig
		zerolog.SetGlobalLevel(origLevel)
	})

	srv := startScripted(t, nil)
	relay := testRelay(t, srv.Address())
	relay.Username = "alice"
	relay.DebugLevel = 2

	_, err := New(relay).Send(context.Background(), testMessage(t))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "C: AUTH PLAIN <redacted>")
	assert.NotContains(t, out, b64("\x00alice\x00"))
	assert.Contains(t, out, "C: MAIL FROM:<sender@example.com>")
	assert.Contains(t, out, "S: 250 2.0.0 OK queued")
	assert.Contains(t, out, "C: <message data>")
	assert.NotContains(t, out, "Subject: test", "message data stays out of the trace")
	assert.Contains(t, out, "message data sent")
}

func TestSendInProcessServer(t *testing.T) {
	keyPath, certPath, err := smtptest.GenerateTLSFiles(t)
	require.NoError(t, err)

	creds := smtptest.Credentials{Username: "myuser", Password: "mypassword"}
	srv, err := smtptest.NewInProcessServer(keyPath, certPath, creds)
	require.NoError(t, err)
	go srv.Start()
	t.Cleanup(srv.Close)

	pool, err := smtptest.CertPool(certPath)
	require.NoError(t, err)

	relay := testRelay(t, srv.Address())
	relay.Username = creds.Username
	relay.Password = creds.Password

	t.Run("STARTTLS and AUTH", func(t *testing.T) {
		res, err := New(relay, WithRootCAs(pool)).Send(context.Background(), testMessage(t))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 250, res.Code)

		msgs := srv.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "sender@example.com", msgs[0].From)
		assert.Equal(t, []string{"recipient@example.com"}, msgs[0].To)

		leaves, err := smtptest.ParseLeaves(msgs[0].Body)
		require.NoError(t, err)
		assert.Len(t, smtptest.Filter(leaves, "text/"), 2)
	})

	t.Run("wrong password", func(t *testing.T) {
		bad := relay
		bad.Password = "nope"
		res, err := New(bad, WithRootCAs(pool)).Send(context.Background(), testMessage(t))
		require.ErrorIs(t, err, ErrAuthentication)
		assert.Equal(t, 535, res.Code)
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		_, err := New(relay).Send(context.Background(), testMessage(t))
		require.ErrorIs(t, err, ErrTLS)
	})

	t.Run("skip verification", func(t *testing.T) {
		insecure := relay
		insecure.TLSSkipVerify = true
		res, err := New(insecure).Send(context.Background(), testMessage(t))
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}

package smtptest

import (
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"
)

// Script keys that aren't command verbs
const (
	// Sent as soon as a client connects
	Greeting = "GREETING"
	// Sent after the terminating "." of a DATA payload
	DataEnd = "."
	// Sent after a client line answering a 334 challenge
	Continuation = "CONTINUATION"
)

// Reply is a canned server response. A zero Code hangs up without replying.
type Reply struct {
	Code  int
	Lines []string
}

// Script maps an upper-case command verb, or one of the keys above, to the
// replies given on successive uses. The last reply repeats.
type Script map[string][]Reply

// DefaultScript is a well-behaved server without STARTTLS that advertises
// AUTH PLAIN and LOGIN.
func DefaultScript() Script {
	return Script{
		Greeting:     {{220, []string{"localhost ESMTP scripted"}}},
		"EHLO":       {{250, []string{"localhost", "8BITMIME", "AUTH PLAIN LOGIN"}}},
		"HELO":       {{250, []string{"localhost"}}},
		"AUTH":       {{235, []string{"2.7.0 Authentication successful"}}},
		Continuation: {{235, []string{"2.7.0 Authentication successful"}}},
		"MAIL":       {{250, []string{"2.1.0 OK"}}},
		"RCPT":       {{250, []string{"2.1.5 OK"}}},
		"DATA":       {{354, []string{"End data with <CR><LF>.<CR><LF>"}}},
		DataEnd:      {{250, []string{"2.0.0 OK queued"}}},
		"NOOP":       {{250, []string{"2.0.0 OK"}}},
		"RSET":       {{250, []string{"2.0.0 OK"}}},
		"STARTTLS":   {{454, []string{"4.7.0 TLS not available"}}},
		"QUIT":       {{221, []string{"2.0.0 Bye"}}},
	}
}

// ScriptedServer is a Server that answers every command from a Script. It
// speaks just enough SMTP to drive a client through failure paths a real
// server won't produce on demand. It never upgrades to TLS.
type ScriptedServer struct {
	ln     net.Listener
	script Script

	mu       sync.Mutex
	uses     map[string]int
	accepted int
	commands []string
	messages []Received
	conns    map[net.Conn]struct{}
}

// NewScriptedServer listens on a random local port. Entries in script
// replace the defaults for the same key.
func NewScriptedServer(script Script) (*ScriptedServer, error) {
	s := DefaultScript()
	for k, v := range script {
		s[k] = v
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	return &ScriptedServer{
		ln:     ln,
		script: s,
		uses:   make(map[string]int),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Start accepts connections until Close is called. Blocking.
func (ss *ScriptedServer) Start() error {
	for {
		c, err := ss.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		ss.mu.Lock()
		ss.conns[c] = struct{}{}
		ss.accepted++
		ss.mu.Unlock()

		go ss.serve(c)
	}
}

// Close stops the listener and drops any open connections.
func (ss *ScriptedServer) Close() {
	ss.ln.Close()

	ss.mu.Lock()
	defer ss.mu.Unlock()
	for c := range ss.conns {
		c.Close()
	}
}

// Address returns the host:port of the server.
func (ss *ScriptedServer) Address() string {
	return ss.ln.Addr().String()
}

// Connections returns the number of connections accepted so far.
func (ss *ScriptedServer) Connections() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.accepted
}

// Commands returns every line received outside of DATA payloads, in order.
func (ss *ScriptedServer) Commands() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return append([]string{}, ss.commands...)
}

// Verbs returns the upper-case verb of every command received, in order.
// Lines answering a challenge are reported as Continuation.
func (ss *ScriptedServer) Verbs() []string {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	v := make([]string, 0, len(ss.commands))
	for _, c := range ss.commands {
		v = append(v, verbOf(c))
	}
	return v
}

// RetrieveEmails returns the DATA payloads received after epoch nanoseconds
// t.
func (ss *ScriptedServer) RetrieveEmails(t int64) ([]string, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	r := make([]string, 0, len(ss.messages))
	for _, m := range ss.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r, nil
}

func (ss *ScriptedServer) serve(c net.Conn) {
	defer func() {
		c.Close()
		ss.mu.Lock()
		delete(ss.conns, c)
		ss.mu.Unlock()
	}()

	tp := textproto.NewConn(c)
	if !ss.reply(tp, Greeting) {
		return
	}

	var (
		challenged bool
		from       string
		to         []string
	)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}

		key := verbOf(line)
		if challenged {
			key = Continuation
		}

		ss.mu.Lock()
		if challenged {
			ss.commands = append(ss.commands, Continuation+" "+line)
		} else {
			ss.commands = append(ss.commands, line)
		}
		ss.mu.Unlock()

		switch key {
		case "MAIL":
			from = addressArg(line)
		case "RCPT":
			to = append(to, addressArg(line))
		}

		r, ok := ss.next(key)
		if !ok || !writeReply(tp, r) {
			return
		}
		challenged = r.Code == 334

		switch {
		case key == "DATA" && r.Code == 354:
			body, err := io.ReadAll(tp.DotReader())
			if err != nil {
				return
			}
			ss.mu.Lock()
			ss.messages = append(ss.messages, Received{
				created: time.Now(),
				From:    from,
				To:      to,
				Body:    string(body),
			})
			ss.mu.Unlock()
			if !ss.reply(tp, DataEnd) {
				return
			}
		case key == "QUIT":
			return
		}
	}
}

func (ss *ScriptedServer) reply(tp *textproto.Conn, key string) bool {
	r, ok := ss.next(key)
	return ok && writeReply(tp, r)
}

// next returns the reply for the n-th use of key. Unknown verbs get a 500.
func (ss *ScriptedServer) next(key string) (Reply, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	replies, ok := ss.script[key]
	if !ok || len(replies) == 0 {
		return Reply{500, []string{"5.5.2 Command not recognized"}}, true
	}

	n := ss.uses[key]
	ss.uses[key] = n + 1
	if n >= len(replies) {
		n = len(replies) - 1
	}

	r := replies[n]
	return r, r.Code != 0
}

func writeReply(tp *textproto.Conn, r Reply) bool {
	lines := r.Lines
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := tp.PrintfLine("%d%s%s", r.Code, sep, l); err != nil {
			return false
		}
	}
	return true
}

func verbOf(line string) string {
	v, _, _ := strings.Cut(line, " ")
	return strings.ToUpper(v)
}

// addressArg pulls the address out of "MAIL FROM:<a@b>" or "RCPT TO:<a@b>".
func addressArg(line string) string {
	i := strings.Index(line, "<")
	j := strings.LastIndex(line, ">")
	if i < 0 || j < i {
		return ""
	}
	return line[i+1 : j]
}

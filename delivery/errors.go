package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Failure kinds. Every *Error matches exactly one of these with errors.Is,
// and additionally matches ErrTimeout when a deadline was the cause.
var (
	ErrConnection           = errors.New("connection error")
	ErrTimeout              = errors.New("timed out")
	ErrTLS                  = errors.New("TLS error")
	ErrAuthentication       = errors.New("authentication error")
	ErrTransmission         = errors.New("transmission error")
	ErrDeliveryNotConfirmed = errors.New("delivery not confirmed")
)

// Error describes a failed step of the SMTP exchange.
type Error struct {
	// SMTP command or phase, e.g. "CONNECT", "STARTTLS" or "RCPT"
	Step string
	// One of the Err* kinds above
	Kind error
	// Server reply code, 0 if there was no reply
	Code int
	// Server reply text
	Text string
	// Underlying error, if any
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %v", e.Step, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(": server replied %d", e.Code)
		if e.Text != "" {
			msg += " " + e.Text
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is reports a timeout as ErrTimeout regardless of the kind.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && isTimeout(e.Err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// replyError builds an *Error for an unexpected reply.
func replyError(step string, kind error, code int, text string) *Error {
	return &Error{
		Step: step,
		Kind: kind,
		Code: code,
		Text: text,
	}
}

// ioError builds an *Error for a failure to write a command or read a reply.
func ioError(step string, kind error, err error) *Error {
	return &Error{
		Step: step,
		Kind: kind,
		Err:  err,
	}
}

// Package errkind defines the error taxonomy shared across the stack.
package errkind

import "fmt"

// Kind identifies the category of a stack error, independent of the
// component that raised it.
type Kind int

const (
	Invalid Kind = iota
	Malformed
	Unsupported
	Ignored
	AddressInUse
	BadFileDescriptor
	AddressFamilySupport
	SocketTypeSupport
	TooManyOpenedFiles
	ConnectionAborted
	ConnectionRefused
	IoError
	TimedOut
	ResolutionFailed
)

func (k Kind) String() string {
	switch k {
	case Invalid:
		return "invalid"
	case Malformed:
		return "malformed"
	case Unsupported:
		return "unsupported"
	case Ignored:
		return "ignored"
	case AddressInUse:
		return "address in use"
	case BadFileDescriptor:
		return "bad file descriptor"
	case AddressFamilySupport:
		return "address family not supported"
	case SocketTypeSupport:
		return "socket type not supported"
	case TooManyOpenedFiles:
		return "too many open files"
	case ConnectionAborted:
		return "connection aborted"
	case ConnectionRefused:
		return "connection refused"
	case IoError:
		return "i/o error"
	case TimedOut:
		return "timed out"
	case ResolutionFailed:
		return "resolution failed"
	default:
		return "unknown error kind"
	}
}

// Error is the concrete error type raised by every component. Callers
// compare against a Kind with errors.As + Error.Is(kind), or with the
// package-level Is helper.
type Error struct {
	Kind Kind
	Msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is lets errors.Is(err, errkind.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports the Kind carried by err, and whether err is an *Error at all.
func Of(err error) (Kind, bool) {
	e, ok := err.(*Error)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}

package proxy

import "fmt"

// Kind enumerates the error taxonomy a session can terminate with.
type Kind string

const (
	// KindClientClosed is a clean EOF on a request-line read; the session
	// ends silently, no error is reported.
	KindClientClosed Kind = "ClientClosed"
	// KindMalformedRequest is an unparseable request line.
	KindMalformedRequest Kind = "MalformedRequest"
	// KindMalformedHeader is a header line missing a colon, or any other
	// header-block violation.
	KindMalformedHeader Kind = "MalformedHeader"
	// KindAuthDenied is a proxy-authentication rejection; a 407 is sent
	// before closing.
	KindAuthDenied Kind = "AuthDenied"
	// KindTLSHandshakeFailed is a failed certificate mint or TLS server
	// handshake during interception.
	KindTLSHandshakeFailed Kind = "TlsHandshakeFailed"
	// KindUpstreamUnavailable is a connect, DNS, or TLS failure reaching
	// the origin or an upstream proxy.
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	// KindUpstreamIO is a read/write failure on an already-established
	// upstream connection.
	KindUpstreamIO Kind = "UpstreamIo"
	// KindHookCancelled is a BeforeRequest hook setting request.Cancel;
	// the session ends without an error report.
	KindHookCancelled Kind = "HookCancelled"
)

// Error is a session-terminating error tagged with a taxonomy Kind, so
// callers at the session-loop boundary can decide what (if anything) to
// write back to the client before closing.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newError builds an Error of the given kind.
func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if pe, ok := err.(*Error); ok {
			e = pe
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

package rethinkconn

import "fmt"

// ErrorKind classifies driver errors the way callers need to branch on:
// was this a network problem, a failed login, a timeout, a protocol
// violation, or a query the server rejected.
type ErrorKind int

const (
	// ErrKindTransport covers dial failures and read/write errors on the
	// underlying connection (including an azrelay tunnel).
	ErrKindTransport ErrorKind = iota + 1
	// ErrKindHandshake covers malformed handshake messages and version
	// negotiation failures, distinct from a rejected credential.
	ErrKindHandshake
	// ErrKindAuthFailed means the handshake completed but the server
	// rejected the client's proof or the server's signature didn't verify.
	ErrKindAuthFailed
	// ErrKindTimeout means a query or the driver-call deadline elapsed
	// before a response arrived.
	ErrKindTimeout
	// ErrKindProtocol means the server sent bytes the framer or
	// multiplexer could not make sense of once the handshake had
	// succeeded — a framing or token bug, not a query error.
	ErrKindProtocol
	// ErrKindQuery means the server parsed and ran the query but returned
	// a client_error, compile_error, or runtime_error response.
	ErrKindQuery
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransport:
		return "transport"
	case ErrKindHandshake:
		return "handshake"
	case ErrKindAuthFailed:
		return "auth_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every driver operation that
// can fail for a reason callers might want to distinguish.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rethinkconn: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("rethinkconn: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind (a target with
// a zero Kind matches any *Error), letting callers write
// errors.Is(err, &rethinkconn.Error{Kind: rethinkconn.ErrKindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != 0 && t.Kind != e.Kind {
		return false
	}
	return true
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
